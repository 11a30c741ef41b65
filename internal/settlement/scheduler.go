// Package settlement runs the recurring loop that resolves expired trades and
// credits their payouts. Each tick batches every expired trade of an account
// into one gateway commit, so settlement never races itself on an account and
// makes one ledger call per account per tick.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pricefeed"
	"github.com/atmx/settlement-engine/internal/stream"
	"github.com/atmx/settlement-engine/internal/trade"
)

// Source lists the trades awaiting settlement.
type Source interface {
	AccountsWithOpenTrades(ctx context.Context) ([]string, error)
	ListOpenTrades(ctx context.Context, accountID string) ([]model.OpenTrade, error)
}

// Config controls tick cadence and bounds.
type Config struct {
	// TickInterval is the time between ticks. It bounds settlement latency
	// and must stay short relative to the shortest trade duration.
	TickInterval time.Duration
	// TickTimeout bounds a whole tick.
	TickTimeout time.Duration
	// PriceTimeout bounds one price lookup. A pair that times out is
	// deferred to the next tick.
	PriceTimeout time.Duration
	// Concurrency is the number of accounts settled in parallel.
	Concurrency int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		TickTimeout:  5 * time.Second,
		PriceTimeout: 2 * time.Second,
		Concurrency:  8,
	}
}

// TickResult summarises one tick.
type TickResult struct {
	Accounts int // accounts with a commit
	Settled  int // trades resolved and committed
	Deferred int // expired trades left for the next tick
	Failed   int // accounts whose commit failed
}

// Scheduler is the settlement loop.
type Scheduler struct {
	source   Source
	gateway  trade.Applier
	prices   pricefeed.Feed
	settings func() model.TradeSettings
	elector  Elector
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. settings is read once per tick and the
// value is used for every trade resolved in that tick. A nil elector means
// this process is the only scheduler.
func NewScheduler(
	source Source,
	gateway trade.Applier,
	prices pricefeed.Feed,
	settings func() model.TradeSettings,
	elector Elector,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = def.TickTimeout
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = def.PriceTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if elector == nil {
		elector = LocalElector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		source:   source,
		gateway:  gateway,
		prices:   prices,
		settings: settings,
		elector:  elector,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "settlement"),
	}
}

// Run ticks until ctx is done. Tick errors are logged and the loop goes on.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("settlement scheduler started", "interval", s.cfg.TickInterval)
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("settlement scheduler stopped")
			return nil
		case <-t.C:
			res, err := s.Tick(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("settlement tick failed", "err", err)
				continue
			}
			if res.Settled > 0 || res.Deferred > 0 || res.Failed > 0 {
				s.logger.Info("settlement tick",
					"accounts", res.Accounts,
					"settled", res.Settled,
					"deferred", res.Deferred,
					"failed", res.Failed,
				)
			}
		}
	}
}

// Tick performs one settlement pass. It returns an error only when the pass
// could not start; per-account failures are counted in the result and
// retried on the next tick.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	release, err := s.elector.Acquire(ctx)
	if errors.Is(err, ErrNotLeader) {
		return TickResult{}, nil
	}
	if err != nil {
		return TickResult{}, err
	}
	defer release()

	start := time.Now()
	defer metrics.ObserveSince(metrics.TickDuration, start)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	ids, err := s.source.AccountsWithOpenTrades(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("settlement: list accounts: %w", err)
	}
	if len(ids) == 0 {
		return TickResult{}, nil
	}

	var (
		settings = s.settings()
		now      = s.now().UTC()
		book     = newPriceBook(s.prices, s.cfg.PriceTimeout)
		mu       sync.Mutex
		total    TickResult
		g        errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := s.settleAccount(ctx, id, settings.ProfitPercentage, now, book)
			if err != nil {
				metrics.TickErrors.Inc()
				s.logger.Warn("settle account failed", "account_id", id, "err", err)
				res.Failed = 1
			}
			mu.Lock()
			total.Accounts += res.Accounts
			total.Settled += res.Settled
			total.Deferred += res.Deferred
			total.Failed += res.Failed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total, nil
}

type resolution struct {
	entry  model.TradeHistoryEntry
	payout decimal.Decimal
}

func (s *Scheduler) settleAccount(ctx context.Context, accountID string, profitPct decimal.Decimal, now time.Time, book *priceBook) (TickResult, error) {
	var res TickResult

	open, err := s.source.ListOpenTrades(ctx, accountID)
	if err != nil {
		return res, err
	}

	var resolved []resolution
	for _, t := range open {
		if !t.Expired(now) {
			continue
		}
		q, err := book.get(ctx, t.Pair)
		if err != nil {
			res.Deferred++
			metrics.TradesDeferred.WithLabelValues(t.Pair).Inc()
			continue
		}
		entry, payout := trade.ResolveTrade(t, q.Price, profitPct, now)
		resolved = append(resolved, resolution{entry: entry, payout: payout})
	}
	if len(resolved) == 0 {
		return res, nil
	}
	// Oldest placement first, so the latest trade becomes the newest history entry.
	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].entry.InitiatedAt.Before(resolved[j].entry.InitiatedAt)
	})

	var applied []resolution
	_, err = s.gateway.Apply(ctx, accountID, func(snap *ledger.Snapshot) (*ledger.Change, error) {
		applied = applied[:0]
		c := &ledger.Change{Reason: model.ReasonTradeSettlement}
		for _, r := range resolved {
			// Resolved elsewhere since we listed it: drop silently.
			if !snap.HasOpenTrade(r.entry.TradeID) {
				continue
			}
			applied = append(applied, r)
			c.RemoveTradeIDs = append(c.RemoveTradeIDs, r.entry.TradeID)
			c.AppendHistory = append(c.AppendHistory, r.entry)
			c.Delta = c.Delta.Add(r.payout)
			c.Events = append(c.Events, ledger.Event{Type: stream.EventTradeSettled, Data: r.entry})
		}
		if len(applied) == 0 {
			return nil, nil
		}
		c.Notices = []ledger.Notice{settlementNotice(applied)}
		return c, nil
	})
	if err != nil {
		return res, err
	}

	for _, r := range applied {
		metrics.TradesSettled.WithLabelValues(string(r.entry.Outcome)).Inc()
		s.logger.Debug("trade settled",
			"account_id", accountID,
			"trade_id", r.entry.TradeID,
			"outcome", r.entry.Outcome,
			"payout", r.payout.StringFixed(2),
		)
	}
	if len(applied) > 0 {
		res.Accounts = 1
	}
	res.Settled = len(applied)
	return res, nil
}

func settlementNotice(applied []resolution) ledger.Notice {
	if len(applied) == 1 {
		e := applied[0].entry
		if e.Outcome == model.OutcomeWinning {
			return ledger.Notice{
				Title:    "Trade Won",
				Body:     fmt.Sprintf("Your %s %s trade of $%s won. $%s was credited.", e.Pair, e.Direction, e.Amount.StringFixed(2), e.Payout.StringFixed(2)),
				Severity: model.SeveritySuccess,
			}
		}
		return ledger.Notice{
			Title:    "Trade Lost",
			Body:     fmt.Sprintf("Your %s %s trade of $%s lost.", e.Pair, e.Direction, e.Amount.StringFixed(2)),
			Severity: model.SeverityInfo,
		}
	}

	won := 0
	total := decimal.Zero
	for _, r := range applied {
		if r.entry.Outcome == model.OutcomeWinning {
			won++
		}
		total = total.Add(r.payout)
	}
	return ledger.Notice{
		Title:    "Trades Settled",
		Body:     fmt.Sprintf("%d trades settled, %d won. $%s was credited.", len(applied), won, total.StringFixed(2)),
		Severity: model.SeverityInfo,
	}
}

// priceBook fetches each pair at most once per tick.
type priceBook struct {
	feed    pricefeed.Feed
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*priceEntry
}

type priceEntry struct {
	once  sync.Once
	quote pricefeed.Quote
	err   error
}

func newPriceBook(feed pricefeed.Feed, timeout time.Duration) *priceBook {
	return &priceBook{feed: feed, timeout: timeout, entries: make(map[string]*priceEntry)}
}

func (b *priceBook) get(ctx context.Context, symbol string) (pricefeed.Quote, error) {
	b.mu.Lock()
	e, ok := b.entries[symbol]
	if !ok {
		e = &priceEntry{}
		b.entries[symbol] = e
	}
	b.mu.Unlock()

	e.once.Do(func() {
		pctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		e.quote, e.err = b.feed.LatestPrice(pctx, symbol)
		if e.err == nil && !e.quote.Price.IsPositive() {
			e.err = fmt.Errorf("%w: %s non-positive price", model.ErrPriceUnavailable, symbol)
		}
	})
	return e.quote, e.err
}
