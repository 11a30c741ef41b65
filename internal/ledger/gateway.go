// Package ledger is the single entry point for balance mutations. Every flow
// that touches money (trade entry, settlement, deposits, withdrawals, bonuses,
// admin adjustments) goes through Gateway.Apply, which serialises writers per
// account and commits with a version compare-and-swap at the store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/stream"
)

// Snapshot is the committed state a BuildFunc decides from.
type Snapshot = store.Snapshot

// Notice is a notification to deliver once the change commits.
type Notice struct {
	Title    string
	Body     string
	Severity model.Severity
}

// Event is a live-stream event to publish once the change commits.
type Event struct {
	Type string
	Data any
}

// Change describes what a flow wants to commit for one account. The gateway
// fills in the account and expected version.
type Change struct {
	Delta  decimal.Decimal
	Reason model.Reason
	Status *model.AccountStatus

	InsertTrades   []model.OpenTrade
	RemoveTradeIDs []string
	AppendHistory  []model.TradeHistoryEntry

	InsertWithdrawal     *model.Withdrawal
	DepositTransition    *store.Transition
	WithdrawalTransition *store.Transition

	Notices []Notice
	Events  []Event
}

func (c *Change) mutation(accountID string, version int64) *store.Mutation {
	return &store.Mutation{
		AccountID:            accountID,
		ExpectedVersion:      version,
		Delta:                c.Delta,
		Reason:               c.Reason,
		NonNegative:          c.enforcesFloor(),
		Status:               c.Status,
		InsertTrades:         c.InsertTrades,
		RemoveTradeIDs:       c.RemoveTradeIDs,
		AppendHistory:        c.AppendHistory,
		InsertWithdrawal:     c.InsertWithdrawal,
		DepositTransition:    c.DepositTransition,
		WithdrawalTransition: c.WithdrawalTransition,
	}
}

// enforcesFloor reports whether the resulting balance must stay >= 0. Only
// operator adjustments may overdraw.
func (c *Change) enforcesFloor() bool {
	return c.Delta.IsNegative() && c.Reason != model.ReasonAdminAdjustment
}

// BuildFunc derives a Change from the current snapshot. It may run more than
// once if a concurrent writer forces a retry, so it must not have side
// effects. Returning a nil or empty Change commits nothing.
type BuildFunc func(snap *Snapshot) (*Change, error)

// Config bounds gateway calls.
type Config struct {
	// MaxRetries is how many times a version conflict is retried.
	MaxRetries int
	// CallTimeout bounds lock wait plus commit. Zero disables it.
	CallTimeout time.Duration
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
	// NotifyTimeout bounds delivery of one queued notice.
	NotifyTimeout time.Duration
	// NoticeQueue is how many notices may wait for Run. Notices beyond it
	// are dropped and counted.
	NoticeQueue int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		CallTimeout:   5 * time.Second,
		RetryBackoff:  10 * time.Millisecond,
		NotifyTimeout: 3 * time.Second,
		NoticeQueue:   1024,
	}
}

// Gateway serialises balance mutations per account.
type Gateway struct {
	store    store.Store
	locks    *keyedLock
	notifier notify.Emitter
	pub      notify.Publisher
	logger   *slog.Logger
	cfg      Config
	notices  chan queuedNotice
}

type queuedNotice struct {
	accountID string
	notice    Notice
}

// NewGateway creates a Gateway. notifier and pub may be nil. Notices are
// queued on commit and delivered only while Run is running.
func NewGateway(st store.Store, notifier notify.Emitter, pub notify.Publisher, logger *slog.Logger, cfg Config) *Gateway {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.NoticeQueue <= 0 {
		cfg.NoticeQueue = DefaultConfig().NoticeQueue
	}
	return &Gateway{
		store:    st,
		locks:    newKeyedLock(),
		notifier: notifier,
		pub:      pub,
		logger:   logger.With("component", "ledger"),
		cfg:      cfg,
		notices:  make(chan queuedNotice, cfg.NoticeQueue),
	}
}

// ApplyDelta adds signedAmount to the account balance and returns the new
// balance. Debits with any reason other than AdminAdjustment fail with
// ErrInsufficientFunds rather than overdraw.
func (g *Gateway) ApplyDelta(ctx context.Context, accountID string, signedAmount decimal.Decimal, reason model.Reason) (decimal.Decimal, error) {
	if signedAmount.IsZero() {
		return decimal.Zero, model.Invalid("amount must be non-zero")
	}
	acct, err := g.Apply(ctx, accountID, func(*Snapshot) (*Change, error) {
		return &Change{Delta: signedAmount, Reason: reason}, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// Apply runs build against the latest snapshot and commits the result under
// the account's lock. On a version conflict it re-reads and rebuilds up to
// MaxRetries times. Events are published and notices queued only after a
// successful commit; delivery failures are logged and never undo the commit.
func (g *Gateway) Apply(ctx context.Context, accountID string, build BuildFunc) (*model.Account, error) {
	acct, change, err := g.commit(ctx, accountID, build)
	if err != nil {
		return nil, err
	}
	if change != nil {
		g.afterCommit(acct, change)
	}
	return acct, nil
}

func (g *Gateway) commit(ctx context.Context, accountID string, build BuildFunc) (*model.Account, *Change, error) {
	if g.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}

	waitStart := time.Now()
	release, err := g.locks.acquire(ctx, accountID)
	metrics.ObserveSince(metrics.LockWait, waitStart)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: lock account %s: %w", accountID, err)
	}
	defer release()

	for attempt := 0; ; attempt++ {
		snap, err := g.store.Snapshot(ctx, accountID)
		if err != nil {
			return nil, nil, err
		}

		change, err := build(snap)
		if err != nil {
			metrics.MutationsTotal.WithLabelValues(reasonLabel(change), resultLabel(err)).Inc()
			return nil, nil, err
		}
		if change == nil || change.mutation(accountID, 0).Empty() {
			acct := snap.Account
			return &acct, nil, nil
		}
		if err := check(snap, change); err != nil {
			metrics.MutationsTotal.WithLabelValues(string(change.Reason), resultLabel(err)).Inc()
			return nil, nil, err
		}

		acct, err := g.store.ApplyMutation(ctx, change.mutation(accountID, snap.Account.Version))
		if err == nil {
			metrics.MutationsTotal.WithLabelValues(string(change.Reason), "ok").Inc()
			g.logger.Debug("mutation committed",
				"account_id", accountID,
				"reason", change.Reason,
				"delta", change.Delta.StringFixed(2),
				"balance", acct.Balance.StringFixed(2),
				"version", acct.Version,
			)
			return acct, change, nil
		}

		if errors.Is(err, model.ErrConflict) && attempt < g.cfg.MaxRetries {
			metrics.ConflictRetries.Inc()
			g.logger.Debug("version conflict, retrying", "account_id", accountID, "attempt", attempt+1)
			if err := sleepCtx(ctx, time.Duration(attempt+1)*g.cfg.RetryBackoff); err != nil {
				return nil, nil, fmt.Errorf("ledger: retry account %s: %w", accountID, err)
			}
			continue
		}
		metrics.MutationsTotal.WithLabelValues(string(change.Reason), resultLabel(err)).Inc()
		return nil, nil, err
	}
}

// check applies the account-level rules every change must pass. Only debits
// the holder initiates are blocked on inactive accounts; refunds still land.
func check(snap *Snapshot, c *Change) error {
	if c.Reason.UserInitiated() && c.Delta.IsNegative() && !snap.Account.Status.CanTrade() {
		return model.Invalid("account %s is %s", snap.Account.ID, snap.Account.Status)
	}
	if c.enforcesFloor() && snap.Account.Balance.Add(c.Delta).IsNegative() {
		return fmt.Errorf("account %s balance %s cannot cover %s: %w",
			snap.Account.ID, snap.Account.Balance.StringFixed(2), c.Delta.Neg().StringFixed(2),
			model.ErrInsufficientFunds)
	}
	return nil
}

func (g *Gateway) afterCommit(acct *model.Account, c *Change) {
	if g.pub != nil {
		if !c.Delta.IsZero() {
			g.pub.Publish(acct.ID, stream.EventBalanceChanged, map[string]string{
				"balance": acct.Balance.StringFixed(2),
				"delta":   c.Delta.StringFixed(2),
				"reason":  string(c.Reason),
			})
		}
		for _, ev := range c.Events {
			g.pub.Publish(acct.ID, ev.Type, ev.Data)
		}
	}

	for _, n := range c.Notices {
		select {
		case g.notices <- queuedNotice{accountID: acct.ID, notice: n}:
		default:
			metrics.NotificationFailures.WithLabelValues("queue_full").Inc()
			g.logger.Warn("notice queue full, dropping", "account_id", acct.ID, "title", n.Title)
		}
	}
}

// Run delivers queued notices one at a time until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-g.notices:
			g.deliver(ctx, q)
		}
	}
}

// Pending returns how many notices are waiting for delivery.
func (g *Gateway) Pending() int {
	return len(g.notices)
}

func (g *Gateway) deliver(ctx context.Context, q queuedNotice) {
	if g.cfg.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.NotifyTimeout)
		defer cancel()
	}
	n := q.notice
	if err := g.notifier.Notify(ctx, q.accountID, n.Title, n.Body, n.Severity); err != nil {
		g.logger.Warn("notification failed", "account_id", q.accountID, "title", n.Title, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reasonLabel(c *Change) string {
	if c == nil || c.Reason == "" {
		return "none"
	}
	return string(c.Reason)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, model.ErrAlreadyProcessed),
		errors.Is(err, model.ErrNotFound):
		return "rejected"
	default:
		return "error"
	}
}
