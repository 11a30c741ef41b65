// Package trade validates and opens binary HIGH/LOW trades and computes their
// outcome at expiry.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/exposure"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pair"
	"github.com/atmx/settlement-engine/internal/pricefeed"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/stream"
)

var hundred = decimal.NewFromInt(100)

// Applier commits a change for one account. *ledger.Gateway implements it.
type Applier interface {
	Apply(ctx context.Context, accountID string, build ledger.BuildFunc) (*model.Account, error)
}

// Snapshotter reads an account with its open trades.
type Snapshotter interface {
	Snapshot(ctx context.Context, accountID string) (*store.Snapshot, error)
}

// PlaceRequest is a user's request to open a trade.
type PlaceRequest struct {
	AccountID       string          `json:"account_id"`
	Pair            string          `json:"pair"`
	Direction       model.Direction `json:"direction"`
	Amount          decimal.Decimal `json:"amount"`
	DurationSeconds int             `json:"duration_seconds"`
}

// Placement is the result of a successful PlaceTrade.
type Placement struct {
	Trade   model.OpenTrade `json:"trade"`
	Account model.Account   `json:"account"`
}

// Manager opens trades. Placement and the stake debit commit as one gateway
// change, so a trade never exists without its stake having been taken.
type Manager struct {
	gateway Applier
	reader  Snapshotter
	prices  pricefeed.Feed
	limiter *exposure.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

// NewManager creates a Manager. limiter may be nil to disable exposure caps.
func NewManager(gateway Applier, reader Snapshotter, prices pricefeed.Feed, limiter *exposure.Limiter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		gateway: gateway,
		reader:  reader,
		prices:  prices,
		limiter: limiter,
		now:     time.Now,
		logger:  logger.With("component", "trade"),
	}
}

// PlaceTrade validates req against settings and the account, captures the
// entry price, and commits the debit together with the new open trade.
//
// Checks run in order and the first failure wins: trading enabled, pair
// enabled, account active, direction, amount bounds, duration, balance,
// exposure limits.
func (m *Manager) PlaceTrade(ctx context.Context, settings model.TradeSettings, req PlaceRequest) (*Placement, error) {
	symbol := pair.Normalize(req.Pair)

	if !settings.TradingEnabled {
		return nil, reject("disabled", model.Invalid("Trading is currently disabled."))
	}
	p, err := pair.Lookup(settings.Pairs, symbol)
	if err != nil || !p.Enabled {
		return nil, reject("pair", model.Invalid("Pair %s is not available for trading.", symbol))
	}

	snap, err := m.reader.Snapshot(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if err := preflight(settings, req, snap); err != nil {
		return nil, err
	}
	if err := m.exposureErr(symbol, req.Amount, snap.OpenTrades); err != nil {
		return nil, reject("exposure", err)
	}

	// Fail closed: never guess an entry price.
	quote, err := m.prices.LatestPrice(ctx, symbol)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("price").Inc()
		if !errors.Is(err, model.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrPriceUnavailable, err)
		}
		return nil, err
	}

	placedAt := m.now().UTC()
	trade := model.OpenTrade{
		ID:              uuid.New().String(),
		AccountID:       req.AccountID,
		Pair:            symbol,
		Direction:       req.Direction,
		Amount:          req.Amount,
		EntryPrice:      quote.Price,
		DurationSeconds: req.DurationSeconds,
		PlacedAt:        placedAt,
		ExpiresAt:       placedAt.Add(time.Duration(req.DurationSeconds) * time.Second),
	}

	acct, err := m.gateway.Apply(ctx, req.AccountID, func(s *ledger.Snapshot) (*ledger.Change, error) {
		// The pre-checks ran outside the lock; open stake may have grown since.
		if err := m.exposureErr(symbol, trade.Amount, s.OpenTrades); err != nil {
			return nil, err
		}
		return &ledger.Change{
			Delta:        trade.Amount.Neg(),
			Reason:       model.ReasonTradeEntry,
			InsertTrades: []model.OpenTrade{trade},
			Events:       []ledger.Event{{Type: stream.EventTradePlaced, Data: trade}},
		}, nil
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(causeLabel(err)).Inc()
		return nil, err
	}

	metrics.TradesPlaced.WithLabelValues(symbol, string(trade.Direction)).Inc()
	m.logger.Info("trade placed",
		"account_id", trade.AccountID,
		"trade_id", trade.ID,
		"pair", symbol,
		"direction", trade.Direction,
		"amount", trade.Amount.StringFixed(2),
		"entry_price", trade.EntryPrice.String(),
		"expires_at", trade.ExpiresAt,
	)
	return &Placement{Trade: trade, Account: *acct}, nil
}

func preflight(settings model.TradeSettings, req PlaceRequest, snap *store.Snapshot) error {
	if st := snap.Account.Status; !st.CanTrade() {
		return reject("account", model.Invalid("Account is %s.", strings.ToLower(string(st))))
	}
	if !req.Direction.Valid() {
		return reject("direction", model.Invalid("Direction must be HIGH or LOW."))
	}
	if !req.Amount.IsPositive() ||
		req.Amount.LessThan(settings.MinTradeAmount) ||
		req.Amount.GreaterThan(settings.MaxTradeAmount) {
		return reject("amount", model.Invalid("Trade amount must be between %s and %s.",
			settings.MinTradeAmount.StringFixed(2), settings.MaxTradeAmount.StringFixed(2)))
	}
	if !model.WholeCents(req.Amount) {
		return reject("amount", model.Invalid("Trade amount must have at most two decimal places."))
	}
	if !settings.AllowsDuration(req.DurationSeconds) {
		return reject("duration", model.Invalid("Duration of %d seconds is not offered.", req.DurationSeconds))
	}
	if snap.Account.Balance.LessThan(req.Amount) {
		return reject("insufficient", fmt.Errorf("account %s balance %s cannot cover stake %s: %w",
			snap.Account.ID, snap.Account.Balance.StringFixed(2), req.Amount.StringFixed(2),
			model.ErrInsufficientFunds))
	}
	return nil
}

func (m *Manager) exposureErr(symbol string, amount decimal.Decimal, open []model.OpenTrade) error {
	err := m.limiter.CheckLimit(symbol, amount, exposure.OpenStakeByPair(open))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, exposure.ErrPerPairLimitExceeded):
		return model.Invalid("Open stake limit reached for %s.", symbol)
	case errors.Is(err, exposure.ErrCorrelatedLimitExceeded):
		return model.Invalid("Open stake limit reached for %s pairs.", pair.Base(symbol))
	default:
		return err
	}
}

func reject(cause string, err error) error {
	metrics.TradeRejections.WithLabelValues(cause).Inc()
	return err
}

func causeLabel(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient"
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// ResolveTrade computes the outcome of t at exitPrice. HIGH wins when the
// exit is strictly above entry and LOW when strictly below; a tie loses.
// A winning payout is amount × (1 + profitPct/100) rounded to cents,
// otherwise zero. It has no side effects.
func ResolveTrade(t model.OpenTrade, exitPrice, profitPct decimal.Decimal, settledAt time.Time) (model.TradeHistoryEntry, decimal.Decimal) {
	outcome := model.OutcomeLosing
	switch t.Direction {
	case model.DirectionHigh:
		if exitPrice.GreaterThan(t.EntryPrice) {
			outcome = model.OutcomeWinning
		}
	case model.DirectionLow:
		if exitPrice.LessThan(t.EntryPrice) {
			outcome = model.OutcomeWinning
		}
	}

	payout := decimal.Zero
	if outcome == model.OutcomeWinning {
		payout = t.Amount.Mul(decimal.NewFromInt(1).Add(profitPct.Div(hundred))).Round(2)
	}

	return model.TradeHistoryEntry{
		TradeID:     t.ID,
		AccountID:   t.AccountID,
		Pair:        t.Pair,
		Direction:   t.Direction,
		Amount:      t.Amount,
		EntryPrice:  t.EntryPrice,
		ExitPrice:   exitPrice,
		Outcome:     outcome,
		Payout:      payout,
		InitiatedAt: t.PlacedAt,
		SettledAt:   settledAt.UTC(),
	}, payout
}
