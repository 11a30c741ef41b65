// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of an account. Deleted accounts are
// soft-deleted: the row and its history stay, only the flag changes.
type AccountStatus string

const (
	AccountActive  AccountStatus = "Active"
	AccountBanned  AccountStatus = "Banned"
	AccountDeleted AccountStatus = "Deleted"
)

// CanTrade reports whether user-initiated debits are allowed.
func (s AccountStatus) CanTrade() bool { return s == AccountActive }

// WholeCents reports whether d has at most two decimal places, the
// precision balances are stored at.
func WholeCents(d decimal.Decimal) bool { return d.Equal(d.Round(2)) }

// Direction is the side of a binary trade.
type Direction string

const (
	DirectionHigh Direction = "HIGH"
	DirectionLow  Direction = "LOW"
)

// Valid reports whether d is HIGH or LOW.
func (d Direction) Valid() bool { return d == DirectionHigh || d == DirectionLow }

// Outcome is the resolved result of a trade.
type Outcome string

const (
	OutcomeWinning Outcome = "Winning"
	OutcomeLosing  Outcome = "Losing"
)

// Reason tags every balance delta with the flow that produced it.
type Reason string

const (
	ReasonTradeEntry      Reason = "TradeEntry"
	ReasonTradeSettlement Reason = "TradeSettlement"
	ReasonDeposit         Reason = "Deposit"
	ReasonWithdrawal      Reason = "Withdrawal"
	ReasonBonus           Reason = "Bonus"
	ReasonAdminAdjustment Reason = "AdminAdjustment"
)

// UserInitiated reports whether the reason originates from the account holder
// (as opposed to an operator or the settlement loop).
func (r Reason) UserInitiated() bool {
	return r == ReasonTradeEntry || r == ReasonWithdrawal
}

// RequestStatus is the state of a deposit or withdrawal.
// Pending → Successful | Cancelled; both targets are terminal.
type RequestStatus string

const (
	StatusPending    RequestStatus = "Pending"
	StatusSuccessful RequestStatus = "Successful"
	StatusCancelled  RequestStatus = "Cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusSuccessful || s == StatusCancelled
}

// Account is the balance holder. Version increases by one on every committed
// mutation and is used for compare-and-swap at the store.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name,omitempty" db:"name"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Status    AccountStatus   `json:"status" db:"status"`
	Version   int64           `json:"version" db:"version"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// OpenTrade is a placed, unresolved directional bet. Entry price, placement
// and expiry are fixed at creation.
type OpenTrade struct {
	ID              string          `json:"id" db:"id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	Pair            string          `json:"pair" db:"pair"`
	Direction       Direction       `json:"direction" db:"direction"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	EntryPrice      decimal.Decimal `json:"entry_price" db:"entry_price"`
	DurationSeconds int             `json:"duration_seconds" db:"duration_seconds"`
	PlacedAt        time.Time       `json:"placed_at" db:"placed_at"`
	ExpiresAt       time.Time       `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the trade is due for settlement at now.
func (t OpenTrade) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TradeHistoryEntry is the immutable record written when a trade resolves.
type TradeHistoryEntry struct {
	TradeID     string          `json:"trade_id" db:"trade_id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	Pair        string          `json:"pair" db:"pair"`
	Direction   Direction       `json:"direction" db:"direction"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	EntryPrice  decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price" db:"exit_price"`
	Outcome     Outcome         `json:"outcome" db:"outcome"`
	Payout      decimal.Decimal `json:"payout" db:"payout"`
	InitiatedAt time.Time       `json:"initiated_at" db:"initiated_at"`
	SettledAt   time.Time       `json:"settled_at" db:"settled_at"`
}

// Deposit is a request to credit funds. No balance change happens until it is
// approved. ProcessedAt is nil while Pending.
type Deposit struct {
	ID          string          `json:"id" db:"id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Gateway     string          `json:"gateway,omitempty" db:"gateway"`
	Status      RequestStatus   `json:"status" db:"status"`
	InitiatedAt time.Time       `json:"initiated_at" db:"initiated_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// Withdrawal reserves funds at request time; rejection refunds them.
type Withdrawal struct {
	ID          string          `json:"id" db:"id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Method      string          `json:"method,omitempty" db:"method"`
	Details     string          `json:"details,omitempty" db:"details"`
	Status      RequestStatus   `json:"status" db:"status"`
	InitiatedAt time.Time       `json:"initiated_at" db:"initiated_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// Severity classifies a user-facing notification.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is an inbox message for an account holder.
type Notification struct {
	ID        string    `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	Title     string    `json:"title" db:"title"`
	Body      string    `json:"body" db:"body"`
	Severity  Severity  `json:"severity" db:"severity"`
	Read      bool      `json:"read" db:"read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Pair is a tradable symbol such as "BTC/USD".
type Pair struct {
	Symbol    string          `json:"symbol" toml:"symbol"`
	Name      string          `json:"name" toml:"name"`
	BasePrice decimal.Decimal `json:"base_price" toml:"base_price"`
	CoinID    string          `json:"coin_id,omitempty" toml:"coin_id"`
	Enabled   bool            `json:"enabled" toml:"enabled"`
}
