// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Store is the ledger persistence interface. Balances only change through
// ApplyMutation, which commits every part of a Mutation or none of it.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account at version 1.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns all accounts, including soft-deleted ones.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// Snapshot reads an account together with its open-trade set as of a
	// single version.
	Snapshot(ctx context.Context, accountID string) (*Snapshot, error)

	// --- Trades ---

	// AccountsWithOpenTrades returns the IDs of accounts whose open-trade set
	// is non-empty.
	AccountsWithOpenTrades(ctx context.Context) ([]string, error)

	// ListOpenTrades returns an account's open trades ordered by expiry.
	ListOpenTrades(ctx context.Context, accountID string) ([]model.OpenTrade, error)

	// ListTradeHistory returns resolved trades newest-first. limit <= 0
	// returns everything.
	ListTradeHistory(ctx context.Context, accountID string, limit int) ([]model.TradeHistoryEntry, error)

	// --- Deposits / withdrawals ---

	// CreateDeposit records a Pending deposit. It has no balance effect.
	CreateDeposit(ctx context.Context, dep *model.Deposit) error

	GetDeposit(ctx context.Context, id string) (*model.Deposit, error)

	// ListDeposits returns deposits newest-first; an empty accountID lists all.
	ListDeposits(ctx context.Context, accountID string) ([]model.Deposit, error)

	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)

	// ListWithdrawals returns withdrawals newest-first; an empty accountID
	// lists all.
	ListWithdrawals(ctx context.Context, accountID string) ([]model.Withdrawal, error)

	// --- Atomic ledger primitive ---

	// ApplyMutation commits m against the account if its version still equals
	// m.ExpectedVersion. It returns model.ErrConflict on a version mismatch,
	// model.ErrInsufficientFunds when m.NonNegative is violated, and
	// model.ErrAlreadyProcessed when a transition targets a terminal record.
	ApplyMutation(ctx context.Context, m *Mutation) (*model.Account, error)

	// --- Notification inbox ---

	InsertNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, accountID string) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, accountID, id string) error
	MarkAllNotificationsRead(ctx context.Context, accountID string) error
	ClearNotifications(ctx context.Context, accountID string) error
}

// Snapshot is a consistent view of an account and its open trades.
type Snapshot struct {
	Account    model.Account
	OpenTrades []model.OpenTrade
}

// HasOpenTrade reports whether id is in the open-trade set.
func (s *Snapshot) HasOpenTrade(id string) bool {
	for _, t := range s.OpenTrades {
		if t.ID == id {
			return true
		}
	}
	return false
}

// Transition moves a Pending deposit or withdrawal to a terminal status.
type Transition struct {
	ID string
	To model.RequestStatus
	At time.Time
}

// Mutation is one all-or-nothing change to a single account: a signed
// balance delta plus whatever records must move together with it.
type Mutation struct {
	AccountID       string
	ExpectedVersion int64

	Delta  decimal.Decimal
	Reason model.Reason

	// NonNegative rejects the commit if the resulting balance is below zero.
	NonNegative bool

	// Status, when set, replaces the account status.
	Status *model.AccountStatus

	InsertTrades   []model.OpenTrade
	RemoveTradeIDs []string

	// AppendHistory entries are prepended in order, so the last element
	// becomes the newest.
	AppendHistory []model.TradeHistoryEntry

	InsertWithdrawal     *model.Withdrawal
	DepositTransition    *Transition
	WithdrawalTransition *Transition
}

// Empty reports whether the mutation changes nothing.
func (m *Mutation) Empty() bool {
	return m.Delta.IsZero() && m.Status == nil &&
		len(m.InsertTrades) == 0 && len(m.RemoveTradeIDs) == 0 &&
		len(m.AppendHistory) == 0 && m.InsertWithdrawal == nil &&
		m.DepositTransition == nil && m.WithdrawalTransition == nil
}
