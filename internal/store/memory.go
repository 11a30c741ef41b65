package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	accounts      map[string]*model.Account
	openTrades    map[string]map[string]model.OpenTrade // accountID → tradeID → trade
	tradeOwner    map[string]string                     // tradeID → accountID
	history       map[string][]model.TradeHistoryEntry  // newest first
	deposits      map[string]*model.Deposit
	withdrawals   map[string]*model.Withdrawal
	notifications map[string][]model.Notification
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[string]*model.Account),
		openTrades:    make(map[string]map[string]model.OpenTrade),
		tradeOwner:    make(map[string]string),
		history:       make(map[string][]model.TradeHistoryEntry),
		deposits:      make(map[string]*model.Deposit),
		withdrawals:   make(map[string]*model.Withdrawal),
		notifications: make(map[string][]model.Notification),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists: %w", a.ID, model.ErrConflict)
	}

	// Store a copy to avoid external mutation.
	copy := *a
	copy.Version = 1
	s.accounts[a.ID] = &copy
	a.Version = 1
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.After(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, accountID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	return &Snapshot{
		Account:    *a,
		OpenTrades: s.openTradesLocked(accountID),
	}, nil
}

func (s *MemoryStore) AccountsWithOpenTrades(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.openTrades))
	for id, set := range s.openTrades {
		if len(set) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListOpenTrades(_ context.Context, accountID string) ([]model.OpenTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.openTradesLocked(accountID), nil
}

// openTradesLocked returns a sorted copy of the open set. Caller holds mu.
func (s *MemoryStore) openTradesLocked(accountID string) []model.OpenTrade {
	set := s.openTrades[accountID]
	trades := make([]model.OpenTrade, 0, len(set))
	for _, t := range set {
		trades = append(trades, t)
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].ExpiresAt.Equal(trades[j].ExpiresAt) {
			return trades[i].ID < trades[j].ID
		}
		return trades[i].ExpiresAt.Before(trades[j].ExpiresAt)
	})
	return trades
}

func (s *MemoryStore) ListTradeHistory(_ context.Context, accountID string, limit int) ([]model.TradeHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[accountID]
	if limit > 0 && limit < len(h) {
		h = h[:limit]
	}
	out := make([]model.TradeHistoryEntry, len(h))
	copy(out, h)
	return out, nil
}

func (s *MemoryStore) CreateDeposit(_ context.Context, d *model.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[d.AccountID]; !ok {
		return fmt.Errorf("account %s: %w", d.AccountID, model.ErrNotFound)
	}
	if _, exists := s.deposits[d.ID]; exists {
		return fmt.Errorf("deposit %s already exists: %w", d.ID, model.ErrConflict)
	}
	copy := *d
	s.deposits[d.ID] = &copy
	return nil
}

func (s *MemoryStore) GetDeposit(_ context.Context, id string) (*model.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deposits[id]
	if !ok {
		return nil, fmt.Errorf("deposit %s: %w", id, model.ErrNotFound)
	}
	copy := *d
	return &copy, nil
}

func (s *MemoryStore) ListDeposits(_ context.Context, accountID string) ([]model.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Deposit
	for _, d := range s.deposits {
		if accountID == "" || d.AccountID == accountID {
			result = append(result, *d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].InitiatedAt.After(result[j].InitiatedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (*model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, model.ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, accountID string) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Withdrawal
	for _, w := range s.withdrawals {
		if accountID == "" || w.AccountID == accountID {
			result = append(result, *w)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].InitiatedAt.After(result[j].InitiatedAt)
	})
	return result, nil
}

// ApplyMutation validates every part of m against current state first and
// only then writes, so a failed check leaves nothing behind.
func (s *MemoryStore) ApplyMutation(_ context.Context, m *Mutation) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[m.AccountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", m.AccountID, model.ErrNotFound)
	}
	if a.Version != m.ExpectedVersion {
		return nil, fmt.Errorf("account %s at version %d, expected %d: %w",
			m.AccountID, a.Version, m.ExpectedVersion, model.ErrConflict)
	}

	newBalance := a.Balance.Add(m.Delta)
	if m.NonNegative && newBalance.IsNegative() {
		return nil, fmt.Errorf("account %s balance %s, delta %s: %w",
			m.AccountID, a.Balance, m.Delta, model.ErrInsufficientFunds)
	}

	set := s.openTrades[m.AccountID]
	for _, id := range m.RemoveTradeIDs {
		if _, ok := set[id]; !ok {
			return nil, fmt.Errorf("trade %s not open: %w", id, model.ErrConflict)
		}
	}
	for _, t := range m.InsertTrades {
		if _, taken := s.tradeOwner[t.ID]; taken {
			return nil, fmt.Errorf("trade %s already exists: %w", t.ID, model.ErrConflict)
		}
	}

	var dep *model.Deposit
	if tr := m.DepositTransition; tr != nil {
		dep, ok = s.deposits[tr.ID]
		if !ok || dep.AccountID != m.AccountID {
			return nil, fmt.Errorf("deposit %s: %w", tr.ID, model.ErrNotFound)
		}
		if dep.Status != model.StatusPending {
			return nil, fmt.Errorf("deposit %s is %s: %w", tr.ID, dep.Status, model.ErrAlreadyProcessed)
		}
	}
	var wd *model.Withdrawal
	if tr := m.WithdrawalTransition; tr != nil {
		wd, ok = s.withdrawals[tr.ID]
		if !ok || wd.AccountID != m.AccountID {
			return nil, fmt.Errorf("withdrawal %s: %w", tr.ID, model.ErrNotFound)
		}
		if wd.Status != model.StatusPending {
			return nil, fmt.Errorf("withdrawal %s is %s: %w", tr.ID, wd.Status, model.ErrAlreadyProcessed)
		}
	}
	if w := m.InsertWithdrawal; w != nil {
		if _, exists := s.withdrawals[w.ID]; exists {
			return nil, fmt.Errorf("withdrawal %s already exists: %w", w.ID, model.ErrConflict)
		}
	}

	// --- All checks passed: apply. ---

	a.Balance = newBalance
	a.Version++
	if m.Status != nil {
		a.Status = *m.Status
	}

	for _, id := range m.RemoveTradeIDs {
		delete(set, id)
		delete(s.tradeOwner, id)
	}
	if len(m.InsertTrades) > 0 && set == nil {
		set = make(map[string]model.OpenTrade)
		s.openTrades[m.AccountID] = set
	}
	for _, t := range m.InsertTrades {
		set[t.ID] = t
		s.tradeOwner[t.ID] = m.AccountID
	}
	if len(set) == 0 {
		delete(s.openTrades, m.AccountID)
	}

	for _, h := range m.AppendHistory {
		s.history[m.AccountID] = append([]model.TradeHistoryEntry{h}, s.history[m.AccountID]...)
	}

	if dep != nil {
		at := m.DepositTransition.At
		dep.Status = m.DepositTransition.To
		dep.ProcessedAt = &at
	}
	if wd != nil {
		at := m.WithdrawalTransition.At
		wd.Status = m.WithdrawalTransition.To
		wd.ProcessedAt = &at
	}
	if w := m.InsertWithdrawal; w != nil {
		copy := *w
		s.withdrawals[w.ID] = &copy
	}

	out := *a
	return &out, nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications[n.AccountID] = append([]model.Notification{*n}, s.notifications[n.AccountID]...)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, accountID string) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Notification, len(s.notifications[accountID]))
	copy(out, s.notifications[accountID])
	return out, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, accountID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.notifications[accountID]
	for i := range list {
		if list[i].ID == id {
			list[i].Read = true
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", id, model.ErrNotFound)
}

func (s *MemoryStore) MarkAllNotificationsRead(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.notifications[accountID]
	for i := range list {
		list[i].Read = true
	}
	return nil
}

func (s *MemoryStore) ClearNotifications(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.notifications, accountID)
	return nil
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
