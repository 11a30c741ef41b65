package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Snapshot is never cached: the ledger gateway needs the committed version.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheJSON(ctx, accountKey(a.ID), a)
	return nil
}

func (s *CachedStore) ApplyMutation(ctx context.Context, m *Mutation) (*model.Account, error) {
	a, err := s.primary.ApplyMutation(ctx, m)
	if err != nil {
		return nil, err
	}
	keys := []string{accountKey(m.AccountID)}
	if len(m.AppendHistory) > 0 {
		keys = append(keys, historyKey(m.AccountID))
	}
	// Invalidate; next read re-populates from the primary.
	s.rdb.Del(ctx, keys...)
	return a, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.cached(ctx, accountKey(id), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	acct, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, accountKey(id), acct)
	return acct, nil
}

// ListTradeHistory caches the full history and slices it for limit.
func (s *CachedStore) ListTradeHistory(ctx context.Context, accountID string, limit int) ([]model.TradeHistoryEntry, error) {
	var entries []model.TradeHistoryEntry
	if !s.cached(ctx, historyKey(accountID), &entries) {
		var err error
		entries, err = s.primary.ListTradeHistory(ctx, accountID, 0)
		if err != nil {
			return nil, err
		}
		s.cacheJSON(ctx, historyKey(accountID), entries)
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) Snapshot(ctx context.Context, accountID string) (*Snapshot, error) {
	return s.primary.Snapshot(ctx, accountID)
}

func (s *CachedStore) AccountsWithOpenTrades(ctx context.Context) ([]string, error) {
	return s.primary.AccountsWithOpenTrades(ctx)
}

func (s *CachedStore) ListOpenTrades(ctx context.Context, accountID string) ([]model.OpenTrade, error) {
	return s.primary.ListOpenTrades(ctx, accountID)
}

func (s *CachedStore) CreateDeposit(ctx context.Context, d *model.Deposit) error {
	return s.primary.CreateDeposit(ctx, d)
}

func (s *CachedStore) GetDeposit(ctx context.Context, id string) (*model.Deposit, error) {
	return s.primary.GetDeposit(ctx, id)
}

func (s *CachedStore) ListDeposits(ctx context.Context, accountID string) ([]model.Deposit, error) {
	return s.primary.ListDeposits(ctx, accountID)
}

func (s *CachedStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.primary.GetWithdrawal(ctx, id)
}

func (s *CachedStore) ListWithdrawals(ctx context.Context, accountID string) ([]model.Withdrawal, error) {
	return s.primary.ListWithdrawals(ctx, accountID)
}

func (s *CachedStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	return s.primary.InsertNotification(ctx, n)
}

func (s *CachedStore) ListNotifications(ctx context.Context, accountID string) ([]model.Notification, error) {
	return s.primary.ListNotifications(ctx, accountID)
}

func (s *CachedStore) MarkNotificationRead(ctx context.Context, accountID, id string) error {
	return s.primary.MarkNotificationRead(ctx, accountID, id)
}

func (s *CachedStore) MarkAllNotificationsRead(ctx context.Context, accountID string) error {
	return s.primary.MarkAllNotificationsRead(ctx, accountID)
}

func (s *CachedStore) ClearNotifications(ctx context.Context, accountID string) error {
	return s.primary.ClearNotifications(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
func historyKey(id string) string { return fmt.Sprintf("history:%s", id) }

var _ Store = (*CachedStore)(nil)
