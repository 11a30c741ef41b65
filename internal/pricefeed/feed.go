// Package pricefeed supplies current prices per pair. Sources (a random-walk
// simulator or an HTTP ticker) publish quotes into a cache; consumers read
// through a Guard that rejects stale or non-positive prices.
package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pair"
)

// Quote is a price observation for one pair.
type Quote struct {
	Pair       string          `json:"pair"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Feed returns the most recent price for a pair, or an error wrapping
// model.ErrPriceUnavailable.
type Feed interface {
	LatestPrice(ctx context.Context, pair string) (Quote, error)
}

// Sink accepts quotes published by a source.
type Sink interface {
	Put(ctx context.Context, q Quote) error
}

func unavailable(symbol, why string) error {
	return fmt.Errorf("%s: %s: %w", symbol, why, model.ErrPriceUnavailable)
}

// MemoryCache holds the latest quote per pair in process.
type MemoryCache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{quotes: make(map[string]Quote)}
}

func (c *MemoryCache) Put(_ context.Context, q Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[pair.Normalize(q.Pair)] = q
	return nil
}

func (c *MemoryCache) LatestPrice(_ context.Context, symbol string) (Quote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[pair.Normalize(symbol)]
	if !ok {
		return Quote{}, unavailable(symbol, "no quote")
	}
	return q, nil
}

// Snapshot returns a copy of every cached quote.
func (c *MemoryCache) Snapshot() map[string]Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Quote, len(c.quotes))
	for k, v := range c.quotes {
		out[k] = v
	}
	return out
}

var (
	_ Feed = (*MemoryCache)(nil)
	_ Sink = (*MemoryCache)(nil)
)
