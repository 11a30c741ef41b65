package pricefeed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/pair"
)

// RedisCache stores the latest quote per pair as a hash {price, ts} so every
// engine instance reads the same price.
type RedisCache struct {
	rdb    redis.UniversalClient
	maxAge time.Duration
}

// NewRedisCache creates a cache whose keys expire after maxAge. A quote older
// than maxAge is reported unavailable even if the key survived.
func NewRedisCache(rdb redis.UniversalClient, maxAge time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, maxAge: maxAge}
}

func priceKey(symbol string) string { return "price:" + pair.Normalize(symbol) }

func (c *RedisCache) Put(ctx context.Context, q Quote) error {
	key := priceKey(q.Pair)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"price", q.Price.String(),
		"ts", strconv.FormatInt(q.ObservedAt.UnixMilli(), 10),
	)
	if c.maxAge > 0 {
		pipe.Expire(ctx, key, 2*c.maxAge)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put quote %s: %w", q.Pair, err)
	}
	return nil
}

func (c *RedisCache) LatestPrice(ctx context.Context, symbol string) (Quote, error) {
	fields, err := c.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return Quote{}, unavailable(symbol, "redis: "+err.Error())
	}
	if len(fields) == 0 {
		return Quote{}, unavailable(symbol, "no quote")
	}

	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return Quote{}, unavailable(symbol, "bad price field")
	}
	ms, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return Quote{}, unavailable(symbol, "bad ts field")
	}
	q := Quote{Pair: pair.Normalize(symbol), Price: price, ObservedAt: time.UnixMilli(ms).UTC()}
	if c.maxAge > 0 && time.Since(q.ObservedAt) > c.maxAge {
		return Quote{}, unavailable(symbol, "stale quote")
	}
	return q, nil
}

var (
	_ Feed = (*RedisCache)(nil)
	_ Sink = (*RedisCache)(nil)
)
