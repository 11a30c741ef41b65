package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned by Acquire when another instance holds the lease.
var ErrNotLeader = errors.New("settlement: lease held by another instance")

// Elector grants the right to run one settlement tick. Release must be called
// when the tick ends and is safe to call more than once.
type Elector interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalElector always grants the lease. Use it for single-instance deployments.
type LocalElector struct{}

func (LocalElector) Acquire(context.Context) (func(), error) { return func() {}, nil }

// releaseLua deletes the lease only if it still carries the caller's token,
// so an instance whose lease expired cannot drop the next holder's lease.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisElector grants a per-tick lease using SET NX with a TTL.
type RedisElector struct {
	rdb     redis.UniversalClient
	key     string
	ttl     time.Duration
	release *redis.Script
}

// NewRedisElector creates an elector on key. ttl should exceed the tick
// timeout so a lease cannot lapse mid-tick.
func NewRedisElector(rdb redis.UniversalClient, key string, ttl time.Duration) *RedisElector {
	if key == "" {
		key = "settlement"
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisElector{
		rdb:     rdb,
		key:     "lock:" + key,
		ttl:     ttl,
		release: redis.NewScript(releaseLua),
	}
}

func (e *RedisElector) Acquire(ctx context.Context) (func(), error) {
	token := uuid.New().String()
	ok, err := e.rdb.SetNX(ctx, e.key, token, e.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", e.key, err)
	}
	if !ok {
		return nil, ErrNotLeader
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The tick context may already be done; releasing should still happen.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.release.Run(rctx, e.rdb, []string{e.key}, token).Err()
	}, nil
}

var (
	_ Elector = LocalElector{}
	_ Elector = (*RedisElector)(nil)
)
