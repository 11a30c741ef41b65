package pricefeed

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/pair"
)

// DefaultFetchTimeout bounds one shared upstream lookup.
const DefaultFetchTimeout = 5 * time.Second

// Guard wraps a Feed, collapsing concurrent lookups for the same pair into
// one upstream call and rejecting quotes older than MaxAge.
type Guard struct {
	feed         Feed
	maxAge       time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	group        singleflight.Group
}

// NewGuard wraps feed. maxAge <= 0 disables the staleness check.
func NewGuard(feed Feed, maxAge time.Duration) *Guard {
	return &Guard{feed: feed, maxAge: maxAge, fetchTimeout: DefaultFetchTimeout, now: time.Now}
}

// LatestPrice joins any in-flight lookup for the pair. The shared lookup is
// detached from every caller's cancellation and bounded by its own timeout;
// each caller stops waiting when its own ctx is done.
func (g *Guard) LatestPrice(ctx context.Context, symbol string) (Quote, error) {
	key := pair.Normalize(symbol)
	ch := g.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.fetchTimeout)
		defer cancel()
		return g.feed.LatestPrice(fctx, key)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Quote{}, ctx.Err()
	}
	if res.Err != nil {
		metrics.FeedErrors.WithLabelValues("upstream").Inc()
		return Quote{}, res.Err
	}

	q := res.Val.(Quote)
	if !q.Price.IsPositive() {
		metrics.FeedErrors.WithLabelValues("invalid").Inc()
		return Quote{}, unavailable(symbol, "non-positive price")
	}
	if g.maxAge > 0 && g.now().Sub(q.ObservedAt) > g.maxAge {
		metrics.FeedErrors.WithLabelValues("stale").Inc()
		return Quote{}, unavailable(symbol, "stale quote")
	}
	return q, nil
}

var _ Feed = (*Guard)(nil)
