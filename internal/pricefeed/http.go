package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pair"
)

// HTTPFeed polls a CoinGecko-compatible /simple/price endpoint. Requests are
// rate limited so a burst of lookups cannot exhaust the upstream quota.
type HTTPFeed struct {
	baseURL string
	mu      sync.RWMutex
	coins   map[string]string // normalized pair → coin id
	quote   string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// HTTPFeedConfig configures an HTTPFeed.
type HTTPFeedConfig struct {
	BaseURL        string
	RequestsPerMin int
	Timeout        time.Duration
}

// NewHTTPFeed builds a feed for the pairs that carry a coin id.
func NewHTTPFeed(cfg HTTPFeedConfig, pairs []model.Pair, logger *slog.Logger) *HTTPFeed {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	coins := make(map[string]string)
	for _, p := range pairs {
		if p.CoinID != "" {
			coins[pair.Normalize(p.Symbol)] = p.CoinID
		}
	}
	return &HTTPFeed{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		coins:   coins,
		quote:   "usd",
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMin)), 1),
		logger:  logger.With("component", "http_feed"),
	}
}

// Track adds p to the polled set if it carries a coin id.
func (f *HTTPFeed) Track(p model.Pair) {
	if p.CoinID == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coins[pair.Normalize(p.Symbol)] = p.CoinID
}

func (f *HTTPFeed) coinSet() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.coins))
	for k, v := range f.coins {
		out[k] = v
	}
	return out
}

// LatestPrice fetches one pair directly from upstream.
func (f *HTTPFeed) LatestPrice(ctx context.Context, symbol string) (Quote, error) {
	key := pair.Normalize(symbol)
	f.mu.RLock()
	coin, ok := f.coins[key]
	f.mu.RUnlock()
	if !ok {
		return Quote{}, unavailable(symbol, "no coin id")
	}
	prices, err := f.fetch(ctx, []string{coin})
	if err != nil {
		return Quote{}, unavailable(symbol, err.Error())
	}
	p, ok := prices[coin]
	if !ok {
		return Quote{}, unavailable(symbol, "missing from response")
	}
	return Quote{Pair: key, Price: p, ObservedAt: time.Now().UTC()}, nil
}

// FetchAll requests every configured coin in one call.
func (f *HTTPFeed) FetchAll(ctx context.Context) ([]Quote, error) {
	coins := f.coinSet()
	ids := make([]string, 0, len(coins))
	for _, coin := range coins {
		ids = append(ids, coin)
	}
	sort.Strings(ids)
	prices, err := f.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	quotes := make([]Quote, 0, len(prices))
	for key, coin := range coins {
		if p, ok := prices[coin]; ok {
			quotes = append(quotes, Quote{Pair: key, Price: p, ObservedAt: now})
		}
	}
	return quotes, nil
}

// Run polls every interval and writes quotes to sink until ctx is done.
func (f *HTTPFeed) Run(ctx context.Context, interval time.Duration, sink Sink) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		quotes, err := f.FetchAll(ctx)
		if err != nil {
			f.logger.Warn("price poll failed", "err", err)
		}
		for _, q := range quotes {
			if err := sink.Put(ctx, q); err != nil {
				f.logger.Warn("store quote failed", "pair", q.Pair, "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (f *HTTPFeed) fetch(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("no coins configured")
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", f.quote)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	// {"bitcoin":{"usd":66535.5}}; decode numbers as text to keep precision.
	var raw map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(raw))
	for coin, byCurrency := range raw {
		n, ok := byCurrency[f.quote]
		if !ok {
			continue
		}
		p, err := decimal.NewFromString(n.String())
		if err != nil {
			continue
		}
		out[coin] = p
	}
	return out, nil
}

var _ Feed = (*HTTPFeed)(nil)
