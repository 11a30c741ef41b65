package pricefeed

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pair"
)

// Simulator generates synthetic ticks for local development: a bounded
// random walk per pair starting at its configured base price.
type Simulator struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	sink     Sink
	interval time.Duration
	// step is the maximum relative move per tick (0.001 = 0.1%).
	step   float64
	rng    *rand.Rand
	logger *slog.Logger
}

// NewSimulator seeds a walk for every pair with a positive base price.
// Ticks are written to sink when it is non-nil.
func NewSimulator(pairs []model.Pair, sink Sink, interval time.Duration, step float64, logger *slog.Logger) *Simulator {
	if interval <= 0 {
		interval = time.Second
	}
	if step <= 0 {
		step = 0.001
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Simulator{
		prices:   make(map[string]decimal.Decimal, len(pairs)),
		sink:     sink,
		interval: interval,
		step:     step,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5e77)),
		logger:   logger.With("component", "price_simulator"),
	}
	for _, p := range pairs {
		s.Track(p)
	}
	return s
}

// Track starts walking p if it is not walked yet.
func (s *Simulator) Track(p model.Pair) {
	if !p.BasePrice.IsPositive() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair.Normalize(p.Symbol)
	if _, ok := s.prices[key]; !ok {
		s.prices[key] = p.BasePrice
	}
}

// LatestPrice returns the current walked price, stamped now.
func (s *Simulator) LatestPrice(_ context.Context, symbol string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair.Normalize(symbol)
	p, ok := s.prices[key]
	if !ok {
		return Quote{}, unavailable(symbol, "not simulated")
	}
	return Quote{Pair: key, Price: p, ObservedAt: time.Now().UTC()}, nil
}

// Step advances every walk once and returns the new quotes.
func (s *Simulator) Step() []Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	quotes := make([]Quote, 0, len(s.prices))
	for key, p := range s.prices {
		move := decimal.NewFromFloat((s.rng.Float64()*2 - 1) * s.step)
		next := p.Add(p.Mul(move)).Round(8)
		if !next.IsPositive() {
			next = p
		}
		s.prices[key] = next
		quotes = append(quotes, Quote{Pair: key, Price: next, ObservedAt: now})
	}
	return quotes
}

// Run ticks until ctx is done, publishing each step to the sink.
func (s *Simulator) Run(ctx context.Context) error {
	s.publish(ctx, s.current())

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.publish(ctx, s.Step())
		}
	}
}

func (s *Simulator) current() []Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	quotes := make([]Quote, 0, len(s.prices))
	for key, p := range s.prices {
		quotes = append(quotes, Quote{Pair: key, Price: p, ObservedAt: now})
	}
	return quotes
}

func (s *Simulator) publish(ctx context.Context, quotes []Quote) {
	if s.sink == nil {
		return
	}
	for _, q := range quotes {
		if err := s.sink.Put(ctx, q); err != nil {
			s.logger.Warn("publish quote failed", "pair", q.Pair, "err", err)
		}
	}
}

var _ Feed = (*Simulator)(nil)
