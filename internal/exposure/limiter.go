// Package exposure implements open-stake limits that account for correlation
// between pairs sharing a base asset.
//
// A user holding HIGH on BTC/USD and BTC/EUR at the same time carries one
// directional bet on BTC. Pairs are grouped by base asset and the aggregate
// open stake across the group is capped alongside the per-pair cap.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pair"
)

var (
	// ErrPerPairLimitExceeded is returned when a trade would push the open
	// stake on a single pair beyond the per-pair maximum.
	ErrPerPairLimitExceeded = errors.New("exposure: per-pair open stake limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate open stake across pairs with the same base asset beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("exposure: correlated open stake limit exceeded")
)

// Limiter enforces open-stake limits. A zero limit disables that check.
type Limiter struct {
	// MaxPerPair is the maximum total open stake on any single pair.
	MaxPerPair decimal.Decimal

	// MaxCorrelated is the maximum total open stake across all pairs that
	// share the target pair's base asset.
	MaxCorrelated decimal.Decimal
}

// NewLimiter creates a limiter with the given per-pair and correlated limits.
// Negative limits are treated as zero (unlimited).
func NewLimiter(maxPerPair, maxCorrelated decimal.Decimal) *Limiter {
	if maxPerPair.IsNegative() {
		maxPerPair = decimal.Zero
	}
	if maxCorrelated.IsNegative() {
		maxCorrelated = decimal.Zero
	}
	return &Limiter{
		MaxPerPair:    maxPerPair,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether adding stake on targetPair respects the limits,
// given the account's current open stake per pair.
func (l *Limiter) CheckLimit(
	targetPair string,
	stake decimal.Decimal,
	openByPair map[string]decimal.Decimal,
) error {
	if l == nil {
		return nil
	}
	target := pair.Normalize(targetPair)

	// 1. Per-pair limit.
	newOnPair := openByPair[target].Add(stake)
	if l.MaxPerPair.IsPositive() && newOnPair.GreaterThan(l.MaxPerPair) {
		return ErrPerPairLimitExceeded
	}

	// 2. Correlated stake: sum across pairs sharing the base asset.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	base := pair.Base(target)
	total := newOnPair
	for symbol, open := range openByPair {
		if symbol == target {
			continue // already counted via newOnPair above
		}
		if pair.Base(symbol) == base {
			total = total.Add(open)
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

// OpenStakeByPair sums the staked amount of open trades per pair.
func OpenStakeByPair(trades []model.OpenTrade) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(trades))
	for _, t := range trades {
		key := pair.Normalize(t.Pair)
		out[key] = out[key].Add(t.Amount)
	}
	return out
}
