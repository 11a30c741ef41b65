// Package pair handles trading pair symbol parsing, validation, and lookup
// against the configured pair list.
package pair

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/settlement-engine/internal/model"
)

// symbolRegex matches: {BASE}/{QUOTE}
// Example: BTC/USD, USDT/USD
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})/([A-Z]{3,5})$`)

var (
	ErrInvalidSymbol = errors.New("pair: invalid symbol format")
	ErrUnknownPair   = errors.New("pair: unknown pair")
)

// Symbol is a parsed trading pair.
type Symbol struct {
	Raw   string `json:"symbol"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Parse parses and validates a pair symbol. Input is trimmed and upper-cased.
// Format: {BASE}/{QUOTE}
func Parse(symbol string) (*Symbol, error) {
	norm := Normalize(symbol)
	matches := symbolRegex.FindStringSubmatch(norm)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidSymbol, symbol)
	}
	return &Symbol{
		Raw:   norm,
		Base:  matches[1],
		Quote: matches[2],
	}, nil
}

// Normalize trims whitespace and upper-cases a symbol.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Base returns the base asset of a symbol, or the normalized symbol itself
// when it does not parse.
func Base(symbol string) string {
	s, err := Parse(symbol)
	if err != nil {
		return Normalize(symbol)
	}
	return s.Base
}

// Lookup finds a pair by symbol in the configured list.
func Lookup(pairs []model.Pair, symbol string) (model.Pair, error) {
	norm := Normalize(symbol)
	for _, p := range pairs {
		if Normalize(p.Symbol) == norm {
			return p, nil
		}
	}
	return model.Pair{}, fmt.Errorf("%w: %s", ErrUnknownPair, norm)
}

// Enabled reports whether symbol is a known, enabled pair.
func Enabled(pairs []model.Pair, symbol string) bool {
	p, err := Lookup(pairs, symbol)
	return err == nil && p.Enabled
}
