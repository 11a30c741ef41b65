package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// TradeSettings is the runtime-mutable configuration every trade and account
// operation reads. Operations take it by value so one call sees one version.
type TradeSettings struct {
	TradingEnabled   bool            `json:"trading_enabled" toml:"trading_enabled"`
	ProfitPercentage decimal.Decimal `json:"profit_percentage" toml:"profit_percentage"`
	MinTradeAmount   decimal.Decimal `json:"min_trade_amount" toml:"min_trade_amount"`
	MaxTradeAmount   decimal.Decimal `json:"max_trade_amount" toml:"max_trade_amount"`
	DurationOptions  []int           `json:"duration_options" toml:"duration_options"` // seconds

	NewAccountBalance decimal.Decimal `json:"new_account_balance" toml:"new_account_balance"`
	Currency          string          `json:"currency" toml:"currency"`

	Pairs []Pair `json:"pairs" toml:"pairs"`
}

// DefaultTradeSettings returns the settings a fresh deployment starts with.
func DefaultTradeSettings() TradeSettings {
	return TradeSettings{
		TradingEnabled:    true,
		ProfitPercentage:  decimal.NewFromInt(85),
		MinTradeAmount:    decimal.NewFromInt(10),
		MaxTradeAmount:    decimal.NewFromInt(5000),
		DurationOptions:   []int{60, 120, 300},
		NewAccountBalance: decimal.NewFromInt(500),
		Currency:          "USD",
		Pairs: []Pair{
			{Symbol: "BTC/USD", Name: "Bitcoin", BasePrice: decimal.RequireFromString("66535.50"), CoinID: "bitcoin", Enabled: true},
			{Symbol: "ETH/USD", Name: "Ethereum", BasePrice: decimal.NewFromInt(3800), CoinID: "ethereum", Enabled: true},
			{Symbol: "LTC/USD", Name: "Litecoin", BasePrice: decimal.NewFromInt(150), CoinID: "litecoin", Enabled: true},
			{Symbol: "USDT/USD", Name: "Tether", BasePrice: decimal.NewFromInt(1), CoinID: "tether", Enabled: true},
			{Symbol: "BNB/USD", Name: "BNB", BasePrice: decimal.NewFromInt(600), CoinID: "binancecoin", Enabled: true},
			{Symbol: "USDC/USD", Name: "USD Coin", BasePrice: decimal.NewFromInt(1), CoinID: "usd-coin", Enabled: true},
			{Symbol: "XRP/USD", Name: "XRP", BasePrice: decimal.RequireFromString("0.52"), CoinID: "ripple", Enabled: false},
			{Symbol: "ADA/USD", Name: "Cardano", BasePrice: decimal.RequireFromString("0.45"), CoinID: "cardano", Enabled: true},
			{Symbol: "SOL/USD", Name: "Solana", BasePrice: decimal.NewFromInt(145), CoinID: "solana", Enabled: true},
		},
	}
}

// Validate checks internal consistency.
func (s TradeSettings) Validate() error {
	if s.ProfitPercentage.IsNegative() {
		return Invalid("profit percentage must not be negative")
	}
	if !s.MinTradeAmount.IsPositive() {
		return Invalid("minimum trade amount must be positive")
	}
	if s.MaxTradeAmount.LessThan(s.MinTradeAmount) {
		return Invalid("maximum trade amount %s is below minimum %s",
			s.MaxTradeAmount.String(), s.MinTradeAmount.String())
	}
	if len(s.DurationOptions) == 0 {
		return Invalid("at least one trade duration is required")
	}
	for _, d := range s.DurationOptions {
		if d <= 0 {
			return Invalid("trade duration %d must be positive", d)
		}
	}
	if s.NewAccountBalance.IsNegative() {
		return Invalid("new account balance must not be negative")
	}
	seen := make(map[string]bool, len(s.Pairs))
	for _, p := range s.Pairs {
		sym := strings.ToUpper(strings.TrimSpace(p.Symbol))
		if sym == "" {
			return Invalid("pair symbol is required")
		}
		if seen[sym] {
			return Invalid("duplicate pair %s", sym)
		}
		seen[sym] = true
	}
	return nil
}

// AllowsDuration reports whether seconds is one of the configured options.
func (s TradeSettings) AllowsDuration(seconds int) bool {
	return slices.Contains(s.DurationOptions, seconds)
}

// Clone returns a deep copy so callers may mutate slices freely.
func (s TradeSettings) Clone() TradeSettings {
	c := s
	c.DurationOptions = slices.Clone(s.DurationOptions)
	c.Pairs = slices.Clone(s.Pairs)
	return c
}

func (s TradeSettings) String() string {
	return fmt.Sprintf("trading=%t profit=%s%% range=[%s,%s] durations=%v pairs=%d",
		s.TradingEnabled, s.ProfitPercentage, s.MinTradeAmount, s.MaxTradeAmount,
		s.DurationOptions, len(s.Pairs))
}
