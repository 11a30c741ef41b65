package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load builds the configuration: defaults, then the TOML file at path (or
// SETTLE_CONFIG when path is empty; no file is fine), then environment
// overrides. A .env file in the working directory is loaded first if present.
// The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path == "" {
		path = os.Getenv("SETTLE_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "SETTLE_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "SETTLE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "SETTLE_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "SETTLE_SERVER_SHUTDOWN_TIMEOUT")
	setFloat64(&cfg.Server.RateLimit, "SETTLE_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "SETTLE_SERVER_RATE_BURST")
	setStringSlice(&cfg.Server.CORSOrigins, "SETTLE_SERVER_CORS_ORIGINS")

	// ── Storage ──
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "SETTLE_DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "SETTLE_DATABASE_RUN_MIGRATIONS")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "SETTLE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "SETTLE_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.LeaderKey, "SETTLE_REDIS_LEADER_KEY")
	setDuration(&cfg.Redis.LeaderTTL, "SETTLE_REDIS_LEADER_TTL")

	// ── Scheduler / gateway ──
	setDuration(&cfg.Scheduler.TickInterval, "SETTLE_SCHEDULER_TICK_INTERVAL")
	setDuration(&cfg.Scheduler.TickTimeout, "SETTLE_SCHEDULER_TICK_TIMEOUT")
	setDuration(&cfg.Scheduler.PriceTimeout, "SETTLE_SCHEDULER_PRICE_TIMEOUT")
	setInt(&cfg.Scheduler.Concurrency, "SETTLE_SCHEDULER_CONCURRENCY")
	setInt(&cfg.Gateway.MaxRetries, "SETTLE_GATEWAY_MAX_RETRIES")
	setDuration(&cfg.Gateway.CallTimeout, "SETTLE_GATEWAY_CALL_TIMEOUT")
	setDuration(&cfg.Gateway.RetryBackoff, "SETTLE_GATEWAY_RETRY_BACKOFF")
	setDuration(&cfg.Gateway.NotifyTimeout, "SETTLE_GATEWAY_NOTIFY_TIMEOUT")
	setInt(&cfg.Gateway.NoticeQueue, "SETTLE_GATEWAY_NOTICE_QUEUE")

	// ── Feed ──
	setStr(&cfg.Feed.Mode, "SETTLE_FEED_MODE")
	setStr(&cfg.Feed.BaseURL, "SETTLE_FEED_BASE_URL")
	setInt(&cfg.Feed.RequestsPerMin, "SETTLE_FEED_REQUESTS_PER_MIN")
	setDuration(&cfg.Feed.PollInterval, "SETTLE_FEED_POLL_INTERVAL")
	setDuration(&cfg.Feed.RequestTimeout, "SETTLE_FEED_REQUEST_TIMEOUT")
	setDuration(&cfg.Feed.MaxAge, "SETTLE_FEED_MAX_AGE")
	setDuration(&cfg.Feed.SimInterval, "SETTLE_FEED_SIM_INTERVAL")
	setFloat64(&cfg.Feed.SimStep, "SETTLE_FEED_SIM_STEP")

	// ── Exposure / notify ──
	setDecimal(&cfg.Exposure.MaxPerPair, "SETTLE_EXPOSURE_MAX_PER_PAIR")
	setDecimal(&cfg.Exposure.MaxCorrelated, "SETTLE_EXPOSURE_MAX_CORRELATED")
	setStr(&cfg.Notify.WebhookURL, "SETTLE_NOTIFY_WEBHOOK_URL")
	setDuration(&cfg.Notify.WebhookTimeout, "SETTLE_NOTIFY_WEBHOOK_TIMEOUT")

	// ── Trade settings ──
	setBool(&cfg.Trade.TradingEnabled, "SETTLE_TRADE_TRADING_ENABLED")
	setDecimal(&cfg.Trade.ProfitPercentage, "SETTLE_TRADE_PROFIT_PERCENTAGE")
	setDecimal(&cfg.Trade.MinTradeAmount, "SETTLE_TRADE_MIN_AMOUNT")
	setDecimal(&cfg.Trade.MaxTradeAmount, "SETTLE_TRADE_MAX_AMOUNT")
	setIntSlice(&cfg.Trade.DurationOptions, "SETTLE_TRADE_DURATION_OPTIONS")
	setDecimal(&cfg.Trade.NewAccountBalance, "SETTLE_TRADE_NEW_ACCOUNT_BALANCE")
	setStr(&cfg.Trade.Currency, "SETTLE_TRADE_CURRENCY")

	setStr(&cfg.LogLevel, "SETTLE_LOG_LEVEL")
}

// Each helper only mutates the target when the variable is set, non-empty
// and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

func setIntSlice(dst *[]int, key string) {
	var raw []string
	setStringSlice(&raw, key)
	if len(raw) == 0 {
		return
	}
	out := make([]int, 0, len(raw))
	for _, s := range raw {
		n, err := strconv.Atoi(s)
		if err != nil {
			return
		}
		out = append(out, n)
	}
	*dst = out
}
