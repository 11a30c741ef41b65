// Package config loads settlement-engine configuration: built-in defaults,
// then an optional TOML file, then SETTLE_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig        `toml:"server"`
	Database  DatabaseConfig      `toml:"database"`
	Redis     RedisConfig         `toml:"redis"`
	Scheduler SchedulerConfig     `toml:"scheduler"`
	Gateway   GatewayConfig       `toml:"gateway"`
	Feed      FeedConfig          `toml:"feed"`
	Exposure  ExposureConfig      `toml:"exposure"`
	Notify    NotifyConfig        `toml:"notify"`
	Trade     model.TradeSettings `toml:"trade"`
	LogLevel  string              `toml:"log_level"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// RateLimit is requests per second allowed per client IP; 0 disables it.
	RateLimit   float64  `toml:"rate_limit"`
	RateBurst   int      `toml:"rate_burst"`
	CORSOrigins []string `toml:"cors_origins"`
}

type DatabaseConfig struct {
	// URL selects PostgreSQL; empty runs on the in-memory store.
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

type RedisConfig struct {
	// URL enables the account cache, shared prices and the settlement lease.
	URL       string   `toml:"url"`
	CacheTTL  Duration `toml:"cache_ttl"`
	LeaderKey string   `toml:"leader_key"`
	LeaderTTL Duration `toml:"leader_ttl"`
}

type SchedulerConfig struct {
	TickInterval Duration `toml:"tick_interval"`
	TickTimeout  Duration `toml:"tick_timeout"`
	PriceTimeout Duration `toml:"price_timeout"`
	Concurrency  int      `toml:"concurrency"`
}

type GatewayConfig struct {
	MaxRetries    int      `toml:"max_retries"`
	CallTimeout   Duration `toml:"call_timeout"`
	RetryBackoff  Duration `toml:"retry_backoff"`
	NotifyTimeout Duration `toml:"notify_timeout"`
	NoticeQueue   int      `toml:"notice_queue"`
}

// FeedConfig selects where prices come from.
type FeedConfig struct {
	Mode           string   `toml:"mode"` // simulated | http
	BaseURL        string   `toml:"base_url"`
	RequestsPerMin int      `toml:"requests_per_min"`
	PollInterval   Duration `toml:"poll_interval"`
	RequestTimeout Duration `toml:"request_timeout"`
	MaxAge         Duration `toml:"max_age"`
	SimInterval    Duration `toml:"sim_interval"`
	SimStep        float64  `toml:"sim_step"`
}

// ExposureConfig caps open stake per account. Zero disables a cap.
type ExposureConfig struct {
	MaxPerPair    decimal.Decimal `toml:"max_per_pair"`
	MaxCorrelated decimal.Decimal `toml:"max_correlated"`
}

type NotifyConfig struct {
	WebhookURL     string   `toml:"webhook_url"`
	WebhookTimeout Duration `toml:"webhook_timeout"`
}

// Duration decodes TOML strings such as "1s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) Duration { return Duration{d} }

// Defaults returns a configuration that runs a single in-memory instance.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     dur(10 * time.Second),
			WriteTimeout:    dur(10 * time.Second),
			ShutdownTimeout: dur(5 * time.Second),
			RateLimit:       20,
			RateBurst:       50,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{RunMigrations: true},
		Redis: RedisConfig{
			CacheTTL:  dur(30 * time.Second),
			LeaderKey: "settlement-scheduler",
			LeaderTTL: dur(10 * time.Second),
		},
		Scheduler: SchedulerConfig{
			TickInterval: dur(time.Second),
			TickTimeout:  dur(5 * time.Second),
			PriceTimeout: dur(2 * time.Second),
			Concurrency:  8,
		},
		Gateway: GatewayConfig{
			MaxRetries:    3,
			CallTimeout:   dur(5 * time.Second),
			RetryBackoff:  dur(10 * time.Millisecond),
			NotifyTimeout: dur(3 * time.Second),
			NoticeQueue:   1024,
		},
		Feed: FeedConfig{
			Mode:           "simulated",
			BaseURL:        "https://api.coingecko.com/api/v3",
			RequestsPerMin: 30,
			PollInterval:   dur(15 * time.Second),
			RequestTimeout: dur(5 * time.Second),
			MaxAge:         dur(time.Minute),
			SimInterval:    dur(time.Second),
			SimStep:        0.001,
		},
		Notify: NotifyConfig{
			WebhookTimeout: dur(5 * time.Second),
		},
		Trade:    model.DefaultTradeSettings(),
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, "server: rate_burst must be >= 1 when rate_limit is set")
	}

	if c.Scheduler.TickInterval.Duration <= 0 {
		errs = append(errs, "scheduler: tick_interval must be > 0")
	}
	if c.Scheduler.TickTimeout.Duration <= 0 {
		errs = append(errs, "scheduler: tick_timeout must be > 0")
	}
	if c.Scheduler.Concurrency < 1 {
		errs = append(errs, "scheduler: concurrency must be >= 1")
	}
	if c.Redis.URL != "" && c.Redis.LeaderTTL.Duration <= c.Scheduler.TickTimeout.Duration {
		errs = append(errs, "redis: leader_ttl must exceed scheduler.tick_timeout")
	}
	// Settlement latency is bounded by the tick; it must stay well below the
	// shortest trade.
	for _, d := range c.Trade.DurationOptions {
		if time.Duration(d)*time.Second <= c.Scheduler.TickInterval.Duration {
			errs = append(errs, fmt.Sprintf("scheduler: tick_interval %s is not shorter than trade duration %ds",
				c.Scheduler.TickInterval.Duration, d))
			break
		}
	}

	if c.Gateway.MaxRetries < 0 {
		errs = append(errs, "gateway: max_retries must be >= 0")
	}

	switch c.Feed.Mode {
	case "simulated":
	case "http":
		if c.Feed.BaseURL == "" {
			errs = append(errs, "feed: base_url is required in http mode")
		}
		if c.Feed.RequestsPerMin < 1 {
			errs = append(errs, "feed: requests_per_min must be >= 1")
		}
	default:
		errs = append(errs, fmt.Sprintf("feed: unknown mode %q (valid: simulated, http)", c.Feed.Mode))
	}

	if c.Exposure.MaxPerPair.IsNegative() || c.Exposure.MaxCorrelated.IsNegative() {
		errs = append(errs, "exposure: limits must be >= 0")
	}

	if err := c.Trade.Validate(); err != nil {
		errs = append(errs, "trade: "+err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
