package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/exposure"
	"github.com/atmx/settlement-engine/internal/funds"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/pricefeed"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/stream"
	"github.com/atmx/settlement-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (default $SETTLE_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("settlement-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("settlement-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Redis (cache, shared prices, settlement lease) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
		slog.Info("Redis enabled")
	}

	// --- Initialize store ---
	var st store.Store
	var ping func(context.Context) error

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()

		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		st, ping = pg, pg.Ping
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis account cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	settings := config.NewSettingsStore(cfg.Trade)
	g, gctx := errgroup.WithContext(ctx)

	// --- Prices ---
	var cache interface {
		pricefeed.Feed
		pricefeed.Sink
	}
	if rdb != nil {
		cache = pricefeed.NewRedisCache(rdb, cfg.Feed.MaxAge.Duration)
	} else {
		cache = pricefeed.NewMemoryCache()
	}

	var tracker api.PairTracker
	switch cfg.Feed.Mode {
	case "http":
		hf := pricefeed.NewHTTPFeed(pricefeed.HTTPFeedConfig{
			BaseURL:        cfg.Feed.BaseURL,
			RequestsPerMin: cfg.Feed.RequestsPerMin,
			Timeout:        cfg.Feed.RequestTimeout.Duration,
		}, settings.Load().Pairs, logger)
		tracker = hf
		g.Go(func() error { return hf.Run(gctx, cfg.Feed.PollInterval.Duration, cache) })
	default:
		sim := pricefeed.NewSimulator(settings.Load().Pairs, cache, cfg.Feed.SimInterval.Duration, cfg.Feed.SimStep, logger)
		tracker = sim
		g.Go(func() error { return sim.Run(gctx) })
	}
	prices := pricefeed.NewGuard(cache, cfg.Feed.MaxAge.Duration)
	slog.Info("price feed started", "mode", cfg.Feed.Mode)

	// --- WebSocket hub ---
	hub := stream.NewHub(logger)
	g.Go(func() error { return hub.Run(gctx) })

	// --- Notifications ---
	senders := []notify.Sender{notify.NewInboxSender(st), notify.NewHubSender(hub)}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout.Duration))
	}
	notifier := notify.NewNotifier(senders, logger)

	// --- Ledger flows ---
	gateway := ledger.NewGateway(st, notifier, hub, logger, ledger.Config{
		MaxRetries:    cfg.Gateway.MaxRetries,
		CallTimeout:   cfg.Gateway.CallTimeout.Duration,
		RetryBackoff:  cfg.Gateway.RetryBackoff.Duration,
		NotifyTimeout: cfg.Gateway.NotifyTimeout.Duration,
		NoticeQueue:   cfg.Gateway.NoticeQueue,
	})
	g.Go(func() error { return gateway.Run(gctx) })
	limiter := exposure.NewLimiter(cfg.Exposure.MaxPerPair, cfg.Exposure.MaxCorrelated)
	trades := trade.NewManager(gateway, st, prices, limiter, logger)
	fundsSvc := funds.NewService(gateway, st, logger)

	// --- Settlement scheduler ---
	var elector settlement.Elector = settlement.LocalElector{}
	if rdb != nil {
		elector = settlement.NewRedisElector(rdb, cfg.Redis.LeaderKey, cfg.Redis.LeaderTTL.Duration)
	}
	scheduler := settlement.NewScheduler(st, gateway, prices, settings.Load, elector, settlement.Config{
		TickInterval: cfg.Scheduler.TickInterval.Duration,
		TickTimeout:  cfg.Scheduler.TickTimeout.Duration,
		PriceTimeout: cfg.Scheduler.PriceTimeout.Duration,
		Concurrency:  cfg.Scheduler.Concurrency,
	}, logger)
	g.Go(func() error { return scheduler.Run(gctx) })

	// --- HTTP router ---
	var rateLimiter *api.IPRateLimiter
	if cfg.Server.RateLimit > 0 {
		rateLimiter = api.NewIPRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, logger)
		g.Go(func() error { return rateLimiter.Run(gctx, 5*time.Minute) })
	}
	svc := api.NewService(st, gateway, trades, fundsSvc, settings, tracker, logger)
	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		WS:          hub.HandleWS,
		Limiter:     rateLimiter,
		CORSOrigins: cfg.Server.CORSOrigins,
		Ping:        ping,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("settlement-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down settlement-engine...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	return g.Wait()
}
