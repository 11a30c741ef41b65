// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MutationsTotal counts gateway commits by reason and result
	// (ok, insufficient, conflict, rejected, error).
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_ledger_mutations_total",
		Help: "Balance mutations attempted through the gateway",
	}, []string{"reason", "result"})

	// ConflictRetries counts optimistic-lock retries after a version conflict.
	ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_ledger_conflict_retries_total",
		Help: "Mutations retried after a concurrent version change",
	})

	// LockWait tracks time spent waiting for the per-account lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settle_ledger_lock_wait_seconds",
		Help:    "Time waiting for the per-account mutation lock",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// TradesPlaced counts accepted trades by pair and direction.
	TradesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_placed_total",
		Help: "Trades accepted and debited",
	}, []string{"pair", "direction"})

	// TradeRejections counts PlaceTrade rejections by cause.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trade_rejections_total",
		Help: "Trades rejected before any balance change",
	}, []string{"cause"})

	// TradesSettled counts resolved trades by outcome.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_settled_total",
		Help: "Trades resolved by the settlement scheduler",
	}, []string{"outcome"})

	// TradesDeferred counts expired trades left open because no exit price was available.
	TradesDeferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_deferred_total",
		Help: "Expired trades deferred for a missing exit price",
	}, []string{"pair"})

	// TickDuration tracks how long a settlement tick takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settle_scheduler_tick_seconds",
		Help:    "Settlement tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TickErrors counts accounts whose settlement commit failed.
	TickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_scheduler_account_errors_total",
		Help: "Per-account settlement failures retried on a later tick",
	})

	// FeedErrors counts price lookups that failed, by source.
	FeedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_price_feed_errors_total",
		Help: "Price feed lookups that returned no usable price",
	}, []string{"source"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// NotificationFailures counts sender errors by sender name.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_notification_failures_total",
		Help: "Notification deliveries that failed (never rolled back)",
	}, []string{"sender"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveSince records the elapsed time since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over connections behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
