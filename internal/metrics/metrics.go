// Package metrics provides Prometheus instrumentation for the stake engine.
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
	// ChainReadDuration tracks storage reads against the chain node, by item.
	ChainReadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stake_engine_chain_read_duration_seconds",
		Help:    "Chain storage read latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"item"})

	// ChainReadErrors counts failed chain reads, by item.
	ChainReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_chain_read_errors_total",
		Help: "Failed chain storage reads",
	}, []string{"item"})

	// FeedRequests counts upstream REST calls by endpoint and status code.
	FeedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_feed_requests_total",
		Help: "Upstream REST API requests",
	}, []string{"endpoint", "status"})

	// PnLCacheHits counts PnL ledger cache hits.
	PnLCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stake_engine_pnl_cache_hits_total",
		Help: "PnL computations served from the ledger cache",
	})

	// PnLCacheMisses counts PnL ledger cache misses.
	PnLCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stake_engine_pnl_cache_misses_total",
		Help: "PnL computations that rebuilt the ledger",
	})

	// RefreshTotal counts portfolio refreshes by outcome (ok, stale, error).
	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_refresh_total",
		Help: "Portfolio refreshes by outcome",
	}, []string{"outcome"})

	// RefreshDuration tracks end-to-end refresh latency.
	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stake_engine_refresh_duration_seconds",
		Help:    "Portfolio refresh latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PositionFailures counts positions skipped because a read failed.
	PositionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_position_failures_total",
		Help: "Aggregation failures by stage",
	}, []string{"stage"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stake_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stake_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveChainRead records the latency of one chain read and counts it as
// an error when err is non-nil.
func ObserveChainRead(item string, start time.Time, err error) {
	ChainReadDuration.WithLabelValues(item).Observe(time.Since(start).Seconds())
	if err != nil {
		ChainReadErrors.WithLabelValues(item).Inc()
	}
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps address-bearing paths from exploding cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
