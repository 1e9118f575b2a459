// Package metrics provides Prometheus instrumentation for the contest engine.
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
	// LedgerEntries counts wallet ledger entries written, by kind.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_ledger_entries_total",
		Help: "Wallet ledger entries written",
	}, []string{"kind"})

	// ContestJoins counts successful contest joins.
	ContestJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_joins_total",
		Help: "Successful contest joins",
	})

	// AllocationLocks counts successful allocation locks.
	AllocationLocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_allocation_locks_total",
		Help: "Allocations locked",
	})

	// StatusTransitions counts lifecycle transitions applied, by target status.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_status_transitions_total",
		Help: "Contest lifecycle transitions applied",
	}, []string{"to"})

	// ActiveContests tracks contests in allocation_locked or live.
	ActiveContests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contest_active_contests",
		Help: "Contests currently being ranked",
	})

	// Settlements counts settlement attempts by outcome.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"})

	// PayoutVolume tracks cumulative virtual currency paid out.
	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_payout_volume_total",
		Help: "Cumulative virtual currency paid to winners",
	})

	// LeaderboardRecompute tracks recompute latency by outcome.
	LeaderboardRecompute = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contest_leaderboard_recompute_seconds",
		Help:    "Leaderboard recompute latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// Ticks counts market-data ticks by result: stored, unmapped, late,
	// invalid, malformed or error.
	Ticks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_ticks_total",
		Help: "Market-data ticks processed",
	}, []string{"result"})

	// FeedRestarts counts tick feed reconnects.
	FeedRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_feed_restarts_total",
		Help: "Tick feed restarts after the stream ended",
	})

	// WebSocketClients tracks connected WebSocket clients by channel.
	WebSocketClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "contest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	}, []string{"channel"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern to keep contest ids out of the
// label set.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
