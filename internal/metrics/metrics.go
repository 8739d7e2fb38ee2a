// Package metrics provides Prometheus instrumentation for the trade engine.
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
	// TradesTotal counts trades executed, partitioned by commodity and direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sectorwars_trades_total",
		Help: "Total number of trades executed",
	}, []string{"commodity", "direction"})

	// TradeRejections counts trades refused by validation, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sectorwars_trade_rejections_total",
		Help: "Trades rejected before execution",
	}, []string{"reason"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sectorwars_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// TradeVolume tracks cumulative units traded per port and commodity.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sectorwars_trade_volume_units_total",
		Help: "Cumulative trade volume in units",
	}, []string{"port_id", "commodity", "direction"})

	// TradeConflicts counts optimistic write conflicts that were retried.
	TradeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sectorwars_trade_conflicts_total",
		Help: "Concurrent modification conflicts seen by the executor",
	})

	// NegotiationOutcomes counts offer outcomes by verdict and reason.
	NegotiationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sectorwars_negotiation_outcomes_total",
		Help: "Negotiation offer outcomes",
	}, []string{"personality", "verdict", "reason"})

	// ActiveNegotiations tracks live negotiation sessions.
	ActiveNegotiations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sectorwars_active_negotiations",
		Help: "Number of negotiation sessions held in memory",
	})

	// StatementChecks counts uniqueness guard verdicts.
	StatementChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sectorwars_statement_checks_total",
		Help: "Haggling statements checked by the uniqueness guard",
	}, []string{"verdict"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sectorwars_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sectorwars_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sectorwars_http_request_duration_seconds",
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

// Hijack lets WebSocket upgrades through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot hijack")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
