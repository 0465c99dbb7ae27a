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

	"github.com/fantalega/trade-engine/internal/model"
)

var (
	// ProposalsTotal counts lifecycle transitions by outcome
	// (proposed, accepted, rejected, cancelled, reverted).
	ProposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fantalega_trade_proposals_total",
		Help: "Trade proposal transitions by outcome",
	}, []string{"outcome"})

	// ValidationRejections counts trades refused by the validator, by rule.
	ValidationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fantalega_trade_validation_rejections_total",
		Help: "Trades rejected by the validator",
	}, []string{"rule", "stage"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fantalega_settlements_total",
		Help: "Settlement sagas finished, by direction and final status",
	}, []string{"direction", "status"})

	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fantalega_settlement_latency_seconds",
		Help:    "Settlement execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// PartialSettlements is the number of sagas that stopped with writes
	// applied. Anything above zero needs an operator.
	PartialSettlements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fantalega_partial_settlements_total",
		Help: "Settlements that failed after applying at least one write",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fantalega_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fantalega_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fantalega_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SettlementObserver feeds settlement outcomes into the counters above.
type SettlementObserver struct{}

func (SettlementObserver) SettlementFinished(dir model.Direction, status model.SettlementStatus, elapsed time.Duration) {
	SettlementsTotal.WithLabelValues(string(dir), string(status)).Inc()
	SettlementLatency.WithLabelValues(string(dir)).Observe(elapsed.Seconds())
	if status == model.SettlementFailed {
		PartialSettlements.Inc()
	}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
