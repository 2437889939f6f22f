// Package metrics provides Prometheus instrumentation for the perpetuals engine.
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
	// OrdersTotal counts orders by side and outcome (placed, executed, deferred, rejected).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_orders_total",
		Help: "Orders by side and outcome",
	}, []string{"side", "outcome"})

	// PositionsTotal counts position transitions (opened, closed, liquidated).
	PositionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_positions_total",
		Help: "Position lifecycle transitions",
	}, []string{"market", "event"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_open_positions",
		Help: "Number of currently open positions",
	})

	// SettlementLatency tracks how long a serialized engine operation takes.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_settlement_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	OracleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_oracle_failures_total",
		Help: "Price reads that failed or were deferred",
	}, []string{"market"})

	// ProfitShortfalls counts closes aborted because neither the
	// counterparty pool nor the insurance fund could pay.
	ProfitShortfalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_profit_shortfalls_total",
		Help: "Closes aborted on unpayable profit",
	}, []string{"market"})

	PoolValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_pool_value",
		Help: "Total pool value in settlement units",
	})

	InsuranceFund = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_insurance_fund",
		Help: "Insurance fund balance in settlement units",
	})

	PoolUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_pool_utilization_ratio",
		Help: "Allocated long+short over total pool value, per market",
	}, []string{"market"})

	KeeperScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_keeper_scanned_total",
		Help: "Positions examined by the liquidation scanner",
	})

	KeeperCandidates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_keeper_candidates_total",
		Help: "Liquidation candidates found",
	})

	KeeperLiquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_keeper_liquidations_total",
		Help: "Liquidation attempts by result",
	}, []string{"result"})

	KeeperScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perp_keeper_scan_duration_seconds",
		Help:    "Duration of one scan pass",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_events_dropped_total",
		Help: "Events dropped by a sink",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSince records the latency of op started at start.
func ObserveSince(op string, start time.Time) {
	SettlementLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
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
		return nil, nil, errors.New("metrics: response writer cannot hijack")
	}
	return h.Hijack()
}
