// Package metrics provides Prometheus instrumentation for fuzz runs, the
// chain controllers and the report API.
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
	// RunsTotal counts finished fuzz runs by scenario and status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperfuzz_runs_total",
		Help: "Total number of fuzz runs",
	}, []string{"scenario", "status"})

	// ActiveRuns tracks runs currently in progress.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hyperfuzz_active_runs",
		Help: "Number of fuzz runs in progress",
	})

	// TradesTotal counts trades executed against a chain, by kind.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperfuzz_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind"})

	// ChecksTotal counts invariant checks by name and outcome.
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperfuzz_invariant_checks_total",
		Help: "Total invariant checks evaluated",
	}, []string{"invariant", "passed"})

	// ViolationsTotal counts failed invariant checks.
	ViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperfuzz_invariant_violations_total",
		Help: "Invariant checks that failed",
	}, []string{"invariant", "fatal"})

	// CrashReportsTotal counts crash bundles built.
	CrashReportsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hyperfuzz_crash_reports_total",
		Help: "Crash bundles assembled",
	})

	// ResampledTrades counts generated trades discarded for exceeding curve bounds.
	ResampledTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hyperfuzz_resampled_trades_total",
		Help: "Generated trades re-drawn after a curve bounds rejection",
	})

	// PredictionDrift records the relative prediction error per unit.
	PredictionDrift = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hyperfuzz_prediction_drift",
		Help:    "Relative gap between predicted and executed pool deltas",
		Buckets: []float64{1e-18, 1e-15, 1e-12, 1e-10, 1e-9, 1e-8, 1e-7, 1e-6, 1e-4},
	}, []string{"kind", "unit"})

	// ChainCallDuration tracks controller call latency by operation.
	ChainCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hyperfuzz_chain_call_duration_seconds",
		Help:    "Chain controller call latency in seconds",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	}, []string{"op"})

	// ChainCallErrors counts failed controller calls by operation.
	ChainCallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperfuzz_chain_call_errors_total",
		Help: "Chain controller calls that returned an error",
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hyperfuzz_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperfuzz_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hyperfuzz_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveChainCall records the latency and outcome of one controller call.
func ObserveChainCall(op string, start time.Time, err error) {
	ChainCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		ChainCallErrors.WithLabelValues(op).Inc()
	}
}

// ObserveCheck records one invariant check outcome.
func ObserveCheck(name string, passed, fatal bool) {
	ChecksTotal.WithLabelValues(name, strconv.FormatBool(passed)).Inc()
	if !passed {
		ViolationsTotal.WithLabelValues(name, strconv.FormatBool(fatal)).Inc()
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

		// Label by route pattern so run IDs do not explode cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
