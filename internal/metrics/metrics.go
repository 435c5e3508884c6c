package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dreschagin/logrelay/internal/routing"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles prometheus collectors used by the relay.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDurationSec *prometheus.HistogramVec
	StreamsForwarded   prometheus.Counter
	LinesForwarded     prometheus.Counter
	UpstreamErrors     *prometheus.CounterVec
	AuthFailures       prometheus.Counter
	RateLimitDropped   prometheus.Counter
	DiscoveryRefreshes prometheus.Counter
	DiscoveryErrors    prometheus.Counter

	ShippedLines *prometheus.CounterVec
	ShipAttempts *prometheus.CounterVec
}

func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logrelay_requests_total",
			Help: "Total number of relay HTTP requests.",
		}, []string{"route", "method", "status"}),
		RequestDurationSec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "logrelay_request_duration_seconds",
			Help:    "Relay request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		StreamsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logrelay_streams_forwarded_total",
			Help: "Total number of streams forwarded to Loki.",
		}),
		LinesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logrelay_lines_forwarded_total",
			Help: "Total number of log lines forwarded to Loki.",
		}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logrelay_upstream_errors_total",
			Help: "Total number of failed forwards by kind.",
		}, []string{"kind"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logrelay_auth_failures_total",
			Help: "Total number of auth failures.",
		}),
		RateLimitDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logrelay_ratelimit_dropped_total",
			Help: "Total number of requests dropped by rate limiter.",
		}),
		DiscoveryRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logrelay_discovery_refresh_total",
			Help: "Total number of discovery refresh attempts.",
		}),
		DiscoveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logrelay_discovery_errors_total",
			Help: "Total number of discovery refresh failures.",
		}),
		ShippedLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logrelay_transport_lines_total",
			Help: "Log lines handled by the transport by outcome.",
		}, []string{"outcome"}),
		ShipAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logrelay_transport_send_attempts_total",
			Help: "Transport push attempts by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDurationSec,
		m.StreamsForwarded,
		m.LinesForwarded,
		m.UpstreamErrors,
		m.AuthFailures,
		m.RateLimitDropped,
		m.DiscoveryRefreshes,
		m.DiscoveryErrors,
		m.ShippedLines,
		m.ShipAttempts,
	)

	return m
}

// ObserveLines counts transport lines for an outcome (pushed, sent,
// requeued, dropped). Safe on a nil receiver.
func (m *Metrics) ObserveLines(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ShippedLines.WithLabelValues(outcome).Add(float64(n))
}

// ObserveAttempt counts a transport push attempt. Safe on a nil receiver.
func (m *Metrics) ObserveAttempt(result string) {
	if m == nil {
		return
	}
	m.ShipAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		status := strconv.Itoa(wrapped.statusCode)
		route := routing.Label(r.URL.Path)
		m.RequestsTotal.WithLabelValues(route, r.Method, status).Inc()
		m.RequestDurationSec.WithLabelValues(route, r.Method, status).Observe(time.Since(startedAt).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
