// Package monitoring exposes the proxy's Prometheus metrics.
package monitoring

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the proxy records. One instance lives for
// the process; collectors register on the default registry.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	AttemptsTotal      *prometheus.CounterVec
	RateLimitSkips     prometheus.Counter
	LoopAborts         prometheus.Counter
	EmptyRetries       prometheus.Counter
	CommandsTotal      *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	StreamingResponses prometheus.Counter
}

// NewMetrics registers the collectors under the promptwire namespace.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "promptwire_requests_total",
			Help: "Proxy requests by endpoint and outcome.",
		}, []string{"endpoint", "status"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promptwire_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"backend", "model"}),
		AttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "promptwire_attempts_total",
			Help: "Upstream attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),
		RateLimitSkips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promptwire_rate_limit_skips_total",
			Help: "Attempts skipped by the local rate limiter.",
		}),
		LoopAborts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promptwire_loop_aborts_total",
			Help: "Responses aborted by loop detection.",
		}),
		EmptyRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promptwire_empty_retries_total",
			Help: "Empty-response recovery retries issued.",
		}),
		CommandsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "promptwire_commands_total",
			Help: "In-band commands executed by name and result.",
		}, []string{"command", "result"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "promptwire_active_sessions",
			Help: "Sessions currently held in the store.",
		}),
		StreamingResponses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promptwire_streaming_responses_total",
			Help: "Responses delivered as SSE streams.",
		}),
	}
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(endpoint, status, backend, model string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	if backend != "" {
		m.RequestDuration.WithLabelValues(backend, model).Observe(elapsed.Seconds())
	}
}

// ObserveAttempt records one upstream attempt outcome.
func (m *Metrics) ObserveAttempt(backend, outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveCommand records one executed in-band command.
func (m *Metrics) ObserveCommand(command string, success bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !success {
		result = "error"
	}
	m.CommandsTotal.WithLabelValues(command, result).Inc()
}

// Handler serves the scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
