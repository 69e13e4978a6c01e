package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

const (
	MetricHTTPRequestsTotal   = "permengine_http_requests_total"
	MetricHTTPRequestDuration = "permengine_http_request_duration_seconds"
	MetricRateLimitBlocked    = "permengine_rate_limit_blocked_total"
	MetricDecisionsTotal      = "permengine_decisions_total"
	MetricApprovalTransitions = "permengine_approval_transitions_total"
)

// Metrics holds the Prometheus collectors of the HTTP server. They are not
// registered until Register is called.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	rateLimitBlocked    prometheus.Counter
	decisionsTotal      *prometheus.CounterVec
	approvalTransitions *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestDuration,
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		),
		rateLimitBlocked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRateLimitBlocked,
				Help: "Requests rejected by the per-client rate limiter",
			},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDecisionsTotal,
				Help: "Access decisions by outcome and reason code",
			},
			[]string{"outcome", "reason"},
		),
		approvalTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricApprovalTransitions,
				Help: "Approval chain mutations by operation and resulting status",
			},
			[]string{"operation", "status"},
		),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.rateLimitBlocked,
		m.decisionsTotal,
		m.approvalTransitions,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveDecision counts one access decision.
func (m *Metrics) ObserveDecision(d *contracts.Decision) {
	if m == nil || d == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(string(d.Outcome), d.ReasonCode).Inc()
}

// ObserveApproval counts one approval chain mutation.
func (m *Metrics) ObserveApproval(operation string, status contracts.ChainStatus) {
	if m == nil {
		return
	}
	m.approvalTransitions.WithLabelValues(operation, string(status)).Inc()
}

// Middleware records request count and latency labelled by the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if rec.status == http.StatusTooManyRequests {
			m.rateLimitBlocked.Inc()
		}
	})
}
