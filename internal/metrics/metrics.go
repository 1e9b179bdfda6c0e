// Package metrics holds the prometheus collectors of the server. Every
// method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openx"

type (
	Metrics struct {
		registry     *prometheus.Registry
		authOutcomes *prometheus.CounterVec
		rateLimited  prometheus.Counter
		csrfRejected *prometheus.CounterVec
		requests     *prometheus.CounterVec
		sessions     *prometheus.CounterVec
	}
)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Authentication operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests rejected by the rate limiter",
		}),
		csrfRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "csrf",
			Name:      "rejected_total",
			Help:      "Mutating requests rejected by the CSRF guard",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code",
		}, []string{"method", "code"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "events_total",
			Help:      "Session lifecycle events",
		}, []string{"event"}),
	}
	m.registry.MustRegister(
		m.authOutcomes, m.rateLimited, m.csrfRejected, m.requests, m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) AuthOutcome(operation, outcome string) {
	if m == nil {
		return
	}
	m.authOutcomes.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) CSRFRejected(reason string) {
	if m == nil {
		return
	}
	m.csrfRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Request(method string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// SessionEvent counts created, revoked and expired sessions.
func (m *Metrics) SessionEvent(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessions.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument counts every request served by next.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &codeRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.Request(r.Method, rec.code)
	})
}

type codeRecorder struct {
	http.ResponseWriter
	code int
}

func (c *codeRecorder) WriteHeader(code int) {
	c.code = code
	c.ResponseWriter.WriteHeader(code)
}
