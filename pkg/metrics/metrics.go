// Package metrics exposes Prometheus instrumentation for certification,
// verification and HTTP traffic.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docucert"

// Certification outcomes.
const (
	OutcomeCertified = "certified"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics holds every collector the service records into.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	certifications *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	allocRetries   prometheus.Counter
	storageRetries *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	authzDenials   *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests
// so repeated construction does not panic on duplicate registration.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		certifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certifications_total",
			Help:      "Certification attempts by terminal outcome and failing stage",
		}, []string{"outcome", "stage"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "certification_stage_duration_seconds",
			Help:      "Duration of each certification stage",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 20.0},
		}, []string{"stage"}),
		allocRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serial_allocation_retries_total",
			Help:      "Serial allocation attempts retried after contention",
		}),
		storageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Storage operations retried after a transient failure",
		}, []string{"op"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification lookups by verdict",
		}, []string{"verdict"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status class",
		}, []string{"method", "route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		authzDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_denials_total",
			Help:      "Permission checks that denied access",
		}, []string{"permission"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordCertification counts a finished certification. stage is empty for
// successful runs.
func (m *Metrics) RecordCertification(outcome, stage string) {
	if m == nil {
		return
	}
	m.certifications.WithLabelValues(outcome, stage).Inc()
}

// ObserveStage records how long a certification stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordAllocationRetry counts one retried serial allocation.
func (m *Metrics) RecordAllocationRetry() {
	if m == nil {
		return
	}
	m.allocRetries.Inc()
}

// RecordStorageRetry counts one retried storage call.
func (m *Metrics) RecordStorageRetry(op string) {
	if m == nil {
		return
	}
	m.storageRetries.WithLabelValues(op).Inc()
}

// RecordVerification counts a verification verdict.
func (m *Metrics) RecordVerification(verdict string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(verdict).Inc()
}

// RecordAuthorizationDenied counts a denied permission check.
func (m *Metrics) RecordAuthorizationDenied(permission string) {
	if m == nil {
		return
	}
	m.authzDenials.WithLabelValues(permission).Inc()
}

// ObserveHTTP records one served request. route is the mux pattern, not the
// raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
