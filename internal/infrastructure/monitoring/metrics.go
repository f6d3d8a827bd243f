package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eldorplus/pki/internal/domain/service"
)

const namespace = "pki"

// Metrics manages the Prometheus metrics of the engine and its HTTP surface.
// It implements service.Metrics.
// Metrics 管理引擎及其 HTTP 接口的 Prometheus 指标，并实现 service.Metrics。
type Metrics struct {
	Registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	ServiceLatency  *prometheus.HistogramVec
	ServiceFailures *prometheus.CounterVec
	Publishes       *prometheus.CounterVec
	CryptoLatency   *prometheus.HistogramVec
	CryptoErrors    *prometheus.CounterVec
	AuditDropped    prometheus.Counter
	AuthzDecisions  *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

var _ service.Metrics = (*Metrics)(nil)

// NewMetrics creates the metrics on a private registry so several instances
// can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Request state transitions by type and resulting status.",
		}, []string{"type", "status"}),
		ServiceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_latency_seconds",
			Help:      "Latency of request services.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		ServiceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_failures_total",
			Help:      "Request services that returned an error.",
		}, []string{"type"}),
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Directory publish operations.",
		}, []string{"operation", "result"}),
		CryptoLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crypto_latency_seconds",
			Help:      "Latency of crypto provider operations.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"operation"}),
		CryptoErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crypto_errors_total",
			Help:      "Failed crypto provider operations.",
		}, []string{"operation"}),
		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit events dropped because the buffer was full.",
		}),
		AuthzDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "Authorization decisions by resource.",
		}, []string{"resource", "result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordRequest counts a request reaching status.
func (m *Metrics) RecordRequest(reqType, status string) {
	m.Requests.WithLabelValues(reqType, status).Inc()
}

// RecordServiceLatency observes one service execution.
func (m *Metrics) RecordServiceLatency(reqType string, duration time.Duration, success bool) {
	m.ServiceLatency.WithLabelValues(reqType).Observe(duration.Seconds())
	if !success {
		m.ServiceFailures.WithLabelValues(reqType).Inc()
	}
}

func (m *Metrics) RecordPublish(operation string, success bool) {
	m.Publishes.WithLabelValues(operation, result(success)).Inc()
}

func (m *Metrics) RecordCryptoOperation(operation string, duration time.Duration, err error) {
	m.CryptoLatency.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.CryptoErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordAuditDropped() {
	m.AuditDropped.Inc()
}

func (m *Metrics) RecordAuthz(resource string, allowed bool) {
	m.AuthzDecisions.WithLabelValues(resource, result(allowed)).Inc()
}
