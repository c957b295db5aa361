package metrics

import (
	"countersign/internal/domain"
	"countersign/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "countersign"

// Prometheus records engine events on a private registry that the HTTP layer
// exposes on /metrics.
type Prometheus struct {
	Registry *prometheus.Registry

	created       *prometheus.CounterVec
	actions       *prometheus.CounterVec
	finished      *prometheus.CounterVec
	notifications *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

var _ usecase.Metrics = (*Prometheus)(nil)

func New() *Prometheus {
	reg := prometheus.NewRegistry()
	m := &Prometheus{
		Registry: reg,
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_created_total",
			Help:      "Signing requests created, by signature type.",
		}, []string{"signature_type"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signer_actions_total",
			Help:      "Signer actions by kind and result.",
		}, []string{"action", "result"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Signing requests that reached a terminal status.",
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by template and result.",
		}, []string{"template", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.created, m.actions, m.finished, m.notifications, m.httpRequests, m.httpLatency,
	)
	return m
}

func (m *Prometheus) RequestCreated(signatureType domain.SignatureType) {
	m.created.WithLabelValues(string(signatureType)).Inc()
}

func (m *Prometheus) SignerAction(action domain.AuditAction, result string) {
	m.actions.WithLabelValues(string(action), result).Inc()
}

func (m *Prometheus) RequestFinished(status domain.RequestStatus) {
	m.finished.WithLabelValues(string(status)).Inc()
}

func (m *Prometheus) NotificationSent(template string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(template, result).Inc()
}

// ObserveHTTP is called by the request logger once per request. route is the
// matched pattern so tokens never become label values.
func (m *Prometheus) ObserveHTTP(method, route, code string, seconds float64) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(seconds)
}
