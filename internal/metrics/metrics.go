// Package metrics holds the Prometheus collectors for the service.
//
// Metrics:
//   - storyline_tasks_total{kind,status}
//   - storyline_task_retries_total{kind}
//   - storyline_provider_tokens_total{provider,type}
//   - storyline_provider_request_duration_seconds{provider}
//   - storyline_notifications_failed_total
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storyline/internal/domain"
)

const namespace = "storyline"

type Metrics struct {
	TasksTotal          *prometheus.CounterVec
	TaskRetriesTotal    *prometheus.CounterVec
	ProviderTokensTotal *prometheus.CounterVec
	ProviderDuration    *prometheus.HistogramVec
	NotificationsFailed prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. Each process builds one Metrics;
// tests pass their own registry to avoid duplicate registration.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"kind", "status"}),
		TaskRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Retries scheduled after a transient provider failure.",
		}, []string{"kind"}),
		ProviderTokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Tokens reported by providers.",
		}, []string{"provider", "type"}),
		ProviderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of provider generate calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		NotificationsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notifications that could not be published or flushed.",
		}),
		gatherer: reg,
	}
}

func (m *Metrics) TaskFinished(kind string, status domain.Status) {
	m.TasksTotal.WithLabelValues(kind, string(status)).Inc()
}

func (m *Metrics) NotificationFailed() {
	m.NotificationsFailed.Inc()
}

func (m *Metrics) TaskRetried(kind string) {
	m.TaskRetriesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveProvider(provider string, elapsed time.Duration, promptTokens, completionTokens int) {
	m.ProviderDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	m.ProviderTokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	m.ProviderTokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
