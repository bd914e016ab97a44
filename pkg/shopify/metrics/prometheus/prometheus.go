package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/reviewseverywhere/slotsync/pkg/shopify"
)

// Metrics implements shopify.Metrics using Prometheus.
type Metrics struct {
	webhooksTotal      *prometheus.CounterVec
	webhookDuration    *prometheus.HistogramVec
	webhookErrorsTotal *prometheus.CounterVec
	apiCallsTotal      *prometheus.CounterVec
	apiCallDuration    *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation for the commerce surface.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shopify",
			Name:      "webhooks_total",
			Help:      "Total number of webhook deliveries handled, by outcome.",
		}, []string{"topic", "outcome"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "shopify",
			Name:      "webhook_duration_seconds",
			Help:      "Duration of webhook handling in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shopify",
			Name:      "webhook_errors_total",
			Help:      "Total number of rejected or failed webhook deliveries.",
		}, []string{"topic", "error_type"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shopify",
			Name:      "api_calls_total",
			Help:      "Total number of GraphQL calls to the storefront and admin APIs.",
		}, []string{"api", "operation", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "shopify",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of GraphQL calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"api", "operation"}),
	}
}

func topicLabel(topic string) string {
	if topic == "" {
		return "unknown"
	}
	return topic
}

func (m *Metrics) RecordWebhook(topic, outcome string) {
	m.webhooksTotal.WithLabelValues(topicLabel(topic), outcome).Inc()
}

func (m *Metrics) RecordWebhookDuration(topic string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(topicLabel(topic)).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(topic, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(topicLabel(topic), errorType).Inc()
}

func (m *Metrics) RecordAPICall(api, operation, status string) {
	m.apiCallsTotal.WithLabelValues(api, operation, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(api, operation string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(api, operation).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) shopify.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
