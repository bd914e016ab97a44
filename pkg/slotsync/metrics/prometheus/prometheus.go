package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Metrics implements slotsync.Metrics using Prometheus.
type Metrics struct {
	eventAcquireTotal          *prometheus.CounterVec
	eventFinalizedTotal        *prometheus.CounterVec
	indexSyncTotal             *prometheus.CounterVec
	resolutionDuration         *prometheus.HistogramVec
	resolutionErrors           *prometheus.CounterVec
	unitsPurchasedTotal        *prometheus.CounterVec
	unitsRefundedTotal         *prometheus.CounterVec
	planStatusChanges          *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventAcquireTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_event_acquire_total",
			Help:      "Idempotency decisions for delivered webhook events.",
		}, []string{"topic", "outcome"}),

		eventFinalizedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_event_finalized_total",
			Help:      "Terminal statuses of processed webhook events.",
		}, []string{"topic", "status"}),

		indexSyncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_index_sync_total",
			Help:      "Email index decisions.",
		}, []string{"outcome"}),

		resolutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "identity_resolution_duration_seconds",
			Help:      "Latency of identity resolutions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),

		resolutionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_resolution_errors_total",
			Help:      "Identity resolutions that failed, by error code.",
		}, []string{"code"}),

		unitsPurchasedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_units_purchased_total",
			Help:      "Purchased units applied to accounts. Negative order edits are counted under direction=down.",
		}, []string{"reason", "direction"}),

		unitsRefundedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_units_refunded_total",
			Help:      "Refunded units applied to accounts after clamping.",
		}, []string{"reason"}),

		planStatusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_status_changes_total",
			Help:      "Plan status transitions.",
		}, []string{"from", "to"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordEventAcquire(topic, outcome string) {
	m.eventAcquireTotal.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) RecordEventFinalized(topic string, status slotsync.EventStatus) {
	m.eventFinalizedTotal.WithLabelValues(topic, string(status)).Inc()
}

func (m *Metrics) RecordIndexSync(outcome string) {
	m.indexSyncTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordResolution(step string, duration time.Duration, err error) {
	m.resolutionDuration.WithLabelValues(step).Observe(duration.Seconds())
	if err != nil {
		m.resolutionErrors.WithLabelValues(string(slotsync.CodeOf(err))).Inc()
	}
}

func (m *Metrics) RecordEntitlementChange(reason string, purchasedDelta, refundedDelta int) {
	switch {
	case purchasedDelta > 0:
		m.unitsPurchasedTotal.WithLabelValues(reason, "up").Add(float64(purchasedDelta))
	case purchasedDelta < 0:
		m.unitsPurchasedTotal.WithLabelValues(reason, "down").Add(float64(-purchasedDelta))
	}
	if refundedDelta > 0 {
		m.unitsRefundedTotal.WithLabelValues(reason).Add(float64(refundedDelta))
	}
}

func (m *Metrics) RecordPlanStatusChange(from, to slotsync.PlanStatus) {
	m.planStatusChanges.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

