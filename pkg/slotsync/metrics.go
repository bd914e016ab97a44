package slotsync

import "time"

// Metrics defines the interface for tracking engine decisions.
type Metrics interface {
	// RecordEventAcquire records an idempotency decision ("new", "retry", "duplicate").
	RecordEventAcquire(topic, outcome string)

	// RecordEventFinalized records the terminal status of a processed event.
	RecordEventFinalized(topic string, status EventStatus)

	// RecordIndexSync records an email index decision ("created", "refreshed", "conflict", "cleaned").
	RecordIndexSync(outcome string)

	// RecordResolution records the outcome of an identity resolution.
	RecordResolution(step string, duration time.Duration, err error)

	// RecordEntitlementChange records applied unit deltas by reason.
	RecordEntitlementChange(reason string, purchasedDelta, refundedDelta int)

	// RecordPlanStatusChange records a plan status transition.
	RecordPlanStatusChange(from, to PlanStatus)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEventAcquire(topic, outcome string)                                   {}
func (n *NoopMetrics) RecordEventFinalized(topic string, status EventStatus)                      {}
func (n *NoopMetrics) RecordIndexSync(outcome string)                                             {}
func (n *NoopMetrics) RecordResolution(step string, duration time.Duration, err error)            {}
func (n *NoopMetrics) RecordEntitlementChange(reason string, purchasedDelta, refundedDelta int)   {}
func (n *NoopMetrics) RecordPlanStatusChange(from, to PlanStatus)                                 {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
