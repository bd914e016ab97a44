package shopify

import "time"

// Metrics defines the interface for tracking the commerce-facing surface:
// webhook deliveries and outbound GraphQL calls.
type Metrics interface {
	// RecordWebhook records a finished delivery.
	// outcome: "processed", "duplicate", "ignored", "failed", "rejected"
	RecordWebhook(topic, outcome string)

	// RecordWebhookDuration records how long a delivery took to handle.
	RecordWebhookDuration(topic string, duration time.Duration)

	// RecordWebhookError records a rejected or failed delivery.
	// errorType: "auth_failed", "payload_too_large", "invalid_payload", "rate_limited", "processing_error"
	RecordWebhookError(topic, errorType string)

	// RecordAPICall records an outbound GraphQL call.
	// api: "storefront" or "admin"; status: "ok", "user_errors", "error"
	RecordAPICall(api, operation, status string)

	// RecordAPICallDuration records how long an outbound GraphQL call took.
	RecordAPICallDuration(api, operation string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhook(_, _ string)                          {}
func (n *NoopMetrics) RecordWebhookDuration(_ string, _ time.Duration)    {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                     {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                       {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration) {}
