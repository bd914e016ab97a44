package shopify

import "errors"

var (
	// ErrNotConfigured is returned when the webhook handler is missing a secret or engine component
	ErrNotConfigured = errors.New("shopify webhook handler not configured")

	// ErrInvalidSignature is returned when the HMAC header does not match the body
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a verified body cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrUnknownTopic is returned for topics without a handler
	ErrUnknownTopic = errors.New("unknown webhook topic")
)
