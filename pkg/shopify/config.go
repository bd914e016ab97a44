package shopify

import (
	"context"
	"time"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Archiver stores verified raw webhook bodies. Failures never fail a delivery.
type Archiver interface {
	Archive(ctx context.Context, topic, eventKey string, body []byte) error
}

// Config holds the webhook handler dependencies.
type Config struct {
	// Secret is the shared webhook signing secret (X-Shopify-Hmac-Sha256).
	Secret string

	// Guard deduplicates deliveries. Required.
	Guard *slotsync.Guard

	// Reconciler applies customer, order and refund events. Required.
	Reconciler *slotsync.Reconciler

	// Binder provisions auth credentials after paid orders. Optional;
	// provisioning is skipped when nil.
	Binder *slotsync.Binder

	// Archiver receives every verified body. Optional.
	Archiver Archiver

	// Logger is optional. Defaults to slotsync.NoopLogger.
	Logger slotsync.Logger

	// Metrics is optional. Defaults to NoopMetrics.
	// Use shopify/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// MaxBodyBytes bounds request bodies. Default: 1 MiB.
	MaxBodyBytes int64

	// RateLimit is the number of requests allowed per client IP per RateLimitWindow.
	// Default: 300 per minute.
	RateLimit       int
	RateLimitWindow time.Duration

	// ProcessTimeout bounds the engine work of one delivery. Default: 20s.
	ProcessTimeout time.Duration
}
