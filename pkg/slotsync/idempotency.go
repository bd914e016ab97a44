package slotsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// MissingEventIDPrefix marks keys derived from the payload hash.
const MissingEventIDPrefix = "missing-shopify-id:"

// maxErrorLen bounds the stored failure text of an event record.
const maxErrorLen = 500

// EventKey chooses the idempotency key of a delivery: the event id, else the
// webhook id, else a hash of the exact body bytes.
func EventKey(eventID, webhookID string, body []byte) string {
	if id := strings.TrimSpace(eventID); id != "" {
		return id
	}
	if id := strings.TrimSpace(webhookID); id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return MissingEventIDPrefix + hex.EncodeToString(sum[:])
}

// EventHandle identifies an acquired event until it is finalized.
type EventHandle struct {
	Key      string
	Topic    string
	Attempts int
}

// Guard turns at-least-once delivery into effectively-once processing.
type Guard struct {
	store   Store
	logger  Logger
	metrics Metrics
	opts    Options
}

// NewGuard creates a new idempotency guard.
func NewGuard(store Store, opts Options) *Guard {
	opts = opts.withDefaults()
	return &Guard{store: store, logger: opts.Logger, metrics: opts.Metrics, opts: opts}
}

// Acquire atomically checks and records an event. It returns shouldProcess=false
// only when the event was already processed; a handle is returned whenever
// processing should proceed.
func (g *Guard) Acquire(ctx context.Context, key string, meta EventMeta) (bool, *EventHandle, error) {
	if strings.TrimSpace(key) == "" {
		return false, nil, fmt.Errorf("%w: empty event key", ErrInvalidArgument)
	}

	var (
		should  bool
		outcome string
		handle  *EventHandle
	)
	err := g.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		should, outcome, handle = false, "", nil
		now := g.opts.Now()

		existing, err := tx.GetWebhookEvent(key)
		if err != nil {
			return err
		}

		if existing == nil {
			handle = &EventHandle{Key: key, Topic: meta.Topic, Attempts: 1}
			should, outcome = true, "new"
			return tx.PutWebhookEvent(&WebhookEvent{
				Key:         key,
				Status:      EventProcessing,
				Attempts:    1,
				Meta:        meta,
				FirstSeenAt: now,
				LastSeenAt:  now,
			})
		}

		if existing.Status == EventProcessed {
			outcome = "duplicate"
			return nil
		}

		next := existing.Clone()
		next.Attempts++
		next.Status = EventProcessing
		next.RetriedAt = now
		next.LastSeenAt = now
		next.Meta = meta
		handle = &EventHandle{Key: key, Topic: meta.Topic, Attempts: next.Attempts}
		should, outcome = true, "retry"
		return tx.PutWebhookEvent(next)
	})
	if err != nil {
		return false, nil, fmt.Errorf("acquire event %s: %w", key, err)
	}

	g.metrics.RecordEventAcquire(meta.Topic, outcome)
	g.logger.Info("webhook event acquired",
		Field{"event_key", key},
		Field{"topic", meta.Topic},
		Field{"outcome", outcome},
	)
	return should, handle, nil
}

// MarkProcessed finalizes an event as processed. Processed is terminal.
func (g *Guard) MarkProcessed(ctx context.Context, h *EventHandle) error {
	return g.finalize(ctx, h, EventProcessed, "")
}

// MarkFailed records a failure; the next delivery will be retried.
func (g *Guard) MarkFailed(ctx context.Context, h *EventHandle, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return g.finalize(ctx, h, EventFailed, Truncate(msg, maxErrorLen))
}

func (g *Guard) finalize(ctx context.Context, h *EventHandle, status EventStatus, lastErr string) error {
	if h == nil {
		return fmt.Errorf("%w: nil event handle", ErrInvalidArgument)
	}
	err := g.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		now := g.opts.Now()
		existing, err := tx.GetWebhookEvent(h.Key)
		if err != nil {
			return err
		}
		next := existing.Clone()
		if next == nil {
			next = &WebhookEvent{Key: h.Key, Attempts: h.Attempts, FirstSeenAt: now, Meta: EventMeta{Topic: h.Topic}}
		}
		if next.Status == EventProcessed && status == EventFailed {
			return nil
		}
		next.Status = status
		next.LastSeenAt = now
		switch status {
		case EventProcessed:
			next.ProcessedAt = now
		case EventFailed:
			next.FailedAt = now
			next.LastError = lastErr
		}
		return tx.PutWebhookEvent(next)
	})
	if err != nil {
		return fmt.Errorf("finalize event %s: %w", h.Key, err)
	}
	g.metrics.RecordEventFinalized(h.Topic, status)
	return nil
}
