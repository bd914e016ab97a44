package slotsync

import (
	"context"
	"time"
)

// CircuitBreakerStore wraps a Store with circuit breaker protection and
// per-operation timing.
type CircuitBreakerStore struct {
	store   Store
	cb      CircuitBreaker
	metrics Metrics
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker, metrics Metrics) *CircuitBreakerStore {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CircuitBreakerStore{store: store, cb: cb, metrics: metrics}
}

func (s *CircuitBreakerStore) do(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := s.cb.Execute(ctx, fn)
	s.metrics.RecordStorageOperation(op, time.Since(start), err)
	return err
}

func (s *CircuitBreakerStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.do(ctx, "run_transaction", func() error {
		return s.store.RunTransaction(ctx, fn)
	})
}

func (s *CircuitBreakerStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	var acct *Account
	err := s.do(ctx, "get_account", func() error {
		var e error
		acct, e = s.store.GetAccount(ctx, id)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStore) GetEmailIndex(ctx context.Context, emailLower string) (*EmailIndexEntry, error) {
	var entry *EmailIndexEntry
	err := s.do(ctx, "get_email_index", func() error {
		var e error
		entry, e = s.store.GetEmailIndex(ctx, emailLower)
		return e
	})
	return entry, err
}

func (s *CircuitBreakerStore) FindAccounts(ctx context.Context, field AccountField, value string,
	limit int) ([]*Account, error) {
	var accts []*Account
	err := s.do(ctx, "find_accounts", func() error {
		var e error
		accts, e = s.store.FindAccounts(ctx, field, value, limit)
		return e
	})
	return accts, err
}

func (s *CircuitBreakerStore) GetWebhookEvent(ctx context.Context, key string) (*WebhookEvent, error) {
	var ev *WebhookEvent
	err := s.do(ctx, "get_webhook_event", func() error {
		var e error
		ev, e = s.store.GetWebhookEvent(ctx, key)
		return e
	})
	return ev, err
}

func (s *CircuitBreakerStore) GetOrder(ctx context.Context, orderID string) (*OrderRecord, error) {
	var order *OrderRecord
	err := s.do(ctx, "get_order", func() error {
		var e error
		order, e = s.store.GetOrder(ctx, orderID)
		return e
	})
	return order, err
}

func (s *CircuitBreakerStore) GetRefund(ctx context.Context, refundID string) (*RefundRecord, error) {
	var refund *RefundRecord
	err := s.do(ctx, "get_refund", func() error {
		var e error
		refund, e = s.store.GetRefund(ctx, refundID)
		return e
	})
	return refund, err
}

func (s *CircuitBreakerStore) ListIdentityConflicts(ctx context.Context, limit int) ([]*IdentityConflict, error) {
	var out []*IdentityConflict
	err := s.do(ctx, "list_identity_conflicts", func() error {
		var e error
		out, e = s.store.ListIdentityConflicts(ctx, limit)
		return e
	})
	return out, err
}
