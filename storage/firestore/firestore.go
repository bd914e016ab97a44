// Package firestore provides a Firestore implementation of the slotsync storage interfaces.
// Documents use the same collections and field names as the account documents read by the app clients.
package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Store implements slotsync.Store using Google Cloud Firestore
type Store struct {
	client *firestore.Client
	cfg    Config
}

// Config holds Firestore collection names
type Config struct {
	// AccountsCollection holds one document per commerce customer.
	// Default: "accounts"
	AccountsCollection string

	// EmailIndexCollection maps normalized emails to account ids.
	// Default: "email_index"
	EmailIndexCollection string

	// ConflictsCollection holds identity conflict evidence.
	// Default: "email_index_conflicts"
	ConflictsCollection string

	// EventsCollection is the webhook idempotency ledger.
	// Default: "webhookEvents"
	EventsCollection string

	// OrdersCollection holds per-order entitlement snapshots.
	// Default: "shopifyOrders"
	OrdersCollection string

	// RefundsCollection holds per-refund entitlement snapshots.
	// Default: "shopifyRefunds"
	RefundsCollection string
}

func (c Config) withDefaults() Config {
	if c.AccountsCollection == "" {
		c.AccountsCollection = "accounts"
	}
	if c.EmailIndexCollection == "" {
		c.EmailIndexCollection = "email_index"
	}
	if c.ConflictsCollection == "" {
		c.ConflictsCollection = "email_index_conflicts"
	}
	if c.EventsCollection == "" {
		c.EventsCollection = "webhookEvents"
	}
	if c.OrdersCollection == "" {
		c.OrdersCollection = "shopifyOrders"
	}
	if c.RefundsCollection == "" {
		c.RefundsCollection = "shopifyRefunds"
	}
	return c
}

// New creates a new Firestore store
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	return &Store{client: client, cfg: config.withDefaults()}, nil
}

func (s *Store) accountRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.cfg.AccountsCollection).Doc(id)
}

func (s *Store) indexRef(email string) *firestore.DocumentRef {
	return s.client.Collection(s.cfg.EmailIndexCollection).Doc(email)
}

func (s *Store) conflictRef(key string) *firestore.DocumentRef {
	return s.client.Collection(s.cfg.ConflictsCollection).Doc(key)
}

func (s *Store) eventRef(key string) *firestore.DocumentRef {
	return s.client.Collection(s.cfg.EventsCollection).Doc(key)
}

func (s *Store) orderRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.cfg.OrdersCollection).Doc(id)
}

func (s *Store) refundRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.cfg.RefundsCollection).Doc(id)
}

// RunTransaction implements slotsync.Store. Firestore may call fn more than once.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx slotsync.Tx) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &fsTx{s: s, tx: tx})
	})
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// getDoc returns nil data when the document does not exist.
func getDoc(ctx context.Context, ref *firestore.DocumentRef) (map[string]interface{}, error) {
	snap, err := ref.Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	return snap.Data(), nil
}

// GetAccount implements slotsync.Store
func (s *Store) GetAccount(ctx context.Context, id string) (*slotsync.Account, error) {
	data, err := getDoc(ctx, s.accountRef(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return decodeAccount(id, data), nil
}

// GetEmailIndex implements slotsync.Store
func (s *Store) GetEmailIndex(ctx context.Context, emailLower string) (*slotsync.EmailIndexEntry, error) {
	data, err := getDoc(ctx, s.indexRef(emailLower))
	if err != nil {
		return nil, fmt.Errorf("failed to get email index: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return decodeIndex(emailLower, data), nil
}

// FindAccounts implements slotsync.Store
func (s *Store) FindAccounts(ctx context.Context, field slotsync.AccountField, value string,
	limit int) ([]*slotsync.Account, error) {
	q := s.client.Collection(s.cfg.AccountsCollection).Where(string(field), "==", value)
	if limit > 0 {
		q = q.Limit(limit)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts by %s: %w", field, err)
	}
	out := make([]*slotsync.Account, 0, len(docs))
	for _, d := range docs {
		out = append(out, decodeAccount(d.Ref.ID, d.Data()))
	}
	return out, nil
}

// GetWebhookEvent implements slotsync.Store
func (s *Store) GetWebhookEvent(ctx context.Context, key string) (*slotsync.WebhookEvent, error) {
	data, err := getDoc(ctx, s.eventRef(key))
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return decodeEvent(key, data), nil
}

// GetOrder implements slotsync.Store
func (s *Store) GetOrder(ctx context.Context, orderID string) (*slotsync.OrderRecord, error) {
	data, err := getDoc(ctx, s.orderRef(orderID))
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return decodeOrder(orderID, data), nil
}

// GetRefund implements slotsync.Store
func (s *Store) GetRefund(ctx context.Context, refundID string) (*slotsync.RefundRecord, error) {
	data, err := getDoc(ctx, s.refundRef(refundID))
	if err != nil {
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return decodeRefund(refundID, data), nil
}

// ListIdentityConflicts implements slotsync.Store
func (s *Store) ListIdentityConflicts(ctx context.Context, limit int) ([]*slotsync.IdentityConflict, error) {
	q := s.client.Collection(s.cfg.ConflictsCollection).OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list identity conflicts: %w", err)
	}
	out := make([]*slotsync.IdentityConflict, 0, len(docs))
	for _, d := range docs {
		out = append(out, decodeConflict(d.Data()))
	}
	return out, nil
}

// fsTx adapts a Firestore transaction. Firestore itself rejects reads after
// writes; the flag lets callers see the engine's sentinel instead.
type fsTx struct {
	s     *Store
	tx    *firestore.Transaction
	wrote bool
}

func (t *fsTx) get(ref *firestore.DocumentRef) (map[string]interface{}, error) {
	if t.wrote {
		return nil, slotsync.ErrReadAfterWrite
	}
	snap, err := t.tx.Get(ref)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	return snap.Data(), nil
}

func (t *fsTx) set(ref *firestore.DocumentRef, data map[string]interface{}) error {
	t.wrote = true
	return t.tx.Set(ref, data, firestore.MergeAll)
}

func (t *fsTx) GetAccount(id string) (*slotsync.Account, error) {
	data, err := t.get(t.s.accountRef(id))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeAccount(id, data), nil
}

func (t *fsTx) GetEmailIndex(emailLower string) (*slotsync.EmailIndexEntry, error) {
	data, err := t.get(t.s.indexRef(emailLower))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeIndex(emailLower, data), nil
}

func (t *fsTx) GetWebhookEvent(key string) (*slotsync.WebhookEvent, error) {
	data, err := t.get(t.s.eventRef(key))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeEvent(key, data), nil
}

func (t *fsTx) GetOrder(orderID string) (*slotsync.OrderRecord, error) {
	data, err := t.get(t.s.orderRef(orderID))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeOrder(orderID, data), nil
}

func (t *fsTx) GetRefund(refundID string) (*slotsync.RefundRecord, error) {
	data, err := t.get(t.s.refundRef(refundID))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeRefund(refundID, data), nil
}

func (t *fsTx) PutAccount(a *slotsync.Account) error {
	return t.set(t.s.accountRef(a.ID), encodeAccount(a))
}

func (t *fsTx) PutEmailIndex(e *slotsync.EmailIndexEntry) error {
	return t.set(t.s.indexRef(e.EmailLower), encodeIndex(e))
}

func (t *fsTx) DeleteEmailIndex(emailLower string) error {
	t.wrote = true
	return t.tx.Delete(t.s.indexRef(emailLower))
}

func (t *fsTx) PutIdentityConflict(c *slotsync.IdentityConflict) error {
	return t.set(t.s.conflictRef(c.Key()), encodeConflict(c))
}

func (t *fsTx) PutWebhookEvent(e *slotsync.WebhookEvent) error {
	return t.set(t.s.eventRef(e.Key), encodeEvent(e))
}

func (t *fsTx) PutOrder(o *slotsync.OrderRecord) error {
	return t.set(t.s.orderRef(o.OrderID), encodeOrder(o))
}

func (t *fsTx) PutRefund(r *slotsync.RefundRecord) error {
	return t.set(t.s.refundRef(r.RefundID), encodeRefund(r))
}
