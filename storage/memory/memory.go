// Package memory provides in-memory implementations of the slotsync storage interfaces.
// They are primarily intended for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Store implements slotsync.Store using in-memory maps. Transactions are
// serialized by a single lock and their writes are buffered until commit.
type Store struct {
	mu        sync.RWMutex
	accounts  map[string]*slotsync.Account
	index     map[string]*slotsync.EmailIndexEntry
	conflicts map[string]*slotsync.IdentityConflict
	events    map[string]*slotsync.WebhookEvent
	orders    map[string]*slotsync.OrderRecord
	refunds   map[string]*slotsync.RefundRecord
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		accounts:  make(map[string]*slotsync.Account),
		index:     make(map[string]*slotsync.EmailIndexEntry),
		conflicts: make(map[string]*slotsync.IdentityConflict),
		events:    make(map[string]*slotsync.WebhookEvent),
		orders:    make(map[string]*slotsync.OrderRecord),
		refunds:   make(map[string]*slotsync.RefundRecord),
	}
}

// RunTransaction implements slotsync.Store
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx slotsync.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, w := range tx.writes {
		w()
	}
	return nil
}

// GetAccount implements slotsync.Store
func (s *Store) GetAccount(_ context.Context, id string) (*slotsync.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[id].Clone(), nil
}

// GetEmailIndex implements slotsync.Store
func (s *Store) GetEmailIndex(_ context.Context, emailLower string) (*slotsync.EmailIndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEntry(s.index[emailLower]), nil
}

// FindAccounts implements slotsync.Store. Results are ordered by account id.
func (s *Store) FindAccounts(_ context.Context, field slotsync.AccountField, value string,
	limit int) ([]*slotsync.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	for id, a := range s.accounts {
		if field.Value(a) == value {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*slotsync.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.accounts[id].Clone())
	}
	return out, nil
}

// GetWebhookEvent implements slotsync.Store
func (s *Store) GetWebhookEvent(_ context.Context, key string) (*slotsync.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events[key].Clone(), nil
}

// GetOrder implements slotsync.Store
func (s *Store) GetOrder(_ context.Context, orderID string) (*slotsync.OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orders[orderID].Clone(), nil
}

// GetRefund implements slotsync.Store
func (s *Store) GetRefund(_ context.Context, refundID string) (*slotsync.RefundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refunds[refundID].Clone(), nil
}

// ListIdentityConflicts implements slotsync.Store
func (s *Store) ListIdentityConflicts(_ context.Context, limit int) ([]*slotsync.IdentityConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*slotsync.IdentityConflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key() < out[j].Key()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTx buffers writes and applies them on commit. Reads see committed state.
type memTx struct {
	s      *Store
	writes []func()
}

func (t *memTx) read() error {
	if len(t.writes) > 0 {
		return slotsync.ErrReadAfterWrite
	}
	return nil
}

func (t *memTx) GetAccount(id string) (*slotsync.Account, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	return t.s.accounts[id].Clone(), nil
}

func (t *memTx) GetEmailIndex(emailLower string) (*slotsync.EmailIndexEntry, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	return copyEntry(t.s.index[emailLower]), nil
}

func (t *memTx) GetWebhookEvent(key string) (*slotsync.WebhookEvent, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	return t.s.events[key].Clone(), nil
}

func (t *memTx) GetOrder(orderID string) (*slotsync.OrderRecord, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	return t.s.orders[orderID].Clone(), nil
}

func (t *memTx) GetRefund(refundID string) (*slotsync.RefundRecord, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	return t.s.refunds[refundID].Clone(), nil
}

func (t *memTx) PutAccount(a *slotsync.Account) error {
	cp := a.Clone()
	t.writes = append(t.writes, func() { t.s.accounts[cp.ID] = cp })
	return nil
}

func (t *memTx) PutEmailIndex(e *slotsync.EmailIndexEntry) error {
	cp := copyEntry(e)
	t.writes = append(t.writes, func() { t.s.index[cp.EmailLower] = cp })
	return nil
}

func (t *memTx) DeleteEmailIndex(emailLower string) error {
	t.writes = append(t.writes, func() { delete(t.s.index, emailLower) })
	return nil
}

func (t *memTx) PutIdentityConflict(c *slotsync.IdentityConflict) error {
	cp := *c
	t.writes = append(t.writes, func() {
		if prev, ok := t.s.conflicts[cp.Key()]; ok {
			// merge keeps the first sighting time
			cp.CreatedAt = prev.CreatedAt
		}
		t.s.conflicts[cp.Key()] = &cp
	})
	return nil
}

func (t *memTx) PutWebhookEvent(e *slotsync.WebhookEvent) error {
	cp := e.Clone()
	t.writes = append(t.writes, func() { t.s.events[cp.Key] = cp })
	return nil
}

func (t *memTx) PutOrder(o *slotsync.OrderRecord) error {
	cp := o.Clone()
	t.writes = append(t.writes, func() { t.s.orders[cp.OrderID] = cp })
	return nil
}

func (t *memTx) PutRefund(r *slotsync.RefundRecord) error {
	cp := r.Clone()
	t.writes = append(t.writes, func() { t.s.refunds[cp.RefundID] = cp })
	return nil
}

func copyEntry(e *slotsync.EmailIndexEntry) *slotsync.EmailIndexEntry {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}
