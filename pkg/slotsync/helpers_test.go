package slotsync_test

import (
	"context"
	"sync"
	"time"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
	"github.com/reviewseverywhere/slotsync/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMetrics struct {
	slotsync.NoopMetrics
	mu       sync.Mutex
	acquires []string
	index    []string
	statuses [][2]slotsync.PlanStatus
}

func (m *recordingMetrics) RecordEventAcquire(_, outcome string) {
	m.mu.Lock()
	m.acquires = append(m.acquires, outcome)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordIndexSync(outcome string) {
	m.mu.Lock()
	m.index = append(m.index, outcome)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordPlanStatusChange(from, to slotsync.PlanStatus) {
	m.mu.Lock()
	m.statuses = append(m.statuses, [2]slotsync.PlanStatus{from, to})
	m.mu.Unlock()
}

type fixture struct {
	store   *memory.Store
	clock   *clock
	metrics *recordingMetrics
	opts    slotsync.Options
}

func newFixture() *fixture {
	f := &fixture{store: memory.New(), clock: newClock(), metrics: &recordingMetrics{}}
	f.opts = slotsync.Options{Now: f.clock.Now, Metrics: f.metrics}
	return f
}

// seed writes accounts directly, bypassing the reconciler.
func (f *fixture) seed(accts ...*slotsync.Account) {
	err := f.store.RunTransaction(context.Background(), func(ctx context.Context, tx slotsync.Tx) error {
		for _, a := range accts {
			if err := tx.PutAccount(a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		panic(err)
	}
}

func (f *fixture) seedIndex(email, accountID string) {
	err := f.store.RunTransaction(context.Background(), func(ctx context.Context, tx slotsync.Tx) error {
		return tx.PutEmailIndex(&slotsync.EmailIndexEntry{EmailLower: email, AccountID: accountID})
	})
	if err != nil {
		panic(err)
	}
}
