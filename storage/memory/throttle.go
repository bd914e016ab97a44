package memory

import (
	"context"
	"sync"
	"time"
)

// Throttle implements identity.Throttle with a map of last-admitted times.
type Throttle struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewThrottle creates an empty throttle
func NewThrottle() *Throttle {
	return &Throttle{last: make(map[string]time.Time), now: time.Now}
}

// Allow admits key at most once per window.
func (t *Throttle) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < window {
		return false, nil
	}
	t.last[key] = now
	return true, nil
}
