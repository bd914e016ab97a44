package postgres

import (
	"context"
	"fmt"
	"time"
)

// Throttle implements identity.Throttle on the recover_throttle table.
type Throttle struct {
	s *Store
}

// Throttle returns a throttle sharing the store's pool.
func (s *Store) Throttle() *Throttle {
	return &Throttle{s: s}
}

// Allow admits key at most once per window. The upsert only moves last_at
// when the previous admission is older than the window.
func (t *Throttle) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := t.s.pool.Exec(ctx,
		`INSERT INTO recover_throttle (key, last_at) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET last_at = EXCLUDED.last_at
			WHERE recover_throttle.last_at <= $3`,
		key, now, now.Add(-window))
	if err != nil {
		return false, fmt.Errorf("failed to check throttle: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
