package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
)

// Throttle implements identity.Throttle with one document per key.
// Keys are hashed because emails may contain characters Firestore rejects in ids.
type Throttle struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// NewThrottle creates a Firestore throttle. collection defaults to "recover_throttle".
func NewThrottle(client *firestore.Client, collection string) (*Throttle, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if collection == "" {
		collection = "recover_throttle"
	}
	return &Throttle{client: client, collection: collection, now: time.Now}, nil
}

// Allow admits key at most once per window.
func (t *Throttle) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	sum := sha256.Sum256([]byte(key))
	ref := t.client.Collection(t.collection).Doc(hex.EncodeToString(sum[:]))

	allowed := false
	err := t.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		allowed = false
		data, err := txGet(tx, ref)
		if err != nil {
			return err
		}
		now := t.now().UTC()
		if data != nil {
			if last := getTime(data, "lastAt"); !last.IsZero() && now.Sub(last) < window {
				return nil
			}
		}
		allowed = true
		return tx.Set(ref, map[string]interface{}{"lastAt": now, "key": key})
	})
	if err != nil {
		return false, fmt.Errorf("failed to check throttle: %w", err)
	}
	return allowed, nil
}
