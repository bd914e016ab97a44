package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Session is an authenticated caller bound to an account.
// It stores identity pointers only; the account is re-read on every gated request.
type Session struct {
	Token         string              `json:"-"`
	AccountID     string              `json:"accountId"`
	CredentialUID string              `json:"uid"`
	Provider      string              `json:"provider"`
	PlanStatus    slotsync.PlanStatus `json:"planStatus"`
	CreatedAt     time.Time           `json:"createdAt"`
	ExpiresAt     time.Time           `json:"expiresAt"`
}

// SessionStore persists sessions by opaque token.
type SessionStore interface {
	// Create stores s until s.ExpiresAt.
	Create(ctx context.Context, s *Session) error
	// Get returns nil when the token is unknown or expired.
	Get(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, token string) error
}

// Throttle admits one action per key per window.
type Throttle interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
}

// NewSessionToken generates a cryptographically secure session token.
// 32 bytes = 256 bits of entropy.
func NewSessionToken() (string, error) {
	const size = 32

	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
