package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
)

// Sessions implements identity.SessionStore in memory.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]identity.Session
	now      func() time.Time
}

// NewSessions creates an empty session store
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]identity.Session), now: time.Now}
}

func (s *Sessions) Create(_ context.Context, sess *identity.Session) error {
	if sess == nil || sess.Token == "" || sess.AccountID == "" {
		return fmt.Errorf("session: missing token or account id")
	}
	if !sess.ExpiresAt.After(s.now()) {
		return fmt.Errorf("session: expires_at must be in the future")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = *sess
	return nil
}

func (s *Sessions) Get(_ context.Context, token string) (*identity.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !sess.ExpiresAt.After(s.now()) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		return nil, nil
	}
	return &sess, nil
}

func (s *Sessions) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}
