package memory

import (
	"context"
	"sync"
	"time"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Credentials implements slotsync.CredentialStore. Emails are unique.
type Credentials struct {
	mu      sync.RWMutex
	byUID   map[string]*slotsync.Credential
	byEmail map[string]string
}

// NewCredentials creates an empty credential store
func NewCredentials() *Credentials {
	return &Credentials{
		byUID:   make(map[string]*slotsync.Credential),
		byEmail: make(map[string]string),
	}
}

func (c *Credentials) GetCredential(_ context.Context, uid string) (*slotsync.Credential, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyCred(c.byUID[uid]), nil
}

func (c *Credentials) GetCredentialByEmail(_ context.Context, email string) (*slotsync.Credential, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uid, ok := c.byEmail[slotsync.NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return copyCred(c.byUID[uid]), nil
}

func (c *Credentials) CreateCredential(_ context.Context, cred *slotsync.Credential) error {
	email := slotsync.NormalizeEmail(cred.Email)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byUID[cred.UID]; ok {
		return slotsync.ErrCredentialExists
	}
	if email != "" {
		if _, ok := c.byEmail[email]; ok {
			return slotsync.ErrEmailTaken
		}
		c.byEmail[email] = cred.UID
	}
	cp := copyCred(cred)
	cp.Email = email
	c.byUID[cred.UID] = cp
	return nil
}

func (c *Credentials) UpdateCredentialEmail(_ context.Context, uid, email string) error {
	email = slotsync.NormalizeEmail(email)

	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.byUID[uid]
	if !ok {
		return slotsync.ErrCredentialNotFound
	}
	if owner, ok := c.byEmail[email]; ok && owner != uid {
		return slotsync.ErrEmailTaken
	}
	if cred.Email != "" {
		delete(c.byEmail, cred.Email)
	}
	cred.Email = email
	cred.UpdatedAt = time.Now().UTC()
	if email != "" {
		c.byEmail[email] = uid
	}
	return nil
}

func copyCred(c *slotsync.Credential) *slotsync.Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
