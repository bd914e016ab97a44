package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Credentials implements slotsync.CredentialStore. Email uniqueness is kept
// by a second collection keyed by normalized email, written in the same
// transaction as the credential document.
type Credentials struct {
	client          *firestore.Client
	usersCollection string
	emailCollection string
	now             func() time.Time
}

// CredentialsConfig holds collection names for the credential store
type CredentialsConfig struct {
	// UsersCollection holds one document per credential uid.
	// Default: "auth_users"
	UsersCollection string

	// EmailsCollection maps normalized emails to uids.
	// Default: "auth_user_emails"
	EmailsCollection string
}

// NewCredentials creates a Firestore credential store
func NewCredentials(client *firestore.Client, cfg CredentialsConfig) (*Credentials, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if cfg.UsersCollection == "" {
		cfg.UsersCollection = "auth_users"
	}
	if cfg.EmailsCollection == "" {
		cfg.EmailsCollection = "auth_user_emails"
	}
	return &Credentials{
		client:          client,
		usersCollection: cfg.UsersCollection,
		emailCollection: cfg.EmailsCollection,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

func (c *Credentials) userRef(uid string) *firestore.DocumentRef {
	return c.client.Collection(c.usersCollection).Doc(uid)
}

func (c *Credentials) emailRef(email string) *firestore.DocumentRef {
	return c.client.Collection(c.emailCollection).Doc(email)
}

// GetCredential implements slotsync.CredentialStore
func (c *Credentials) GetCredential(ctx context.Context, uid string) (*slotsync.Credential, error) {
	data, err := getDoc(ctx, c.userRef(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return decodeCredential(uid, data), nil
}

// GetCredentialByEmail implements slotsync.CredentialStore
func (c *Credentials) GetCredentialByEmail(ctx context.Context, email string) (*slotsync.Credential, error) {
	email = slotsync.NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	data, err := getDoc(ctx, c.emailRef(email))
	if err != nil {
		return nil, fmt.Errorf("failed to get credential email: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return c.GetCredential(ctx, getString(data, "uid"))
}

// CreateCredential implements slotsync.CredentialStore
func (c *Credentials) CreateCredential(ctx context.Context, cred *slotsync.Credential) error {
	email := slotsync.NormalizeEmail(cred.Email)
	now := c.now()

	err := c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// All reads first
		user, err := txGet(tx, c.userRef(cred.UID))
		if err != nil {
			return err
		}
		var owner map[string]interface{}
		if email != "" {
			if owner, err = txGet(tx, c.emailRef(email)); err != nil {
				return err
			}
		}

		if user != nil {
			return slotsync.ErrCredentialExists
		}
		if owner != nil && getString(owner, "uid") != cred.UID {
			return slotsync.ErrEmailTaken
		}

		data := map[string]interface{}{
			"email":         email,
			"emailVerified": cred.EmailVerified,
			"disabled":      cred.Disabled,
			"createdAt":     orNow(cred.CreatedAt, now),
			"updatedAt":     orNow(cred.UpdatedAt, now),
		}
		if err := tx.Set(c.userRef(cred.UID), data); err != nil {
			return err
		}
		if email != "" {
			return tx.Set(c.emailRef(email), map[string]interface{}{"uid": cred.UID, "createdAt": now})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, slotsync.ErrCredentialExists) || errors.Is(err, slotsync.ErrEmailTaken) {
			return err
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// UpdateCredentialEmail implements slotsync.CredentialStore
func (c *Credentials) UpdateCredentialEmail(ctx context.Context, uid, email string) error {
	email = slotsync.NormalizeEmail(email)
	now := c.now()

	err := c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		user, err := txGet(tx, c.userRef(uid))
		if err != nil {
			return err
		}
		var owner map[string]interface{}
		if email != "" {
			if owner, err = txGet(tx, c.emailRef(email)); err != nil {
				return err
			}
		}

		if user == nil {
			return slotsync.ErrCredentialNotFound
		}
		if owner != nil && getString(owner, "uid") != uid {
			return slotsync.ErrEmailTaken
		}

		if old := getString(user, "email"); old != "" && old != email {
			if err := tx.Delete(c.emailRef(old)); err != nil {
				return err
			}
		}
		if email != "" {
			if err := tx.Set(c.emailRef(email), map[string]interface{}{"uid": uid, "createdAt": now}); err != nil {
				return err
			}
		}
		return tx.Set(c.userRef(uid), map[string]interface{}{
			"email":     email,
			"updatedAt": now,
		}, firestore.MergeAll)
	})
	if err != nil {
		if errors.Is(err, slotsync.ErrCredentialNotFound) || errors.Is(err, slotsync.ErrEmailTaken) {
			return err
		}
		return fmt.Errorf("failed to update credential email: %w", err)
	}
	return nil
}

func decodeCredential(uid string, data map[string]interface{}) *slotsync.Credential {
	verified, _ := data["emailVerified"].(bool)
	disabled, _ := data["disabled"].(bool)
	return &slotsync.Credential{
		UID:           uid,
		Email:         getString(data, "email"),
		EmailVerified: verified,
		Disabled:      disabled,
		CreatedAt:     getTime(data, "createdAt"),
		UpdatedAt:     getTime(data, "updatedAt"),
	}
}

func txGet(tx *firestore.Transaction, ref *firestore.DocumentRef) (map[string]interface{}, error) {
	snap, err := tx.Get(ref)
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

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
