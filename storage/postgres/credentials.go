package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Credentials implements slotsync.CredentialStore on the auth_credentials table.
// Email uniqueness is enforced by a unique constraint.
type Credentials struct {
	s *Store
}

// Credentials returns a credential store sharing the store's pool.
func (s *Store) Credentials() *Credentials {
	return &Credentials{s: s}
}

const selectCredential = `SELECT uid, COALESCE(email, ''), email_verified, disabled, created_at, updated_at
	FROM auth_credentials`

func scanCredential(row pgx.Row) (*slotsync.Credential, error) {
	var c slotsync.Credential
	err := row.Scan(&c.UID, &c.Email, &c.EmailVerified, &c.Disabled, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCredential implements slotsync.CredentialStore
func (c *Credentials) GetCredential(ctx context.Context, uid string) (*slotsync.Credential, error) {
	cred, err := scanCredential(c.s.pool.QueryRow(ctx, selectCredential+` WHERE uid = $1`, uid))
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// GetCredentialByEmail implements slotsync.CredentialStore
func (c *Credentials) GetCredentialByEmail(ctx context.Context, email string) (*slotsync.Credential, error) {
	email = slotsync.NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	cred, err := scanCredential(c.s.pool.QueryRow(ctx, selectCredential+` WHERE email = $1`, email))
	if err != nil {
		return nil, fmt.Errorf("failed to get credential by email: %w", err)
	}
	return cred, nil
}

// CreateCredential implements slotsync.CredentialStore
func (c *Credentials) CreateCredential(ctx context.Context, cred *slotsync.Credential) error {
	now := time.Now().UTC()
	_, err := c.s.pool.Exec(ctx,
		`INSERT INTO auth_credentials (uid, email, email_verified, disabled, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`,
		cred.UID, slotsync.NormalizeEmail(cred.Email), cred.EmailVerified, cred.Disabled,
		orNow(cred.CreatedAt, now), orNow(cred.UpdatedAt, now))
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == "auth_credentials_pkey" {
				return slotsync.ErrCredentialExists
			}
			return slotsync.ErrEmailTaken
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// UpdateCredentialEmail implements slotsync.CredentialStore
func (c *Credentials) UpdateCredentialEmail(ctx context.Context, uid, email string) error {
	tag, err := c.s.pool.Exec(ctx,
		`UPDATE auth_credentials SET email = NULLIF($2, ''), updated_at = $3 WHERE uid = $1`,
		uid, slotsync.NormalizeEmail(email), time.Now().UTC())
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return slotsync.ErrEmailTaken
		}
		return fmt.Errorf("failed to update credential email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return slotsync.ErrCredentialNotFound
	}
	return nil
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
