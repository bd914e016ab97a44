package slotsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.jetify.com/typeid/v2"
)

// CredentialPrefix is the TypeID prefix of generated credential ids.
const CredentialPrefix = "usr"

// Binder binds verified emails to external auth credentials. It never merges
// two credentials; an email owned by another credential is a conflict.
type Binder struct {
	creds  CredentialStore
	logger Logger
	now    func() time.Time
}

// NewBinder creates a binder over a credential store.
func NewBinder(creds CredentialStore, opts Options) *Binder {
	opts = opts.withDefaults()
	return &Binder{creds: creds, logger: opts.Logger, now: opts.Now}
}

// EnsureForAccount guarantees a credential whose id equals accountID and
// whose email is verifiedEmail. Used by interactive login flows.
func (b *Binder) EnsureForAccount(ctx context.Context, accountID, verifiedEmail string) (*Credential, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id required", ErrInvalidArgument)
	}
	email := NormalizeEmail(verifiedEmail)
	if email == "" {
		return nil, ErrInvalidEmail
	}

	cred, err := b.creds.GetCredential(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", accountID, err)
	}

	if cred == nil {
		if err := b.ensureEmailFree(ctx, email, accountID); err != nil {
			return nil, err
		}
		now := b.now()
		cred = &Credential{UID: accountID, Email: email, EmailVerified: true, CreatedAt: now, UpdatedAt: now}
		err := b.creds.CreateCredential(ctx, cred)
		switch {
		case err == nil:
			b.logger.Info("credential created",
				Field{"uid", accountID},
				Field{"email", email},
				Field{"mode", "deterministic"},
			)
			return cred, nil
		case errors.Is(err, ErrCredentialExists):
			// created concurrently; fall through to the email check
			if cred, err = b.creds.GetCredential(ctx, accountID); err != nil {
				return nil, fmt.Errorf("get credential %s: %w", accountID, err)
			}
			if cred == nil {
				return nil, fmt.Errorf("credential %s vanished after create race", accountID)
			}
		case errors.Is(err, ErrEmailTaken):
			return nil, b.conflict(email, accountID, "")
		default:
			return nil, fmt.Errorf("create credential %s: %w", accountID, err)
		}
	}

	if NormalizeEmail(cred.Email) == email {
		return cred, nil
	}

	if err := b.ensureEmailFree(ctx, email, accountID); err != nil {
		return nil, err
	}
	if err := b.creds.UpdateCredentialEmail(ctx, accountID, email); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, b.conflict(email, accountID, "")
		}
		return nil, fmt.Errorf("update credential email %s: %w", accountID, err)
	}
	b.logger.Info("credential email updated",
		Field{"uid", accountID},
		Field{"old_email", cred.Email},
		Field{"email", email},
	)
	updated := *cred
	updated.Email = email
	updated.UpdatedAt = b.now()
	return &updated, nil
}

// EnsureByEmail reuses the credential that owns email or creates one with a
// generated id. Used by webhook provisioning, where no login proves the id.
func (b *Binder) EnsureByEmail(ctx context.Context, verifiedEmail string) (*Credential, error) {
	email := NormalizeEmail(verifiedEmail)
	if email == "" {
		return nil, ErrInvalidEmail
	}

	existing, err := b.creds.GetCredentialByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("get credential by email: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	tid, err := typeid.Generate(CredentialPrefix)
	if err != nil {
		return nil, fmt.Errorf("generate credential id: %w", err)
	}
	now := b.now()
	cred := &Credential{UID: tid.String(), Email: email, CreatedAt: now, UpdatedAt: now}
	if err := b.creds.CreateCredential(ctx, cred); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			// lost a race against another provisioner for the same email
			if existing, err = b.creds.GetCredentialByEmail(ctx, email); err == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create credential: %w", err)
	}
	b.logger.Info("credential created",
		Field{"uid", cred.UID},
		Field{"email", email},
		Field{"mode", "provisioned"},
	)
	return cred, nil
}

func (b *Binder) ensureEmailFree(ctx context.Context, email, uid string) error {
	owner, err := b.creds.GetCredentialByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("get credential by email: %w", err)
	}
	if owner != nil && owner.UID != uid {
		return b.conflict(email, uid, owner.UID)
	}
	return nil
}

func (b *Binder) conflict(email, uid, ownerUID string) error {
	b.logger.Warn("credential email owned by another credential",
		Field{"email", email},
		Field{"uid", uid},
		Field{"owner_uid", ownerUID},
	)
	return fmt.Errorf("bind %s to %s: %w", email, uid, ErrEmailTaken)
}
