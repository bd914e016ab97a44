package slotsync

import (
	"context"
	"time"
)

// Store defines the persistence boundary of the engine.
// Single-document reads return (nil, nil) when the document does not exist.
type Store interface {
	// RunTransaction runs fn inside one serializable transaction.
	// fn may be invoked more than once when the store retries on contention,
	// so it must not have side effects outside tx.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetAccount reads an account outside any transaction.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// GetEmailIndex reads the index entry for a normalized email.
	GetEmailIndex(ctx context.Context, emailLower string) (*EmailIndexEntry, error)

	// FindAccounts returns up to limit accounts whose field equals value exactly.
	FindAccounts(ctx context.Context, field AccountField, value string, limit int) ([]*Account, error)

	// GetWebhookEvent reads an idempotency record.
	GetWebhookEvent(ctx context.Context, key string) (*WebhookEvent, error)

	// GetOrder reads an order snapshot.
	GetOrder(ctx context.Context, orderID string) (*OrderRecord, error)

	// GetRefund reads a refund snapshot.
	GetRefund(ctx context.Context, refundID string) (*RefundRecord, error)

	// ListIdentityConflicts returns up to limit conflict records, newest first.
	ListIdentityConflicts(ctx context.Context, limit int) ([]*IdentityConflict, error)
}

// Tx is a transaction handle. Every read must be issued before the first write;
// implementations return ErrReadAfterWrite otherwise.
type Tx interface {
	GetAccount(id string) (*Account, error)
	GetEmailIndex(emailLower string) (*EmailIndexEntry, error)
	GetWebhookEvent(key string) (*WebhookEvent, error)
	GetOrder(orderID string) (*OrderRecord, error)
	GetRefund(refundID string) (*RefundRecord, error)

	PutAccount(a *Account) error
	PutEmailIndex(e *EmailIndexEntry) error
	DeleteEmailIndex(emailLower string) error
	PutIdentityConflict(c *IdentityConflict) error
	PutWebhookEvent(e *WebhookEvent) error
	PutOrder(o *OrderRecord) error
	PutRefund(r *RefundRecord) error
}

// CredentialStore holds external authentication identities.
// Emails are unique across credentials.
type CredentialStore interface {
	// GetCredential returns nil when no credential has the uid.
	GetCredential(ctx context.Context, uid string) (*Credential, error)

	// GetCredentialByEmail returns nil when no credential owns the email.
	GetCredentialByEmail(ctx context.Context, email string) (*Credential, error)

	// CreateCredential returns ErrCredentialExists or ErrEmailTaken on collision.
	CreateCredential(ctx context.Context, c *Credential) error

	// UpdateCredentialEmail returns ErrEmailTaken when another credential owns email.
	UpdateCredentialEmail(ctx context.Context, uid, email string) error
}

// Options carries the ambient collaborators shared by the engine components.
type Options struct {
	// Logger receives structured decision logs. Defaults to NoopLogger.
	Logger Logger

	// Metrics records engine counters. Defaults to NoopMetrics.
	Metrics Metrics

	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = &NoopLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = &NoopMetrics{}
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}
