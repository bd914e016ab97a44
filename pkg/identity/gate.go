package identity

import (
	"context"
	"strings"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Authorizer checks a session token. *Gate implements it.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (*Session, *slotsync.Account, error)
}

// Gate admits callers whose session belongs to an account with an active
// plan. The account is read on every call, so a refund takes effect on the
// next request.
type Gate struct {
	sessions SessionStore
	store    slotsync.Store
	logger   slotsync.Logger
}

// NewGate creates a gate. logger may be nil.
func NewGate(sessions SessionStore, store slotsync.Store, logger slotsync.Logger) *Gate {
	if logger == nil {
		logger = &slotsync.NoopLogger{}
	}
	return &Gate{sessions: sessions, store: store, logger: logger}
}

// Authorize checks a bearer token. Missing or unknown sessions are
// unauthenticated; accounts without an active plan are permission-denied.
func (g *Gate) Authorize(ctx context.Context, token string) (*Session, *slotsync.Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, slotsync.NewError(slotsync.CodeUnauthenticated, "missing session token", nil)
	}
	sess, err := g.sessions.Get(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, slotsync.NewError(slotsync.CodeUnauthenticated, "invalid or expired session", nil)
	}

	acct, err := g.store.GetAccount(ctx, sess.AccountID)
	if err != nil {
		return nil, nil, err
	}
	if acct == nil {
		g.logger.Warn("session account missing",
			slotsync.F("account_id", sess.AccountID),
			slotsync.F("token", slotsync.TokenFingerprint(token)),
		)
		return nil, nil, slotsync.NewError(slotsync.CodeUnauthenticated, "invalid or expired session",
			slotsync.ErrAccountNotFound)
	}
	if acct.PlanStatus != slotsync.PlanActive {
		return sess, acct, slotsync.NewError(slotsync.CodePermissionDenied, "plan not active", slotsync.ErrPlanNotActive)
	}
	return sess, acct, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

type ctxKey struct{}

// WithAccountID returns a context carrying the authorized account id.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, accountID)
}

// AccountIDFromContext returns the account id stored by the gate middleware.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
