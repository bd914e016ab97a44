package slotsync

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ResolveStep names the resolution step that produced a match.
type ResolveStep string

const (
	StepNone              ResolveStep = "none"
	StepIndex             ResolveStep = "index"
	StepShopifyEmailLower ResolveStep = "shopifyEmailLower"
	StepShopifyEmail      ResolveStep = "shopifyEmail"
	StepEmailLower        ResolveStep = "emailLower"
	StepLegacyEmail       ResolveStep = "email"
)

// uniquenessProbe is the query limit that lets a step detect a duplicate.
const uniquenessProbe = 2

// Resolution is the result of an identity lookup. Account is nil when nothing matched.
type Resolution struct {
	Account *Account
	Step    ResolveStep

	// IndexDegraded is set when the index read failed and the lookup fell
	// back to the query steps.
	IndexDegraded bool
}

// Found reports whether an account was resolved.
func (r *Resolution) Found() bool { return r != nil && r.Account != nil }

// ResolveOption configures a single lookup.
type ResolveOption func(*resolveConfig)

type resolveConfig struct {
	legacy bool
}

// WithLegacyEmail enables the final raw-case email step used by auth-link flows.
func WithLegacyEmail() ResolveOption {
	return func(c *resolveConfig) { c.legacy = true }
}

// Resolver maps an email to at most one account. It never picks among
// several candidates and performs no writes.
type Resolver struct {
	store   Store
	logger  Logger
	metrics Metrics
}

// NewResolver creates a resolver over store.
func NewResolver(store Store, opts Options) *Resolver {
	opts = opts.withDefaults()
	return &Resolver{store: store, logger: opts.Logger, metrics: opts.Metrics}
}

// Resolve runs the resolution order: index, shopifyEmailLower, shopifyEmail,
// emailLower and, when enabled, the legacy raw email field.
func (r *Resolver) Resolve(ctx context.Context, email string, opts ...ResolveOption) (*Resolution, error) {
	var cfg resolveConfig
	for _, o := range opts {
		o(&cfg)
	}

	start := time.Now()
	res, err := r.resolve(ctx, email, cfg)
	step := StepNone
	if res != nil {
		step = res.Step
	}
	r.metrics.RecordResolution(string(step), time.Since(start), err)
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, rawEmail string, cfg resolveConfig) (*Resolution, error) {
	email := NormalizeEmail(rawEmail)
	if email == "" {
		return nil, ErrInvalidEmail
	}
	res := &Resolution{Step: StepNone}

	entry, err := r.store.GetEmailIndex(ctx, email)
	if err != nil {
		res.IndexDegraded = true
		r.logger.Warn("email index read failed, falling back to queries",
			Field{"email", email},
			Field{"error", err.Error()},
		)
	} else if entry != nil && entry.AccountID != "" {
		acct, err := r.store.GetAccount(ctx, entry.AccountID)
		if err != nil {
			return nil, fmt.Errorf("load indexed account %s: %w", entry.AccountID, err)
		}
		if acct != nil {
			if !accountClaimsEmail(acct, email) {
				conflict := &ConflictError{Field: string(StepIndex), Email: email, CandidateIDs: []string{acct.ID}}
				r.logConflict(conflict)
				return nil, conflict
			}
			res.Account, res.Step = acct, StepIndex
			return res, nil
		}
		r.logger.Warn("email index points at missing account",
			Field{"email", email},
			Field{"account_id", entry.AccountID},
		)
	}

	steps := []struct {
		step  ResolveStep
		field AccountField
		value string
	}{
		{StepShopifyEmailLower, FieldShopifyEmailLower, email},
		{StepShopifyEmail, FieldShopifyEmail, email},
		{StepEmailLower, FieldEmailLower, email},
	}
	if cfg.legacy {
		steps = append(steps, struct {
			step  ResolveStep
			field AccountField
			value string
		}{StepLegacyEmail, FieldEmail, strings.TrimSpace(rawEmail)})
	}

	for _, s := range steps {
		acct, err := r.findUnique(ctx, s.field, s.value)
		if err != nil {
			return nil, err
		}
		if acct != nil {
			res.Account, res.Step = acct, s.step
			r.logger.Debug("account resolved",
				Field{"email", email},
				Field{"step", string(s.step)},
				Field{"account_id", acct.ID},
			)
			return res, nil
		}
	}
	return res, nil
}

func (r *Resolver) findUnique(ctx context.Context, field AccountField, value string) (*Account, error) {
	if value == "" {
		return nil, nil
	}
	accts, err := r.store.FindAccounts(ctx, field, value, uniquenessProbe)
	if err != nil {
		return nil, fmt.Errorf("query accounts by %s: %w", field, err)
	}
	switch len(accts) {
	case 0:
		return nil, nil
	case 1:
		return accts[0], nil
	}
	ids := make([]string, 0, len(accts))
	for _, a := range accts {
		ids = append(ids, a.ID)
	}
	conflict := &ConflictError{Field: string(field), Email: value, CandidateIDs: ids}
	r.logConflict(conflict)
	return nil, conflict
}

func (r *Resolver) logConflict(c *ConflictError) {
	r.logger.Warn("identity conflict during resolution",
		Field{"field", c.Field},
		Field{"email", c.Email},
		Field{"candidate_ids", c.CandidateIDs},
	)
}

func accountClaimsEmail(a *Account, email string) bool {
	for _, v := range []string{a.EmailLower, a.Email, a.ShopifyEmailLower, a.ShopifyEmail} {
		if v != "" && NormalizeEmail(v) == email {
			return true
		}
	}
	return false
}
