// Package identity implements the interactive identity flows: account lookup,
// external credential linking, password login, recovery and reset, and the
// sessions they issue.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/reviewseverywhere/slotsync/pkg/shopify/graphql"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Providers and login methods recorded on the account.
const (
	ProviderGoogle          = "google"
	ProviderFacebook        = "facebook"
	ProviderShopifyPassword = "shopify_password"

	MethodSocial   = "social"
	MethodPassword = "password"
)

const (
	defaultSessionTTL      = 14 * 24 * time.Hour
	defaultRecoverCooldown = 60 * time.Second
	minPasswordLength      = 8
)

// ExternalIdentity is the verified claim set of a social provider token.
type ExternalIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// Verifier checks a provider token. Rejected tokens return an error wrapping
// slotsync.ErrCredentialRejected.
type Verifier interface {
	Verify(ctx context.Context, token string) (*ExternalIdentity, error)
}

// Storefront is the subset of the storefront API the flows use.
type Storefront interface {
	CustomerAccessTokenCreate(ctx context.Context, email, password, buyerIP string) (*graphql.AccessToken,
		[]graphql.UserError, error)
	Customer(ctx context.Context, accessToken string) (*graphql.Customer, error)
	CustomerRecover(ctx context.Context, email, buyerIP string) ([]graphql.UserError, error)
	CustomerResetByURL(ctx context.Context, resetURL, password string) (*graphql.CustomerResult,
		[]graphql.UserError, error)
	CustomerActivateByURL(ctx context.Context, activationURL, password string) (*graphql.CustomerResult,
		[]graphql.UserError, error)
}

// Inviter sends account invite emails through the admin API.
type Inviter interface {
	SendAccountInvite(ctx context.Context, customerID string) ([]graphql.UserError, error)
}

// Config holds the service dependencies.
type Config struct {
	// Store, Reconciler, Binder and Sessions are required.
	Store      slotsync.Store
	Reconciler *slotsync.Reconciler
	Binder     *slotsync.Binder
	Sessions   SessionStore

	// Resolver defaults to a resolver over Store.
	Resolver *slotsync.Resolver

	// Throttle limits recovery emails per address. Recovery is unthrottled when nil.
	Throttle Throttle

	// Verifiers maps provider names ("google", "facebook") to token verifiers.
	Verifiers map[string]Verifier

	// Storefront enables login, recovery and reset. Those flows answer
	// failed-precondition when it is nil.
	Storefront Storefront

	// Admin enables the invite fallback of recovery. Optional.
	Admin Inviter

	// ShopDomain and LoginBase anchor relative reset links. LoginBase wins when set.
	ShopDomain string
	LoginBase  string

	// SessionTTL defaults to 14 days.
	SessionTTL time.Duration

	// RecoverCooldown defaults to 60s.
	RecoverCooldown time.Duration

	Options slotsync.Options
}

// Service runs the identity flows.
type Service struct {
	store      slotsync.Store
	resolver   *slotsync.Resolver
	reconciler *slotsync.Reconciler
	binder     *slotsync.Binder
	sessions   SessionStore
	throttle   Throttle
	verifiers  map[string]Verifier
	storefront Storefront
	admin      Inviter
	loginBase  string
	ttl        time.Duration
	cooldown   time.Duration
	logger     slotsync.Logger
	now        func() time.Time
}

// NewService creates an identity service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Reconciler == nil || cfg.Binder == nil || cfg.Sessions == nil {
		return nil, fmt.Errorf("%w: identity service requires store, reconciler, binder and sessions",
			slotsync.ErrNotConfigured)
	}
	opts := cfg.Options
	if opts.Logger == nil {
		opts.Logger = &slotsync.NoopLogger{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = slotsync.NewResolver(cfg.Store, opts)
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	cooldown := cfg.RecoverCooldown
	if cooldown <= 0 {
		cooldown = defaultRecoverCooldown
	}
	loginBase := normalizeBaseURL(cfg.LoginBase)
	if loginBase == "" {
		if d := graphql.NormalizeShopDomain(cfg.ShopDomain); d != "" {
			loginBase = "https://" + d
		}
	}
	verifiers := make(map[string]Verifier, len(cfg.Verifiers))
	for k, v := range cfg.Verifiers {
		if v != nil {
			verifiers[k] = v
		}
	}

	return &Service{
		store:      cfg.Store,
		resolver:   resolver,
		reconciler: cfg.Reconciler,
		binder:     cfg.Binder,
		sessions:   cfg.Sessions,
		throttle:   cfg.Throttle,
		verifiers:  verifiers,
		storefront: cfg.Storefront,
		admin:      cfg.Admin,
		loginBase:  loginBase,
		ttl:        ttl,
		cooldown:   cooldown,
		logger:     opts.Logger,
		now:        opts.Now,
	}, nil
}

// LookupResult describes the account an email resolves to.
type LookupResult struct {
	Found             bool                 `json:"found"`
	IsActive          bool                 `json:"isActive,omitempty"`
	PlanStatus        slotsync.PlanStatus  `json:"planStatus,omitempty"`
	AccountID         string               `json:"accountId,omitempty"`
	ShopifyCustomerID string               `json:"shopifyCustomerId,omitempty"`
	EmailLower        string               `json:"emailLower,omitempty"`
	SlotsNet          int                  `json:"slotsNet"`
	SlotsAvailable    int                  `json:"slotsAvailable"`
	AuthUID           string               `json:"authUid,omitempty"`
	Step              slotsync.ResolveStep `json:"-"`
}

// Lookup resolves an email to an account without the legacy raw-email step.
func (s *Service) Lookup(ctx context.Context, email string) (*LookupResult, error) {
	emailLower, err := slotsync.ValidateEmail(email)
	if err != nil {
		return nil, slotsync.NewError(slotsync.CodeInvalidArgument, "valid email is required", err)
	}

	res, err := s.resolver.Resolve(ctx, email)
	if err != nil {
		return nil, err
	}
	if !res.Found() {
		s.logger.Info("lookup found no account", slotsync.F("email", emailLower))
		return &LookupResult{Found: false, Step: slotsync.StepNone}, nil
	}

	a := res.Account
	status := slotsync.ParsePlanStatus(string(a.PlanStatus))
	out := &LookupResult{
		Found:             true,
		IsActive:          status == slotsync.PlanActive,
		PlanStatus:        status,
		AccountID:         a.ID,
		ShopifyCustomerID: a.ID,
		EmailLower:        firstNonEmpty(a.EmailLower, a.ShopifyEmailLower, emailLower),
		SlotsNet:          a.SlotsNet,
		SlotsAvailable:    a.SlotsAvailable,
		AuthUID:           a.AuthUID,
		Step:              res.Step,
	}
	s.logger.Info("lookup resolved account",
		slotsync.F("email", emailLower),
		slotsync.F("account_id", a.ID),
		slotsync.F("step", string(res.Step)),
		slotsync.F("index_degraded", res.IndexDegraded),
	)
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
