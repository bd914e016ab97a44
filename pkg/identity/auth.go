package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reviewseverywhere/slotsync/pkg/shopify/graphql"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// LinkRequest carries a social provider token. Google sends IDToken,
// Facebook sends AccessToken.
type LinkRequest struct {
	Provider    string
	IDToken     string
	AccessToken string
}

// LoginRequest carries platform credentials.
type LoginRequest struct {
	Email    string
	Password string
	BuyerIP  string
}

// SessionResult is returned by the flows that sign a caller in.
type SessionResult struct {
	OK           bool                `json:"ok"`
	AccountID    string              `json:"accountId"`
	PlanStatus   slotsync.PlanStatus `json:"planStatus"`
	SessionToken string              `json:"sessionToken"`
	ExpiresAt    time.Time           `json:"expiresAt"`
}

// Link verifies a social token and binds it to the account that owns the
// verified email. The account must be active and its commerce email must
// equal the social email.
func (s *Service) Link(ctx context.Context, req LinkRequest) (*SessionResult, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	var token string
	switch provider {
	case ProviderGoogle:
		token = strings.TrimSpace(req.IDToken)
	case ProviderFacebook:
		token = strings.TrimSpace(req.AccessToken)
	case "":
		return nil, slotsync.NewError(slotsync.CodeInvalidArgument, "provider is required (google|facebook)", nil)
	default:
		return nil, slotsync.NewError(slotsync.CodeInvalidArgument, "provider must be google|facebook", nil)
	}
	if token == "" {
		return nil, slotsync.NewError(slotsync.CodeInvalidArgument, "missing provider token", nil)
	}
	verifier, ok := s.verifiers[provider]
	if !ok {
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition,
			provider+" sign-in is not configured", slotsync.ErrNotConfigured)
	}

	ident, err := verifier.Verify(ctx, token)
	if err != nil {
		s.logger.Warn("provider token rejected", slotsync.F("provider", provider), slotsync.F("error", err))
		return nil, err
	}
	email := slotsync.NormalizeEmail(ident.Email)
	if email == "" || !ident.EmailVerified {
		return nil, slotsync.NewError(slotsync.CodePermissionDenied,
			"provider email missing or not verified", slotsync.ErrCredentialRejected)
	}

	res, err := s.resolver.Resolve(ctx, ident.Email, slotsync.WithLegacyEmail())
	if err != nil {
		return nil, err
	}
	if !res.Found() {
		return nil, slotsync.NewError(slotsync.CodeNotFound,
			"no account found for this email; purchase on the website first", slotsync.ErrAccountNotFound)
	}
	acct := res.Account

	if acct.PlanStatus != slotsync.PlanActive {
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition,
			fmt.Sprintf("account not active (planStatus=%s)", slotsync.ParsePlanStatus(string(acct.PlanStatus))),
			slotsync.ErrPlanNotActive)
	}

	shopifyEmail := firstNonEmpty(acct.ShopifyEmailLower, slotsync.NormalizeEmail(acct.ShopifyEmail))
	if shopifyEmail == "" {
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition, "account is missing its commerce email", nil)
	}
	if shopifyEmail != email {
		s.logger.Warn("social email does not match commerce email",
			slotsync.F("account_id", acct.ID),
			slotsync.F("provider", provider),
			slotsync.F("email", email),
		)
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition,
			"email mismatch; social login email must match the store email", nil)
	}

	cred, err := s.binder.EnsureForAccount(ctx, acct.ID, email)
	if err != nil {
		return nil, err
	}
	if err := s.reconciler.RecordLogin(ctx, acct.ID, cred.UID, MethodSocial, provider); err != nil {
		return nil, err
	}

	s.logger.Info("external credential linked",
		slotsync.F("account_id", acct.ID),
		slotsync.F("provider", provider),
		slotsync.F("step", string(res.Step)),
	)
	return s.issue(ctx, acct, cred.UID, provider)
}

// Login signs a caller in with platform email and password.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*SessionResult, error) {
	if s.storefront == nil {
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition,
			"password login is not configured", slotsync.ErrNotConfigured)
	}
	emailLower, err := slotsync.ValidateEmail(req.Email)
	if err != nil {
		return nil, slotsync.NewError(slotsync.CodeInvalidArgument, "valid email is required", err)
	}
	if req.Password == "" {
		return nil, slotsync.NewError(slotsync.CodeInvalidArgument, "password is required", nil)
	}

	tok, userErrs, err := s.storefront.CustomerAccessTokenCreate(ctx, strings.TrimSpace(req.Email), req.Password, req.BuyerIP)
	if err != nil {
		return nil, slotsync.NewError(slotsync.CodeInternal, "login failed", err)
	}
	if len(userErrs) > 0 || tok == nil || tok.AccessToken == "" {
		s.logger.Info("login rejected", slotsync.F("email", emailLower), slotsync.F("user_errors", len(userErrs)))
		return nil, slotsync.NewError(slotsync.CodeUnauthenticated, "invalid email or password",
			slotsync.ErrInvalidCredentials)
	}

	cust, err := s.storefront.Customer(ctx, tok.AccessToken)
	if err != nil {
		return nil, slotsync.NewError(slotsync.CodeInternal, "login failed", err)
	}
	var gid string
	if cust != nil {
		gid = cust.ID
	}
	customerID, ok := graphql.ParseCustomerGID(gid)
	if !ok {
		s.logger.Error("login customer id missing", slotsync.F("gid", gid))
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition, "unable to resolve store customer", nil)
	}

	acct, err := s.store.GetAccount(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition,
			"account not found yet; if you purchased recently, try again shortly", slotsync.ErrAccountNotFound)
	}
	if acct.PlanStatus != slotsync.PlanActive {
		return nil, slotsync.NewError(slotsync.CodePermissionDenied,
			fmt.Sprintf("account not active (planStatus=%s)", slotsync.ParsePlanStatus(string(acct.PlanStatus))),
			slotsync.ErrPlanNotActive)
	}

	credEmail := emailLower
	if cust.Email != "" {
		credEmail = cust.Email
	}
	cred, err := s.binder.EnsureForAccount(ctx, acct.ID, credEmail)
	if err != nil {
		return nil, err
	}
	if err := s.reconciler.RecordLogin(ctx, acct.ID, cred.UID, MethodPassword, ProviderShopifyPassword); err != nil {
		return nil, err
	}

	s.logger.Info("password login succeeded", slotsync.F("account_id", acct.ID))
	return s.issue(ctx, acct, cred.UID, ProviderShopifyPassword)
}

func (s *Service) issue(ctx context.Context, acct *slotsync.Account, uid, provider string) (*SessionResult, error) {
	token, err := NewSessionToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	sess := &Session{
		Token:         token,
		AccountID:     acct.ID,
		CredentialUID: uid,
		Provider:      provider,
		PlanStatus:    acct.PlanStatus,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &SessionResult{
		OK:           true,
		AccountID:    acct.ID,
		PlanStatus:   acct.PlanStatus,
		SessionToken: token,
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

// Logout deletes a session. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	if err := s.sessions.Delete(ctx, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Rejected builds the permission-denied error verifiers return for a bad token.
func Rejected(provider, reason string, cause error) error {
	msg := provider + " token rejected"
	if reason != "" {
		msg += ": " + reason
	}
	if cause != nil && !errors.Is(cause, slotsync.ErrCredentialRejected) {
		return slotsync.NewError(slotsync.CodePermissionDenied, msg,
			fmt.Errorf("%w: %v", slotsync.ErrCredentialRejected, cause))
	}
	return slotsync.NewError(slotsync.CodePermissionDenied, msg, slotsync.ErrCredentialRejected)
}
