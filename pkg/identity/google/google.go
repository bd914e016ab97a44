// Package google verifies Google ID tokens for the credential link flow.
package google

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

const (
	// Issuer is the canonical Google issuer.
	Issuer = "https://accounts.google.com"

	// CertsURL serves Google's signing keys.
	CertsURL = "https://www.googleapis.com/oauth2/v3/certs"

	providerName = identity.ProviderGoogle
)

// Google tokens carry either issuer form.
var issuers = map[string]bool{
	Issuer:                true,
	"accounts.google.com": true,
}

// Verifier checks ID tokens against a list of allowed client ids (web, iOS,
// Android).
type Verifier struct {
	verifier  *oidc.IDTokenVerifier
	audiences map[string]bool
	logger    slotsync.Logger
}

// New creates a verifier backed by Google's published keys. ctx bounds key
// fetches for the lifetime of the verifier.
func New(ctx context.Context, audiences []string, logger slotsync.Logger) (*Verifier, error) {
	return NewWithKeySet(oidc.NewRemoteKeySet(ctx, CertsURL), audiences, logger)
}

// NewWithKeySet creates a verifier over an explicit key set.
func NewWithKeySet(keys oidc.KeySet, audiences []string, logger slotsync.Logger) (*Verifier, error) {
	allowed := make(map[string]bool, len(audiences))
	for _, a := range audiences {
		if a = strings.TrimSpace(a); a != "" {
			allowed[a] = true
		}
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: google client ids are not set", slotsync.ErrNotConfigured)
	}
	if logger == nil {
		logger = &slotsync.NoopLogger{}
	}
	// Issuer and audience are checked below against the allowed sets.
	v := oidc.NewVerifier(Issuer, keys, &oidc.Config{SkipClientIDCheck: true, SkipIssuerCheck: true})
	return &Verifier{verifier: v, audiences: allowed, logger: logger}, nil
}

type claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// Verify implements identity.Verifier.
func (v *Verifier) Verify(ctx context.Context, rawIDToken string) (*identity.ExternalIdentity, error) {
	tok, err := v.verifier.Verify(ctx, strings.TrimSpace(rawIDToken))
	if err != nil {
		return nil, identity.Rejected(providerName, "id token verification failed", err)
	}
	if !issuers[tok.Issuer] {
		return nil, identity.Rejected(providerName, "unexpected issuer", nil)
	}
	if !v.allowedAudience(tok.Audience) {
		v.logger.Warn("google audience not allowed", slotsync.F("audience", tok.Audience))
		return nil, identity.Rejected(providerName, "audience not allowed", nil)
	}

	var c claims
	if err := tok.Claims(&c); err != nil {
		return nil, identity.Rejected(providerName, "unreadable claims", err)
	}
	email := strings.TrimSpace(c.Email)
	if email == "" || !c.EmailVerified {
		return nil, identity.Rejected(providerName, "email missing or not verified", nil)
	}

	v.logger.Info("google id token verified",
		slotsync.F("subject_present", c.Subject != ""),
		slotsync.F("email_verified", c.EmailVerified),
		slotsync.F("expiry_unix", tok.Expiry.Unix()),
	)
	return &identity.ExternalIdentity{
		Provider:      providerName,
		Subject:       c.Subject,
		Email:         email,
		EmailVerified: true,
		Name:          c.Name,
	}, nil
}

func (v *Verifier) allowedAudience(aud []string) bool {
	for _, a := range aud {
		if v.audiences[a] {
			return true
		}
	}
	return false
}
