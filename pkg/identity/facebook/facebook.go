// Package facebook verifies Facebook user access tokens by calling the Graph API.
package facebook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// DefaultGraphURL is the Graph API base URL.
const DefaultGraphURL = "https://graph.facebook.com"

const (
	providerName   = identity.ProviderFacebook
	defaultTimeout = 10 * time.Second
	maxBody        = 1 << 20
)

// Config configures the verifier.
type Config struct {
	// GraphURL defaults to DefaultGraphURL.
	GraphURL string

	// HTTPClient is the base client; the bearer token is added on top of its
	// transport. Defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	Logger slotsync.Logger
}

// Verifier resolves an access token to the user's Graph profile.
type Verifier struct {
	meURL  string
	base   *http.Client
	logger slotsync.Logger
}

// New creates a Graph verifier.
func New(cfg Config) *Verifier {
	base := strings.TrimRight(strings.TrimSpace(cfg.GraphURL), "/")
	if base == "" {
		base = DefaultGraphURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &slotsync.NoopLogger{}
	}
	return &Verifier{meURL: base + "/me?fields=id,name,email", base: hc, logger: logger}
}

type meResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Verify implements identity.Verifier. Graph only returns confirmed emails,
// so a returned email counts as verified.
func (v *Verifier) Verify(ctx context.Context, accessToken string) (*identity.ExternalIdentity, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, slotsync.NewError(slotsync.CodeInvalidArgument, "missing access token", nil)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.meURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := client.Do(req)
	if err != nil {
		v.logger.Error("facebook graph call failed", slotsync.F("error", err))
		return nil, fmt.Errorf("%w: facebook graph: %v", slotsync.ErrUpstream, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: facebook graph: failed to read response: %v", slotsync.ErrUpstream, err)
	}

	var me meResponse
	decodeErr := json.Unmarshal(body, &me)
	if res.StatusCode < 200 || res.StatusCode >= 300 || me.Error != nil || decodeErr != nil {
		reason := "unknown error"
		if me.Error != nil && me.Error.Message != "" {
			reason = me.Error.Message
		}
		v.logger.Warn("facebook token rejected",
			slotsync.F("status", res.StatusCode),
			slotsync.F("reason", reason),
			slotsync.F("token", slotsync.TokenFingerprint(accessToken)),
		)
		return nil, identity.Rejected(providerName, reason, nil)
	}

	email := strings.TrimSpace(me.Email)
	if email == "" {
		return nil, slotsync.NewError(slotsync.CodeInvalidArgument,
			"facebook account has no email; add an email in facebook first", slotsync.ErrInvalidEmail)
	}
	return &identity.ExternalIdentity{
		Provider:      providerName,
		Subject:       me.ID,
		Email:         email,
		EmailVerified: true,
		Name:          me.Name,
	}, nil
}
