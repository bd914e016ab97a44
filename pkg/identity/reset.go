package identity

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/reviewseverywhere/slotsync/pkg/shopify/graphql"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// ResetRequest carries a reset or activation deep link and the new password.
type ResetRequest struct {
	URL      string
	Password string
}

// ResetResult is the outcome of a successful reset or activation.
type ResetResult struct {
	OK          bool   `json:"ok"`
	CustomerID  string `json:"customerId,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

// Account link kinds.
const (
	LinkReset    = "reset"
	LinkActivate = "activate"
	LinkUnknown  = "unknown"
)

var (
	schemeRe = regexp.MustCompile(`(?i)^https?://`)
	wwwRe    = regexp.MustCompile(`(?i)^www\.`)
)

// Reset sets a password from a reset link, or the first password from an
// activation link.
func (s *Service) Reset(ctx context.Context, req ResetRequest) (*ResetResult, error) {
	if s.storefront == nil {
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition,
			"password reset is not configured", slotsync.ErrNotConfigured)
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, slotsync.NewError(slotsync.CodeInvalidArgument, "reset or activation url is required", nil)
	}
	password := strings.TrimSpace(req.Password)
	if len(password) < minPasswordLength {
		return nil, slotsync.NewError(slotsync.CodeInvalidArgument, "password must be at least 8 characters", nil)
	}

	link, ok := NormalizeAccountURL(req.URL, s.loginBase)
	if !ok {
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition,
			"invalid link; expected the full reset or activation url", nil)
	}

	var (
		res      *graphql.CustomerResult
		userErrs []graphql.UserError
		err      error
	)
	kind := LinkKind(link)
	s.logger.Info("password reset requested", slotsync.F("kind", kind))
	switch kind {
	case LinkReset:
		res, userErrs, err = s.storefront.CustomerResetByURL(ctx, link, password)
	case LinkActivate:
		res, userErrs, err = s.storefront.CustomerActivateByURL(ctx, link, password)
	default:
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition,
			"invalid url; expected /account/reset/... or /account/activate/...", nil)
	}
	if err != nil {
		return nil, slotsync.NewError(slotsync.CodeInternal, "unable to set password", err)
	}
	if len(userErrs) > 0 {
		s.logger.Warn("password reset rejected", slotsync.F("kind", kind), slotsync.F("user_errors", userErrs))
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition, "token is invalid or expired", nil)
	}

	out := &ResetResult{OK: true}
	if res.Customer != nil {
		if id, ok := graphql.ParseCustomerGID(res.Customer.ID); ok {
			out.CustomerID = id
		}
	}
	if res.AccessToken != nil {
		out.AccessToken = res.AccessToken.AccessToken
		out.ExpiresAt = res.AccessToken.ExpiresAt
	}

	if out.CustomerID != "" {
		found, err := s.reconciler.MarkPasswordSet(ctx, out.CustomerID)
		if err != nil {
			s.logger.Warn("password set audit failed", slotsync.F("account_id", out.CustomerID), slotsync.F("error", err))
		} else if !found {
			s.logger.Info("password set for unknown account", slotsync.F("account_id", out.CustomerID))
		}
	}
	return out, nil
}

// NormalizeAccountURL turns a deep-link token into an absolute account URL.
// It accepts absolute URLs, www-prefixed hosts, absolute paths and
// account/reset/ or account/activate/ relative paths.
func NormalizeAccountURL(raw, base string) (string, bool) {
	decoded, err := url.PathUnescape(strings.TrimSpace(raw))
	if err != nil {
		decoded = raw
	}
	decoded = strings.TrimSpace(decoded)
	base = normalizeBaseURL(base)

	switch {
	case decoded == "":
		return "", false
	case schemeRe.MatchString(decoded):
		return decoded, true
	case wwwRe.MatchString(decoded):
		return "https://" + decoded, true
	case base == "":
		return "", false
	case strings.HasPrefix(decoded, "/"):
		return base + decoded, true
	case strings.HasPrefix(decoded, "account/reset/"), strings.HasPrefix(decoded, "account/activate/"):
		return base + "/" + decoded, true
	}
	return "", false
}

// LinkKind classifies an account URL.
func LinkKind(u string) string {
	switch {
	case strings.Contains(u, "/account/reset/"):
		return LinkReset
	case strings.Contains(u, "/account/activate/"):
		return LinkActivate
	}
	return LinkUnknown
}

func normalizeBaseURL(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}
