// Package gin provides Gin middleware that admits only sessions of accounts
// with an active plan.
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Context keys set on admitted requests
const (
	AccountIDKey = "slotsync:accountID"
	SessionKey   = "slotsync:session"
)

// TokenExtractor extracts the session token from a Gin context
// Return empty string if the caller sent none
type TokenExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Gate authorizes session tokens (required)
	Gate identity.Authorizer

	// GetToken extracts the session token
	// Default: FromBearer()
	GetToken TokenExtractor

	// OnUnauthorized is called when the session is missing or invalid
	// If nil, aborts with 401 Unauthorized
	OnUnauthorized func(c *gongin.Context, err error)

	// OnInactive is called when the plan is not active
	// If nil, aborts with 403 Forbidden
	OnInactive func(c *gongin.Context, account *slotsync.Account)

	// OnError is called when an internal error occurs
	// If nil, aborts with 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces the active-plan gate
func Middleware(config Config) gongin.HandlerFunc {
	if config.GetToken == nil {
		config.GetToken = FromBearer()
	}
	if config.OnUnauthorized == nil {
		config.OnUnauthorized = func(c *gongin.Context, err error) { abort(c, http.StatusUnauthorized, err) }
	}
	if config.OnInactive == nil {
		config.OnInactive = defaultInactive
	}
	if config.OnError == nil {
		config.OnError = func(c *gongin.Context, err error) { abort(c, http.StatusInternalServerError, err) }
	}

	return func(c *gongin.Context) {
		ctx := c.Request.Context()
		sess, acct, err := config.Gate.Authorize(ctx, config.GetToken(c))
		if err != nil {
			switch slotsync.CodeOf(err) {
			case slotsync.CodeUnauthenticated:
				config.OnUnauthorized(c, err)
			case slotsync.CodePermissionDenied:
				config.OnInactive(c, acct)
			default:
				config.OnError(c, err)
			}
			if !c.IsAborted() {
				c.Abort()
			}
			return
		}

		c.Set(AccountIDKey, acct.ID)
		c.Set(SessionKey, sess)
		c.Request = c.Request.WithContext(identity.WithAccountID(ctx, acct.ID))
		c.Next()
	}
}

func defaultInactive(c *gongin.Context, _ *slotsync.Account) {
	abort(c, http.StatusForbidden, slotsync.NewError(slotsync.CodePermissionDenied, "plan not active", nil))
}

func abort(c *gongin.Context, status int, err error) {
	msg := http.StatusText(status)
	var coded *slotsync.Error
	if status != http.StatusInternalServerError && errors.As(err, &coded) && coded.Msg != "" {
		msg = coded.Msg
	}
	c.AbortWithStatusJSON(status, gongin.H{
		"error": gongin.H{"code": string(slotsync.CodeOf(err)), "message": msg},
	})
}

// AccountID returns the account id the middleware admitted
func AccountID(c *gongin.Context) string {
	return c.GetString(AccountIDKey)
}

// Session returns the session the middleware admitted
func Session(c *gongin.Context) *identity.Session {
	if val, exists := c.Get(SessionKey); exists {
		if sess, ok := val.(*identity.Session); ok {
			return sess
		}
	}
	return nil
}

// FromBearer returns a TokenExtractor that reads "Authorization: Bearer <token>"
func FromBearer() TokenExtractor {
	return func(c *gongin.Context) string {
		return identity.BearerToken(c.GetHeader("Authorization"))
	}
}

// FromHeader returns a TokenExtractor that reads a raw header
func FromHeader(headerName string) TokenExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromCookie returns a TokenExtractor that reads a cookie
func FromCookie(name string) TokenExtractor {
	return func(c *gongin.Context) string {
		v, err := c.Cookie(name)
		if err != nil {
			return ""
		}
		return v
	}
}
