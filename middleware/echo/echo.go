// Package echo provides Echo middleware that admits only sessions of
// accounts with an active plan.
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Context keys set on admitted requests
const (
	AccountIDKey = "slotsync:accountID"
	SessionKey   = "slotsync:session"
)

// TokenExtractor extracts the session token from an Echo context
// Return empty string if the caller sent none
type TokenExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Gate authorizes session tokens (required)
	Gate identity.Authorizer

	// GetToken extracts the session token
	// Default: FromBearer()
	GetToken TokenExtractor

	// OnUnauthorized is called when the session is missing or invalid
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context, err error) error

	// OnInactive is called when the plan is not active
	// If nil, returns 403 Forbidden
	OnInactive func(c echo.Context, account *slotsync.Account) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces the active-plan gate
func Middleware(config Config) echo.MiddlewareFunc {
	if config.GetToken == nil {
		config.GetToken = FromBearer()
	}
	if config.OnUnauthorized == nil {
		config.OnUnauthorized = func(c echo.Context, err error) error {
			return respond(c, http.StatusUnauthorized, err)
		}
	}
	if config.OnInactive == nil {
		config.OnInactive = func(c echo.Context, _ *slotsync.Account) error {
			return respond(c, http.StatusForbidden,
				slotsync.NewError(slotsync.CodePermissionDenied, "plan not active", nil))
		}
	}
	if config.OnError == nil {
		config.OnError = func(c echo.Context, err error) error {
			return respond(c, http.StatusInternalServerError, err)
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			sess, acct, err := config.Gate.Authorize(req.Context(), config.GetToken(c))
			if err != nil {
				switch slotsync.CodeOf(err) {
				case slotsync.CodeUnauthenticated:
					return config.OnUnauthorized(c, err)
				case slotsync.CodePermissionDenied:
					return config.OnInactive(c, acct)
				default:
					return config.OnError(c, err)
				}
			}

			c.Set(AccountIDKey, acct.ID)
			c.Set(SessionKey, sess)
			c.SetRequest(req.WithContext(identity.WithAccountID(req.Context(), acct.ID)))
			return next(c)
		}
	}
}

func respond(c echo.Context, status int, err error) error {
	msg := http.StatusText(status)
	var coded *slotsync.Error
	if status != http.StatusInternalServerError && errors.As(err, &coded) && coded.Msg != "" {
		msg = coded.Msg
	}
	return c.JSON(status, map[string]map[string]string{
		"error": {"code": string(slotsync.CodeOf(err)), "message": msg},
	})
}

// AccountID returns the account id the middleware admitted
func AccountID(c echo.Context) string {
	if id, ok := c.Get(AccountIDKey).(string); ok {
		return id
	}
	return ""
}

// Session returns the session the middleware admitted
func Session(c echo.Context) *identity.Session {
	if sess, ok := c.Get(SessionKey).(*identity.Session); ok {
		return sess
	}
	return nil
}

// FromBearer returns a TokenExtractor that reads "Authorization: Bearer <token>"
func FromBearer() TokenExtractor {
	return func(c echo.Context) string {
		return identity.BearerToken(c.Request().Header.Get("Authorization"))
	}
}

// FromHeader returns a TokenExtractor that reads a raw header
func FromHeader(headerName string) TokenExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromCookie returns a TokenExtractor that reads a cookie
func FromCookie(name string) TokenExtractor {
	return func(c echo.Context) string {
		ck, err := c.Cookie(name)
		if err != nil {
			return ""
		}
		return ck.Value
	}
}
