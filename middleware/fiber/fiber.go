// Package fiber provides Fiber middleware that admits only sessions of
// accounts with an active plan.
package fiber

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Locals keys set on admitted requests
const (
	AccountIDKey = "slotsync:accountID"
	SessionKey   = "slotsync:session"
)

// TokenExtractor extracts the session token from a Fiber context
// Return empty string if the caller sent none
type TokenExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Gate authorizes session tokens (required)
	Gate identity.Authorizer

	// GetToken extracts the session token
	// Default: FromBearer()
	GetToken TokenExtractor

	// OnUnauthorized is called when the session is missing or invalid
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx, err error) error

	// OnInactive is called when the plan is not active
	// If nil, returns 403 Forbidden
	OnInactive func(c *fiber.Ctx, account *slotsync.Account) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces the active-plan gate
func Middleware(cfg Config) fiber.Handler {
	if cfg.GetToken == nil {
		cfg.GetToken = FromBearer()
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = func(c *fiber.Ctx, err error) error {
			return respond(c, fiber.StatusUnauthorized, err)
		}
	}
	if cfg.OnInactive == nil {
		cfg.OnInactive = func(c *fiber.Ctx, _ *slotsync.Account) error {
			return respond(c, fiber.StatusForbidden,
				slotsync.NewError(slotsync.CodePermissionDenied, "plan not active", nil))
		}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(c *fiber.Ctx, err error) error {
			return respond(c, fiber.StatusInternalServerError, err)
		}
	}

	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		sess, acct, err := cfg.Gate.Authorize(ctx, cfg.GetToken(c))
		if err != nil {
			switch slotsync.CodeOf(err) {
			case slotsync.CodeUnauthenticated:
				return cfg.OnUnauthorized(c, err)
			case slotsync.CodePermissionDenied:
				return cfg.OnInactive(c, acct)
			default:
				return cfg.OnError(c, err)
			}
		}

		c.Locals(AccountIDKey, acct.ID)
		c.Locals(SessionKey, sess)
		c.SetUserContext(identity.WithAccountID(ctx, acct.ID))
		return c.Next()
	}
}

func respond(c *fiber.Ctx, status int, err error) error {
	msg := http.StatusText(status)
	var coded *slotsync.Error
	if status != fiber.StatusInternalServerError && errors.As(err, &coded) && coded.Msg != "" {
		msg = coded.Msg
	}
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{"code": string(slotsync.CodeOf(err)), "message": msg},
	})
}

// AccountID returns the account id the middleware admitted
func AccountID(c *fiber.Ctx) string {
	if id, ok := c.Locals(AccountIDKey).(string); ok {
		return id
	}
	return ""
}

// Session returns the session the middleware admitted
func Session(c *fiber.Ctx) *identity.Session {
	if sess, ok := c.Locals(SessionKey).(*identity.Session); ok {
		return sess
	}
	return nil
}

// FromBearer returns a TokenExtractor that reads "Authorization: Bearer <token>"
func FromBearer() TokenExtractor {
	return func(c *fiber.Ctx) string {
		return identity.BearerToken(c.Get(fiber.HeaderAuthorization))
	}
}

// FromHeader returns a TokenExtractor that reads a raw header
func FromHeader(headerName string) TokenExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromCookie returns a TokenExtractor that reads a cookie
func FromCookie(name string) TokenExtractor {
	return func(c *fiber.Ctx) string {
		return c.Cookies(name)
	}
}
