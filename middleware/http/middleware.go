// Package http provides net/http middleware that admits only sessions of
// accounts with an active plan.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// TokenExtractor extracts the session token from an HTTP request
// Return empty string if the caller sent none
type TokenExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Gate authorizes session tokens (required)
	Gate identity.Authorizer

	// GetToken extracts the session token from the request
	// Default: FromBearer()
	GetToken TokenExtractor

	// OnUnauthorized is called when the session is missing or invalid
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request, err error)

	// OnInactive is called when the account exists but its plan is not active
	// If nil, returns 403 Forbidden
	OnInactive func(w http.ResponseWriter, r *http.Request, account *slotsync.Account)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that enforces the active-plan gate
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetToken == nil {
		config.GetToken = FromBearer()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, acct, err := config.Gate.Authorize(r.Context(), config.GetToken(r))
			if err != nil {
				switch slotsync.CodeOf(err) {
				case slotsync.CodeUnauthenticated:
					if config.OnUnauthorized != nil {
						config.OnUnauthorized(w, r, err)
					} else {
						writeError(w, http.StatusUnauthorized, err)
					}
				case slotsync.CodePermissionDenied:
					if config.OnInactive != nil {
						config.OnInactive(w, r, acct)
					} else {
						writeError(w, http.StatusForbidden, err)
					}
				default:
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						writeError(w, http.StatusInternalServerError, err)
					}
				}
				return
			}

			ctx := identity.WithAccountID(r.Context(), acct.ID)
			ctx = context.WithValue(ctx, SessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc handlers
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := http.StatusText(status)
	var coded *slotsync.Error
	if status != http.StatusInternalServerError && errors.As(err, &coded) && coded.Msg != "" {
		msg = coded.Msg
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": string(slotsync.CodeOf(err)), "message": msg},
	})
}

// ContextKey is a type for context keys
type ContextKey string

// SessionKey is the context key of the authorized *identity.Session
const SessionKey ContextKey = "slotsync:session"

// SessionFromContext returns the session the middleware admitted
func SessionFromContext(ctx context.Context) (*identity.Session, bool) {
	sess, ok := ctx.Value(SessionKey).(*identity.Session)
	return sess, ok && sess != nil
}

// FromBearer returns a TokenExtractor that reads "Authorization: Bearer <token>"
func FromBearer() TokenExtractor {
	return func(r *http.Request) string {
		return identity.BearerToken(r.Header.Get("Authorization"))
	}
}

// FromHeader returns a TokenExtractor that reads a raw header
func FromHeader(headerName string) TokenExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromCookie returns a TokenExtractor that reads a cookie
func FromCookie(name string) TokenExtractor {
	return func(r *http.Request) string {
		c, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return c.Value
	}
}
