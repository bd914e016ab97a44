package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

const (
	defaultRateLimit       = 60
	defaultRateLimitWindow = time.Minute
	defaultBodyLimit       = 64 << 10
)

// IdentityService is the set of identity flows the API exposes.
// *identity.Service implements it.
type IdentityService interface {
	Lookup(ctx context.Context, email string) (*identity.LookupResult, error)
	Link(ctx context.Context, req identity.LinkRequest) (*identity.SessionResult, error)
	Login(ctx context.Context, req identity.LoginRequest) (*identity.SessionResult, error)
	Recover(ctx context.Context, req identity.RecoverRequest) (*identity.RecoverResult, error)
	Reset(ctx context.Context, req identity.ResetRequest) (*identity.ResetResult, error)
	Logout(ctx context.Context, token string) error
}

// Config holds configuration for the callable API handler
type Config struct {
	// Identity runs the flows behind every route (required)
	Identity IdentityService

	// Gate protects the session routes (required)
	Gate identity.Authorizer

	// Logger defaults to slotsync.NoopLogger
	Logger slotsync.Logger

	// RateLimit is the number of requests allowed per client IP per window.
	// Default: 60 per minute. Negative disables the limiter.
	RateLimit       int
	RateLimitWindow time.Duration

	// BodyLimit caps request bodies. Default: 64 KiB
	BodyLimit int64

	// OnError replaces the default JSON error envelope when set
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Identity == nil {
		return fmt.Errorf("identity service is required")
	}
	if c.Gate == nil {
		return fmt.Errorf("gate is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = &slotsync.NoopLogger{}
	}
	if c.RateLimit == 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = defaultRateLimitWindow
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = defaultBodyLimit
	}
}
