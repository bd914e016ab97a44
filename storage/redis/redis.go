// Package redis provides Redis implementations of the identity session store and throttle.
// Multi-key writes use Lua scripts so a session and its account index change together.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
)

// Storage implements identity.SessionStore and identity.Throttle using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
	now     func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "slotsync:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{KeyPrefix: "slotsync:"}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "slotsync:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		now:     time.Now,
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Store a session and add its token to the account's session set
	s.scripts["create"] = redis.NewScript(`
		local sessionKey = KEYS[1]
		local accountKey = KEYS[2]
		local data = ARGV[1]
		local ttl = tonumber(ARGV[2])
		local token = ARGV[3]

		redis.call('SET', sessionKey, data, 'PX', ttl)
		redis.call('SADD', accountKey, token)
		local current = redis.call('PTTL', accountKey)
		if current < ttl then
			redis.call('PEXPIRE', accountKey, ttl)
		end
		return 1
	`)

	// Delete every session listed in the account's session set
	s.scripts["revoke"] = redis.NewScript(`
		local accountKey = KEYS[1]
		local prefix = ARGV[1]
		local tokens = redis.call('SMEMBERS', accountKey)
		for _, token in ipairs(tokens) do
			redis.call('DEL', prefix .. token)
		end
		redis.call('DEL', accountKey)
		return #tokens
	`)
}

func (s *Storage) sessionKey(token string) string {
	return s.config.KeyPrefix + "session:" + token
}

func (s *Storage) accountSessionsKey(accountID string) string {
	return s.config.KeyPrefix + "account_sessions:" + accountID
}

func (s *Storage) throttleKey(key string) string {
	return s.config.KeyPrefix + "throttle:" + key
}

// Create implements identity.SessionStore
func (s *Storage) Create(ctx context.Context, sess *identity.Session) error {
	if sess == nil || sess.Token == "" || sess.AccountID == "" {
		return fmt.Errorf("session: missing token or account id")
	}
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("session: expires_at must be in the future")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}

	keys := []string{s.sessionKey(sess.Token), s.accountSessionsKey(sess.AccountID)}
	if err := s.scripts["create"].Run(ctx, s.client, keys, string(data), ttl.Milliseconds(), sess.Token).Err(); err != nil {
		return fmt.Errorf("session: store: %w", err)
	}
	return nil
}

// Get implements identity.SessionStore
func (s *Storage) Get(ctx context.Context, token string) (*identity.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}

	var sess identity.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session: unmarshal: %w", err)
	}
	if !sess.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	sess.Token = token
	return &sess, nil
}

// Delete implements identity.SessionStore
func (s *Storage) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// RevokeAccount deletes every session issued for accountID and returns how many were listed.
func (s *Storage) RevokeAccount(ctx context.Context, accountID string) (int, error) {
	n, err := s.scripts["revoke"].Run(ctx, s.client,
		[]string{s.accountSessionsKey(accountID)}, s.config.KeyPrefix+"session:").Int()
	if err != nil {
		return 0, fmt.Errorf("session: revoke: %w", err)
	}
	return n, nil
}

// Allow implements identity.Throttle with SET NX PX.
func (s *Storage) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.throttleKey(key), s.now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("throttle: %w", err)
	}
	return ok, nil
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
