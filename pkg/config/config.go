// Package config loads slotsyncd configuration from an optional YAML file,
// an optional .env file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory    = "memory"
	DriverFirestore = "firestore"
	DriverPostgres  = "postgres"
)

// Config is the complete server configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Shopify   ShopifyConfig   `yaml:"shopify"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Archive   ArchiveConfig   `yaml:"archive"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// HTTPConfig configures the listener
type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	WebhookPrefix   string        `yaml:"webhookPrefix" validate:"required,startswith=/"`
	MetricsPath     string        `yaml:"metricsPath" validate:"required,startswith=/"`
	BodyLimit       int64         `yaml:"bodyLimit" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
}

// LogConfig configures the zerolog logger
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// ShopifyConfig holds the commerce platform credentials
type ShopifyConfig struct {
	WebhookSecret         string        `yaml:"webhookSecret"`
	ShopDomain            string        `yaml:"shopDomain"`
	MyshopifyDomain       string        `yaml:"myshopifyDomain"`
	StorefrontAccessToken string        `yaml:"storefrontAccessToken"`
	AdminAccessToken      string        `yaml:"adminAccessToken"`
	APIVersion            string        `yaml:"apiVersion" validate:"required"`
	LoginBase             string        `yaml:"loginBase" validate:"omitempty,url"`
	ProcessingTimeout     time.Duration `yaml:"processingTimeout" validate:"gt=0"`
}

// AuthConfig configures the identity flows
type AuthConfig struct {
	GoogleClientIDs []string      `yaml:"googleClientIds"`
	FacebookEnabled bool          `yaml:"facebookEnabled"`
	SessionTTL      time.Duration `yaml:"sessionTTL" validate:"gt=0"`
	RecoverCooldown time.Duration `yaml:"recoverCooldown" validate:"gt=0"`
}

// StoreConfig selects and configures the account store
type StoreConfig struct {
	Driver             string               `yaml:"driver" validate:"oneof=memory firestore postgres"`
	FirestoreProjectID string               `yaml:"firestoreProjectId" validate:"required_if=Driver firestore"`
	PostgresDSN        string               `yaml:"postgresDsn" validate:"required_if=Driver postgres"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// CircuitBreakerConfig configures the store circuit breaker
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failureThreshold" validate:"gt=0"`
	ResetTimeout     time.Duration `yaml:"resetTimeout" validate:"gt=0"`
}

// RedisConfig configures the session and throttle store. Sessions fall
// back to the in-memory store when Addr is empty.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// ArchiveConfig configures the raw webhook archive. Disabled when Bucket is empty.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// RateLimitConfig holds per-IP request limits
type RateLimitConfig struct {
	Webhook int           `yaml:"webhook"`
	API     int           `yaml:"api"`
	Window  time.Duration `yaml:"window" validate:"gt=0"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	setDefault(&c.HTTP.Addr, ":8080")
	setDefault(&c.HTTP.WebhookPrefix, "/webhooks/shopify")
	setDefault(&c.HTTP.MetricsPath, "/metrics")
	if c.HTTP.BodyLimit <= 0 {
		c.HTTP.BodyLimit = 1 << 20
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 15 * time.Second
	}

	setDefault(&c.Log.Level, "info")
	setDefault(&c.Log.Format, "json")

	setDefault(&c.Shopify.APIVersion, "2024-10")
	if c.Shopify.ProcessingTimeout <= 0 {
		c.Shopify.ProcessingTimeout = 20 * time.Second
	}

	if c.Auth.SessionTTL <= 0 {
		c.Auth.SessionTTL = 14 * 24 * time.Hour
	}
	if c.Auth.RecoverCooldown <= 0 {
		c.Auth.RecoverCooldown = 60 * time.Second
	}

	setDefault(&c.Store.Driver, DriverMemory)
	if c.Store.CircuitBreaker.FailureThreshold <= 0 {
		c.Store.CircuitBreaker.FailureThreshold = 5
	}
	if c.Store.CircuitBreaker.ResetTimeout <= 0 {
		c.Store.CircuitBreaker.ResetTimeout = 30 * time.Second
	}

	setDefault(&c.Redis.Prefix, "slotsync:")
	setDefault(&c.Archive.Prefix, "webhooks/")

	if c.RateLimit.Webhook == 0 {
		c.RateLimit.Webhook = 120
	}
	if c.RateLimit.API == 0 {
		c.RateLimit.API = 60
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Minute
	}
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

// Validate checks field constraints
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Options controls where Load reads from
type Options struct {
	// File is an optional YAML file
	File string
	// EnvFile is an optional dotenv file. Missing files are ignored.
	EnvFile string
	// Lookup reads the environment. Default: os.LookupEnv
	Lookup func(string) (string, bool)
}

// Load builds a Config from opts. Process environment wins over the dotenv
// file, which wins over the YAML file.
func Load(opts Options) (*Config, error) {
	cfg := &Config{}
	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.File, err)
		}
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if opts.EnvFile != "" {
		dotenv, err := godotenv.Read(opts.EnvFile)
		switch {
		case err == nil:
			lookup = chainLookup(lookup, dotenv)
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read env file %s: %w", opts.EnvFile, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func chainLookup(primary func(string) (string, bool), fallback map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok {
			return v, true
		}
		v, ok := fallback[key]
		return v, ok
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	str("SHOPIFY_WEBHOOK_SECRET", &c.Shopify.WebhookSecret)
	str("SHOPIFY_SHOP_DOMAIN", &c.Shopify.ShopDomain)
	str("SHOPIFY_MYSHOPIFY_DOMAIN", &c.Shopify.MyshopifyDomain)
	str("SHOPIFY_STOREFRONT_ACCESS_TOKEN", &c.Shopify.StorefrontAccessToken)
	str("SHOPIFY_ADMIN_ACCESS_TOKEN", &c.Shopify.AdminAccessToken)
	str("SHOPIFY_API_VERSION", &c.Shopify.APIVersion)
	str("SHOPIFY_LOGIN_BASE", &c.Shopify.LoginBase)

	if v, ok := lookup("GOOGLE_CLIENT_IDS"); ok && strings.TrimSpace(v) != "" {
		c.Auth.GoogleClientIDs = splitList(v)
	}
	if v, ok := lookup("FACEBOOK_LOGIN_ENABLED"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid FACEBOOK_LOGIN_ENABLED: %w", err)
		}
		c.Auth.FacebookEnabled = b
	}

	str("STORE_DRIVER", &c.Store.Driver)
	str("FIRESTORE_PROJECT_ID", &c.Store.FirestoreProjectID)
	str("POSTGRES_DSN", &c.Store.PostgresDSN)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)

	str("ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("ARCHIVE_PREFIX", &c.Archive.Prefix)
	str("AWS_REGION", &c.Archive.Region)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
