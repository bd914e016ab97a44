package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/reviewseverywhere/slotsync/pkg/config"
	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/shopify"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
	zlog "github.com/reviewseverywhere/slotsync/pkg/slotsync/logger/zerolog"
	prommetrics "github.com/reviewseverywhere/slotsync/pkg/slotsync/metrics/prometheus"
	fsstore "github.com/reviewseverywhere/slotsync/storage/firestore"
	"github.com/reviewseverywhere/slotsync/storage/memory"
	"github.com/reviewseverywhere/slotsync/storage/postgres"
	redisstore "github.com/reviewseverywhere/slotsync/storage/redis"
	"github.com/reviewseverywhere/slotsync/storage/s3archive"
)

const metricsNamespace = "slotsync"

// pinger is implemented by backends that can report liveness.
type pinger interface {
	Ping(ctx context.Context) error
}

// app holds the opened backends. Close releases them in reverse order.
type app struct {
	cfg      *config.Config
	zl       zerolog.Logger
	logger   slotsync.Logger
	metrics  slotsync.Metrics
	store    slotsync.Store
	creds    slotsync.CredentialStore
	sessions identity.SessionStore
	throttle identity.Throttle
	archiver shopify.Archiver
	health   map[string]pinger
	closers  []func()
}

// openApp opens the configured backends. reg may be nil when metrics are not exported.
func openApp(ctx context.Context, cfg *config.Config, zl zerolog.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{
		cfg:     cfg,
		zl:      zl,
		logger:  zlog.NewLogger(zl),
		metrics: &slotsync.NoopMetrics{},
		health:  make(map[string]pinger),
	}
	if reg != nil {
		a.metrics = prommetrics.NewMetrics(reg, metricsNamespace)
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openSessions(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Archive.Bucket != "" {
		arch, err := s3archive.New(ctx, s3archive.Config{
			Bucket: cfg.Archive.Bucket,
			Region: cfg.Archive.Region,
			Prefix: cfg.Archive.Prefix,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open webhook archive: %w", err)
		}
		a.archiver = arch
	}

	if cb := cfg.Store.CircuitBreaker; cb.Enabled {
		breaker := slotsync.NewDefaultCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout,
			func(state slotsync.CircuitBreakerState) {
				a.metrics.RecordCircuitBreakerStateChange(string(state))
				a.logger.Warn("store circuit breaker state changed", slotsync.F("state", string(state)))
			})
		a.store = slotsync.NewCircuitBreakerStore(a.store, breaker, a.metrics)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, a.cfg.Store.FirestoreProjectID)
		if err != nil {
			return fmt.Errorf("open firestore: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })

		store, err := fsstore.New(client, fsstore.Config{})
		if err != nil {
			return err
		}
		creds, err := fsstore.NewCredentials(client, fsstore.CredentialsConfig{})
		if err != nil {
			return err
		}
		throttle, err := fsstore.NewThrottle(client, "")
		if err != nil {
			return err
		}
		a.store, a.creds, a.throttle = store, creds, throttle

	case config.DriverPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = a.cfg.Store.PostgresDSN
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.store, a.creds, a.throttle = store, store.Credentials(), store.Throttle()
		a.health["postgres"] = store

	default:
		a.logger.Warn("using in-memory store; state is lost on restart")
		a.store, a.creds, a.throttle = memory.New(), memory.NewCredentials(), memory.NewThrottle()
	}
	a.logger.Info("store opened", slotsync.F("driver", a.cfg.Store.Driver))
	return nil
}

func (a *app) openSessions(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.sessions = memory.NewSessions()
		return nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = client.Close() })

	rs, err := redisstore.New(client, redisstore.Config{KeyPrefix: a.cfg.Redis.Prefix})
	if err != nil {
		return err
	}
	if err := rs.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	a.sessions, a.throttle = rs, rs
	a.health["redis"] = rs
	return nil
}

func (a *app) options() slotsync.Options {
	return slotsync.Options{Logger: a.logger, Metrics: a.metrics}
}

// Close releases every opened backend.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
