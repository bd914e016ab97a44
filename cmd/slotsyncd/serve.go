package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reviewseverywhere/slotsync/pkg/api"
	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/identity/facebook"
	"github.com/reviewseverywhere/slotsync/pkg/identity/google"
	"github.com/reviewseverywhere/slotsync/internal"
	"github.com/reviewseverywhere/slotsync/pkg/shopify"
	"github.com/reviewseverywhere/slotsync/pkg/shopify/graphql"
	shopifyprom "github.com/reviewseverywhere/slotsync/pkg/shopify/metrics/prometheus"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks, callables, /metrics and /healthz",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Shopify.WebhookSecret == "" {
				return fmt.Errorf("%w: SHOPIFY_WEBHOOK_SECRET is required to serve", slotsync.ErrNotConfigured)
			}
			zl := newLogger(cfg.Log, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			a, err := openApp(ctx, cfg, zl, reg)
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := buildRouter(ctx, a, reg)
			if err != nil {
				return err
			}
			return run(ctx, a, router)
		},
	}
}

// buildRouter wires every component over the opened backends.
func buildRouter(ctx context.Context, a *app, reg *prometheus.Registry) (http.Handler, error) {
	cfg := a.cfg
	opts := a.options()
	shopMetrics := shopifyprom.NewMetrics(reg, metricsNamespace)

	reconciler := slotsync.NewReconciler(a.store, opts)
	binder := slotsync.NewBinder(a.creds, opts)

	webhooks, err := shopify.NewHandler(shopify.Config{
		Secret:          cfg.Shopify.WebhookSecret,
		Guard:           slotsync.NewGuard(a.store, opts),
		Reconciler:      reconciler,
		Binder:          binder,
		Archiver:        a.archiver,
		Logger:          a.logger,
		Metrics:         shopMetrics,
		MaxBodyBytes:    cfg.HTTP.BodyLimit,
		RateLimit:       cfg.RateLimit.Webhook,
		RateLimitWindow: cfg.RateLimit.Window,
		ProcessTimeout:  cfg.Shopify.ProcessingTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook handler: %w", err)
	}

	svcCfg := identity.Config{
		Store:           a.store,
		Reconciler:      reconciler,
		Binder:          binder,
		Sessions:        a.sessions,
		Resolver:        slotsync.NewResolver(a.store, opts),
		Throttle:        a.throttle,
		Verifiers:       map[string]identity.Verifier{},
		ShopDomain:      cfg.Shopify.ShopDomain,
		LoginBase:       cfg.Shopify.LoginBase,
		SessionTTL:      cfg.Auth.SessionTTL,
		RecoverCooldown: cfg.Auth.RecoverCooldown,
		Options:         opts,
	}
	if err := a.wireCommerce(&svcCfg, shopMetrics); err != nil {
		return nil, err
	}
	if len(cfg.Auth.GoogleClientIDs) > 0 {
		v, err := google.New(ctx, cfg.Auth.GoogleClientIDs, a.logger)
		if err != nil {
			return nil, fmt.Errorf("google verifier: %w", err)
		}
		svcCfg.Verifiers[identity.ProviderGoogle] = v
	}
	if cfg.Auth.FacebookEnabled {
		svcCfg.Verifiers[identity.ProviderFacebook] = facebook.New(facebook.Config{Logger: a.logger})
	}

	svc, err := identity.NewService(svcCfg)
	if err != nil {
		return nil, fmt.Errorf("identity service: %w", err)
	}
	callables, err := api.NewHandler(api.Config{
		Identity:        svc,
		Gate:            identity.NewGate(a.sessions, a.store, a.logger),
		Logger:          a.logger,
		RateLimit:       cfg.RateLimit.API,
		RateLimitWindow: cfg.RateLimit.Window,
	})
	if err != nil {
		return nil, fmt.Errorf("api handler: %w", err)
	}

	r := chi.NewRouter()
	webhooks.Register(r, cfg.HTTP.WebhookPrefix)
	r.Handle(cfg.HTTP.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", a.healthz)
	r.Mount("/", callables.Routes())
	return r, nil
}

// wireCommerce adds the storefront and admin clients when their tokens are set.
func (a *app) wireCommerce(svcCfg *identity.Config, metrics shopify.Metrics) error {
	sc := a.cfg.Shopify
	domain := sc.MyshopifyDomain
	if domain == "" {
		domain = sc.ShopDomain
	}

	if sc.StorefrontAccessToken != "" {
		sf, err := graphql.NewStorefront(graphql.Config{
			ShopDomain:  domain,
			APIVersion:  sc.APIVersion,
			AccessToken: sc.StorefrontAccessToken,
			Logger:      a.logger,
			Metrics:     metrics,
		})
		if err != nil {
			return fmt.Errorf("storefront client: %w", err)
		}
		svcCfg.Storefront = sf
	} else {
		a.logger.Warn("storefront token missing; login, recovery and reset are disabled")
	}

	if sc.AdminAccessToken != "" {
		admin, err := graphql.NewAdmin(graphql.Config{
			ShopDomain:  domain,
			APIVersion:  sc.APIVersion,
			AccessToken: sc.AdminAccessToken,
			Logger:      a.logger,
			Metrics:     metrics,
		})
		if err != nil {
			return fmt.Errorf("admin client: %w", err)
		}
		svcCfg.Admin = admin
	}
	return nil
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(a.health))
	for name, p := range a.health {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	_ = internal.WriteJSON(w, status, map[string]interface{}{"ok": status == http.StatusOK, "checks": checks})
}

// run serves until ctx is cancelled, then drains in-flight requests.
func run(ctx context.Context, a *app, handler http.Handler) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.zl.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.zl.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
