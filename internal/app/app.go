// Package app assembles the service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/specquota/internal/config"
	"github.com/mihaimyh/specquota/pkg/api"
	"github.com/mihaimyh/specquota/pkg/auth"
	"github.com/mihaimyh/specquota/pkg/billing"
	"github.com/mihaimyh/specquota/pkg/billing/lemonsqueezy"
	billingprom "github.com/mihaimyh/specquota/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/specquota/pkg/cache"
	"github.com/mihaimyh/specquota/pkg/credits"
	zerologadapter "github.com/mihaimyh/specquota/pkg/credits/logger/zerolog"
	creditsprom "github.com/mihaimyh/specquota/pkg/credits/metrics/prometheus"
	"github.com/mihaimyh/specquota/storage/firestore"
	"github.com/mihaimyh/specquota/storage/memory"
	"github.com/mihaimyh/specquota/storage/postgres"
	rediscache "github.com/mihaimyh/specquota/storage/redis"
)

// App holds the wired components. Close releases them.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Store    credits.Store
	Ledger   *credits.Ledger
	Billing  *lemonsqueezy.Provider
	Registry *prometheus.Registry
	Handler  http.Handler

	postgres *postgres.Storage
	closers  []func()
}

// NewLogger builds the process logger from cfg, writing to w.
func NewLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// New validates cfg and builds every component. The HTTP server is not
// started; see Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{
		Config: cfg,
		Log:    NewLogger(cfg.Log, os.Stderr),
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	logger := zerologadapter.NewLogger(a.Log)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var fsStore *firestore.Storage
	switch cfg.Store.Driver {
	case "firestore":
		client, err := gcfirestore.NewClient(ctx, cfg.Store.Firestore.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		fsStore, err = firestore.New(client, firestoreConfig(cfg.Store.Firestore.CollectionPrefix))
		if err != nil {
			return err
		}
		a.Store = fsStore
	case "postgres":
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Store.Postgres.DSN
		if cfg.Store.Postgres.MaxConns > 0 {
			pgCfg.MaxConns = cfg.Store.Postgres.MaxConns
		}
		pg, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		if cfg.Store.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		a.postgres = pg
		a.Store = pg
	default:
		a.Store = memory.New()
	}

	c, err := a.buildCache(ctx)
	if err != nil {
		return err
	}
	loader := cache.NewLoader(c)

	var creditsMetrics credits.Metrics = &credits.NoopMetrics{}
	if cfg.Metrics.Enabled {
		creditsMetrics = creditsprom.NewMetrics(a.Registry, cfg.Metrics.Namespace)
	}
	a.Ledger, err = credits.NewLedger(a.Store, credits.Config{
		FreeTrialAllowance: cfg.Credits.FreeTrialAllowance,
		MaxSpecsPerUser:    cfg.Credits.MaxSpecsPerUser,
		Logger:             logger,
		Metrics:            creditsMetrics,
	})
	if err != nil {
		return err
	}

	if cfg.Billing.Enabled {
		if err := a.buildBilling(fsStore, loader, logger); err != nil {
			return err
		}
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:       cfg.Auth.Secret,
		PublicKeyPEM: cfg.Auth.PublicKeyPEM,
		Issuer:       cfg.Auth.Issuer,
		Audience:     cfg.Auth.Audience,
		DevHeaders:   cfg.Auth.DevHeaders,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if cfg.Auth.DevHeaders {
		a.Log.Warn().Msg("dev identity headers are trusted; do not run this in production")
	}

	apiCfg := api.Config{
		Ledger:            a.Ledger,
		Auth:              verifier,
		TrustForwardedFor: cfg.Billing.TrustForwardedFor,
		Logger:            logger,
	}
	// Leave the interface nil when billing is off so the routes stay unmounted.
	if a.Billing != nil {
		apiCfg.Billing = a.Billing
	}
	if cfg.Metrics.Enabled {
		apiCfg.MetricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
	}
	h, err := api.NewHandler(apiCfg)
	if err != nil {
		return err
	}
	a.Handler = h.Router()
	return nil
}

func (a *App) buildCache(ctx context.Context) (cache.Cache, error) {
	cfg := a.Config.Cache
	if cfg.Driver != "redis" {
		return cache.NewMemoryCache(cfg.MaxEntries, nil), nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = client.Close() })

	rc, err := rediscache.New(client, rediscache.Config{KeyPrefix: cfg.Redis.KeyPrefix})
	if err != nil {
		return nil, err
	}
	if err := rc.Ping(ctx); err != nil {
		// The cache is an optimization; keep serving from the store.
		a.Log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
	}
	return rc, nil
}

func (a *App) buildBilling(fsStore *firestore.Storage, loader *cache.Loader, logger credits.Logger) error {
	cfg := a.Config.Billing

	var source billing.CatalogSource
	if cfg.CatalogSource == "firestore" {
		source = billing.NewCachedCatalog(fsStore.CatalogSource(), loader, a.Config.Cache.CatalogTTL)
	} else {
		catalog, err := billing.NewCatalog(cfg.Products)
		if err != nil {
			return err
		}
		source = catalog
	}

	var billingMetrics billing.Metrics = &billing.NoopMetrics{}
	if a.Config.Metrics.Enabled {
		billingMetrics = billingprom.NewMetrics(a.Registry, a.Config.Metrics.Namespace)
	}

	provider, err := lemonsqueezy.NewProvider(lemonsqueezy.Config{
		Config: billing.Config{
			Ledger:        a.Ledger,
			Store:         a.Store,
			Catalog:       source,
			Mode:          billing.Mode(cfg.Mode),
			WebhookSecret: cfg.WebhookSecret,
			APIKey:        cfg.APIKey,
			CircuitBreaker: billing.CircuitBreakerConfig{
				Enabled:          cfg.CircuitBreaker.Enabled,
				FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
				ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
			},
			WebhookCallback: func(_ context.Context, event billing.WebhookEvent) error {
				a.Log.Info().
					Str("event", event.EventType).
					Str("user_id", event.UserID).
					Msg("webhook applied")
				return nil
			},
			Metrics: billingMetrics,
			Logger:  logger,
		},
		StoreID:              cfg.StoreID,
		APIBaseURL:           cfg.APIBaseURL,
		APIRequestsPerSecond: cfg.RequestsPerSecond,
		WebhookRateLimit:     cfg.WebhookRateLimit,
		TrustForwardedFor:    cfg.TrustForwardedFor,
		Cache:                loader,
	})
	if err != nil {
		return err
	}
	if cfg.APIKey == "" {
		a.Log.Warn().Msg("billing.api_key not set; only webhooks will be processed")
	}
	if cfg.WebhookSecret == "" {
		a.Log.Warn().Msg("billing.webhook_secret not set; webhooks will be rejected")
	}
	a.Billing = provider
	return nil
}

func firestoreConfig(prefix string) firestore.Config {
	return firestore.Config{
		EntitlementsCollection:  prefix + "entitlements",
		TransactionsCollection:  prefix + "credits_transactions",
		SubscriptionsCollection: prefix + "subscriptions",
		PurchasesCollection:     prefix + "purchases",
		UsersCollection:         prefix + "users",
		SettingsCollection:      prefix + "settings",
	}
}

// Migrate applies the Postgres schema. Other drivers need no migration.
func (a *App) Migrate(ctx context.Context) error {
	if a.postgres == nil {
		return fmt.Errorf("migrate: store driver %q has no schema", a.Config.Store.Driver)
	}
	return a.postgres.Migrate(ctx)
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Handler,
		ReadTimeout:       a.Config.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      a.Config.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info().Str("addr", srv.Addr).Str("store", a.Config.Store.Driver).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
