// Package lemonsqueezy connects the credits ledger to Lemon Squeezy: it
// ingests webhooks, resolves a user's subscription through a chain of
// lookups, and manages checkouts and cancellations.
package lemonsqueezy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/specquota/pkg/billing"
	"github.com/mihaimyh/specquota/pkg/billing/internal"
	"github.com/mihaimyh/specquota/pkg/cache"
	"github.com/mihaimyh/specquota/pkg/credits"
)

const (
	providerName             = "lemonsqueezy"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024

	purchaseCountCacheKey = "lemonsqueezy:purchase_count"
	purchaseCountTTL      = time.Minute
)

// Config extends billing.Config with Lemon Squeezy options.
type Config struct {
	billing.Config

	// StoreID scopes list queries and checkouts to one store.
	StoreID string

	// APIBaseURL overrides https://api.lemonsqueezy.com (tests, proxies).
	APIBaseURL string

	// APIRequestsPerSecond paces outbound API calls (default: 1).
	APIRequestsPerSecond float64

	// WebhookRateLimit is the per-IP request budget per minute on the
	// webhook endpoint (default: 100).
	WebhookRateLimit int

	// TrustForwardedFor keys the webhook rate limiter on X-Forwarded-For.
	TrustForwardedFor bool

	// Cache backs the purchase counter. Defaults to an in-memory cache.
	Cache *cache.Loader

	// Now defaults to time.Now.
	Now func() time.Time
}

// Provider implements billing.Provider for Lemon Squeezy.
type Provider struct {
	ledger        *credits.Ledger
	store         credits.Store
	catalog       billing.CatalogSource
	mode          billing.Mode
	client        *Client
	resolver      *Resolver
	webhookSecret []byte
	rateLimiter   *internal.RateLimiter
	loader        *cache.Loader
	callback      func(ctx context.Context, event billing.WebhookEvent) error
	metrics       billing.Metrics
	logger        credits.Logger
	now           func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a Lemon Squeezy provider. Without an API key the
// webhook still works but checkouts, the resolver and payment events that
// need a subscription refetch return billing.ErrProviderNotConfigured.
func NewProvider(config Config) (*Provider, error) {
	if config.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", billing.ErrProviderNotConfigured)
	}
	if config.Catalog == nil {
		return nil, fmt.Errorf("%w: product catalog is required", billing.ErrProviderNotConfigured)
	}
	mode, err := billing.ParseMode(string(config.Mode))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderNotConfigured, err)
	}

	store := config.Store
	if store == nil {
		store = config.Ledger.Store()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &credits.NoopLogger{}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	loader := config.Cache
	if loader == nil {
		loader = cache.NewLoader(cache.NewMemoryCache(16, nil))
	}

	webhookLimit := config.WebhookRateLimit
	if webhookLimit <= 0 {
		webhookLimit = defaultRateLimitRequests
	}
	limiter := internal.NewRateLimiter(webhookLimit, defaultRateLimitWindow)
	limiter.TrustForwardedFor = config.TrustForwardedFor

	p := &Provider{
		ledger:        config.Ledger,
		store:         store,
		catalog:       config.Catalog,
		mode:          mode,
		webhookSecret: []byte(strings.TrimSpace(config.WebhookSecret)),
		rateLimiter:   limiter,
		loader:        loader,
		callback:      config.WebhookCallback,
		metrics:       metrics,
		logger:        logger,
		now:           now,
	}

	if strings.TrimSpace(config.APIKey) != "" {
		var breaker *billing.CircuitBreaker
		if config.CircuitBreaker.Enabled {
			breaker = billing.NewCircuitBreaker(config.CircuitBreaker, isBreakerFailure,
				func(state billing.CircuitBreakerState) {
					metrics.RecordCircuitBreakerStateChange(providerName, string(state))
					logger.Warn("lemonsqueezy circuit breaker state changed", credits.F("state", string(state)))
				})
		}

		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		client, err := NewClient(ClientConfig{
			APIKey:            config.APIKey,
			StoreID:           config.StoreID,
			BaseURL:           config.APIBaseURL,
			HTTPClient:        httpClient,
			RequestsPerSecond: config.APIRequestsPerSecond,
			Breaker:           breaker,
			Metrics:           metrics,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		p.client = client
		p.resolver = NewResolver(ResolverConfig{
			Store:   store,
			Client:  client,
			Mode:    mode,
			Metrics: metrics,
			Logger:  logger,
			Now:     now,
		})
	}

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Mode returns the billing mode the provider runs in.
func (p *Provider) Mode() billing.Mode {
	return p.mode
}

// Client returns the API client, or nil when no API key is configured.
func (p *Provider) Client() *Client {
	return p.client
}

// WebhookHandler returns the HTTP handler for Lemon Squeezy webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// Resolve runs the subscription resolver for a user. The result carries
// the attempts log even when no subscription was found.
func (p *Provider) Resolve(ctx context.Context, userID, email string) (*ResolveResult, error) {
	if p.resolver == nil {
		return nil, fmt.Errorf("%w: lemonsqueezy API key is required", billing.ErrProviderNotConfigured)
	}
	return p.resolver.Resolve(ctx, userID, email)
}

// SyncUser resolves the user's subscription and reconciles Pro with its
// remote status. It returns the remote status.
func (p *Provider) SyncUser(ctx context.Context, userID string) (string, error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordUserSyncDuration(providerName, time.Since(start))
	}()

	res, err := p.Resolve(ctx, userID, "")
	if err != nil {
		if res != nil && res.Subscription == nil {
			p.metrics.RecordUserSync(providerName, "not_found")
		} else {
			p.metrics.RecordUserSync(providerName, "error")
		}
		return "", err
	}

	if _, err := p.applySubscription(ctx, userID, res.Subscription, "sync"); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return "", err
	}
	p.metrics.RecordUserSync(providerName, "success")
	return res.Subscription.Status, nil
}

func (p *Provider) requireClient() error {
	if p.client == nil {
		return fmt.Errorf("%w: lemonsqueezy API key is required", billing.ErrProviderNotConfigured)
	}
	return nil
}
