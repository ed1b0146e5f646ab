package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/mihaimyh/specquota/pkg/credits"
)

// Config defines the standard configuration all providers accept
type Config struct {
	// Ledger receives credit grants and Pro changes. Required.
	Ledger *credits.Ledger

	// Store holds subscriptions, purchases and user profiles.
	// Defaults to the ledger's store.
	Store credits.Store

	// Catalog maps product keys to provider variants. Required. Wrap slow
	// sources in a CachedCatalog.
	Catalog CatalogSource

	// Mode selects test or live variants and records. Required.
	Mode Mode

	// WebhookSecret is the HMAC key for incoming webhooks.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// CircuitBreaker guards outbound API calls when Enabled.
	CircuitBreaker CircuitBreakerConfig

	// WebhookCallback is invoked after a webhook has been applied. Its error
	// is logged and does not change the webhook response.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error

	// Metrics is an optional metrics collector. If nil, metrics are discarded.
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger defaults to a no-op logger.
	Logger credits.Logger
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}
