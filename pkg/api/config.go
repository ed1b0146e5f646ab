package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/specquota/pkg/billing/lemonsqueezy"
	"github.com/mihaimyh/specquota/pkg/credits"
)

// Billing is the subset of the Lemon Squeezy provider the API exposes.
type Billing interface {
	WebhookHandler() http.Handler
	CheckoutURL(ctx context.Context, params lemonsqueezy.CheckoutParams) (string, error)
	CancelSubscription(ctx context.Context, userID, email string) (*lemonsqueezy.ChangeResult, error)
	ResumeSubscription(ctx context.Context, userID, email string) (*lemonsqueezy.ChangeResult, error)
	PurchaseCount(ctx context.Context) (int, error)
	Resolve(ctx context.Context, userID, email string) (*lemonsqueezy.ResolveResult, error)
	SyncUser(ctx context.Context, userID string) (string, error)
}

// Authenticator wraps handlers that need a signed-in caller. *auth.Verifier
// implements it.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

// Config holds configuration for the HTTP API
type Config struct {
	// Ledger is the credits ledger (required)
	Ledger *credits.Ledger

	// Billing serves the /api/lemon routes. If nil, they are not mounted.
	Billing Billing

	// Auth authenticates user and admin routes (required)
	Auth Authenticator

	// MetricsHandler is mounted at /metrics when set (usually promhttp).
	MetricsHandler http.Handler

	// TrustForwardedFor rewrites RemoteAddr from X-Forwarded-For and
	// X-Real-IP. Only enable behind a proxy that overwrites those headers.
	TrustForwardedFor bool

	// TransactionLimit caps the admin transaction listing (default: 50)
	TransactionLimit int

	Logger credits.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Auth == nil {
		return fmt.Errorf("auth is required")
	}
	return nil
}

// NewHandler creates the API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.TransactionLimit <= 0 {
		config.TransactionLimit = 50
	}
	if config.Logger == nil {
		config.Logger = &credits.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}
