package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a billing backend implements.
type Provider interface {
	// Name returns the provider name (e.g., "lemonsqueezy")
	Name() string

	// WebhookHandler returns the HTTP handler that processes provider events.
	// It verifies, parses and applies them to the ledger internally.
	WebhookHandler() http.Handler

	// SyncUser pulls the user's subscription from the provider and reconciles
	// the ledger's Pro state with it. Used for "restore purchases" and
	// reconciliation jobs. Returns the provider-side subscription status.
	SyncUser(ctx context.Context, userID string) (string, error)
}
