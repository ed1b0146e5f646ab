package billing

import "time"

// WebhookEvent describes a webhook that was applied successfully. It is
// passed to Config.WebhookCallback after storage has been updated.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// Provider is the billing provider name
	Provider string

	// EventType is the provider event name, e.g. "order_created"
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	OrderID        string
	SubscriptionID string

	// Status is the subscription status after the event, if any
	Status string

	// ProEnabled is set when the event switched Pro on or off
	ProEnabled *bool

	// CreditsGranted is the number of credits added by the event
	CreditsGranted int

	// TestMode mirrors the provider's test_mode flag
	TestMode bool

	Metadata map[string]interface{}
}
