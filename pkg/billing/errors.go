package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUserNotFound is returned when a webhook cannot be attributed to a user
	ErrUserNotFound = errors.New("user not found")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrProductNotConfigured is returned for product keys or variants missing from the catalog
	ErrProductNotConfigured = errors.New("product not configured")

	// ErrSubscriptionNotFound is returned when no strategy could locate a subscription
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")

	// ErrCircuitOpen is returned when outbound calls are short-circuited
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
