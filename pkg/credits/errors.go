package credits

import "errors"

var (
	// ErrInsufficientCredits is returned when a user has no paid credit,
	// no free trial left and no Pro subscription.
	ErrInsufficientCredits = errors.New("Insufficient credits") //nolint:staticcheck // surfaced verbatim to clients

	// ErrSpecLimitReached is returned when the user already holds the maximum
	// number of specs.
	ErrSpecLimitReached = errors.New("spec limit reached")

	// ErrInvalidInput is returned for missing IDs and non-positive amounts
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransactionNotFound is returned when a refund references an unknown transaction
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionMismatch is returned when a referenced transaction belongs
	// to another user or is not a consumption
	ErrTransactionMismatch = errors.New("transaction does not match request")

	// ErrNotFound is returned by stores for missing records
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
