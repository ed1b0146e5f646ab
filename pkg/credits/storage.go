package credits

import (
	"context"
)

// Tx is the transactional view used by ledger mutations. Implementations
// may require every read to happen before the first write (Firestore does),
// so the ledger always reads first.
type Tx interface {
	// GetTransaction returns nil, nil when no transaction has the ID.
	GetTransaction(id string) (*Transaction, error)

	// GetEntitlements returns nil, nil when the user has no record yet.
	GetEntitlements(userID string) (*Entitlements, error)

	// CreateTransaction writes a new transaction. Writing an existing ID fails.
	CreateTransaction(t *Transaction) error

	// SetEntitlements replaces the user's entitlement record.
	SetEntitlements(e *Entitlements) error
}

// Store defines the persistence required by the ledger and the billing
// integration. All methods use concrete types from this package to avoid
// import cycles.
type Store interface {
	// RunTransaction runs fn atomically. Implementations retry fn on
	// contention, so fn must be free of side effects outside tx.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetEntitlements returns nil, nil when the user has no record yet.
	GetEntitlements(ctx context.Context, userID string) (*Entitlements, error)

	// ListTransactions returns the user's transactions, newest first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)

	// GetSubscription returns nil, nil when the user has no subscription record.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// FindSubscriptionByLemonID returns nil, nil when nothing matches.
	FindSubscriptionByLemonID(ctx context.Context, subscriptionID string) (*Subscription, error)

	// UpsertSubscription merges the record keyed by UserID.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// SavePurchase creates the purchase if absent. created is false when the
	// order was already recorded; the stored record is left untouched.
	SavePurchase(ctx context.Context, p *Purchase) (created bool, err error)

	// GetPurchase returns nil, nil for unknown orders.
	GetPurchase(ctx context.Context, orderID string) (*Purchase, error)

	// ListPurchasesByUser returns the user's purchases, newest first.
	ListPurchasesByUser(ctx context.Context, userID string, limit int) ([]*Purchase, error)

	// CountPurchases returns the number of recorded purchases.
	CountPurchases(ctx context.Context) (int, error)

	// GetUserProfile returns nil, nil for unknown users.
	GetUserProfile(ctx context.Context, userID string) (*UserProfile, error)

	// FindUserByEmail returns nil, nil when no user has the email.
	FindUserByEmail(ctx context.Context, email string) (*UserProfile, error)

	// UpdateUserBilling merges non-empty fields into the user's profile,
	// creating it if needed.
	UpdateUserBilling(ctx context.Context, userID string, update BillingUpdate) error
}
