package credits

import (
	"time"
)

// TxType is the kind of a ledger transaction.
type TxType string

const (
	// TxTypeGrant adds paid credits to a user's balance
	TxTypeGrant TxType = "grant"
	// TxTypeConsume spends one credit for a spec
	TxTypeConsume TxType = "consume"
	// TxTypeRefund gives credits back
	TxTypeRefund TxType = "refund"
)

// CreditSource records which allowance paid for a consumption.
type CreditSource string

const (
	// SourcePaid means the credit came from the purchased balance
	SourcePaid CreditSource = "paid"
	// SourceFreeTrial means the credit came from the free-trial allowance
	SourceFreeTrial CreditSource = "free_trial"
	// SourceUnlimited means the user had an active Pro subscription
	SourceUnlimited CreditSource = "unlimited"
)

// Entitlements is the per-user credit state.
type Entitlements struct {
	UserID string

	// SpecCredits is the paid balance. Never negative.
	SpecCredits int

	// Unlimited is set while a Pro subscription is active.
	Unlimited bool

	// CanEdit mirrors Unlimited for the editor feature gate.
	CanEdit bool

	// PreservedCredits holds the paid balance parked while Pro is active.
	PreservedCredits int

	// FreeTrialUsed counts specs paid for by the free-trial allowance.
	FreeTrialUsed int

	// ActiveSpecs counts consumed specs that have not been refunded.
	ActiveSpecs int

	// ProSource identifies what enabled Pro (usually a subscription ID).
	ProSource string

	UpdatedAt time.Time
}

// Clone returns a copy safe to mutate.
func (e *Entitlements) Clone() *Entitlements {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// ProChange is the outcome of Ledger.SetPro.
type ProChange struct {
	Entitlements *Entitlements

	// Changed is set when Unlimited flipped.
	Changed bool

	// HeldBy is the ProSource that kept Pro on when a disable was refused.
	HeldBy string
}

// Transaction is an immutable ledger entry. ID doubles as the idempotency key.
type Transaction struct {
	ID           string
	UserID       string
	Amount       int
	Type         TxType
	Source       string
	CreditSource CreditSource
	SpecID       string
	OriginalTxID string
	Reason       string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Subscription statuses reported by the billing provider.
const (
	StatusOnTrial   = "on_trial"
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusPastDue   = "past_due"
	StatusUnpaid    = "unpaid"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Subscription is the locally cached view of a provider subscription.
type Subscription struct {
	UserID              string
	LemonSubscriptionID string
	Status              string
	CancelAtPeriodEnd   bool
	EndsAt              *time.Time
	RenewsAt            *time.Time
	CustomerID          string
	OrderID             string
	VariantID           string
	TestMode            bool
	Metadata            map[string]string

	// ProviderUpdatedAt is the provider's own updated_at, used to drop
	// out-of-order webhook deliveries.
	ProviderUpdatedAt time.Time
	UpdatedAt         time.Time
}

// IsActiveLike reports whether the status keeps Pro enabled.
func (s *Subscription) IsActiveLike() bool {
	return IsActiveLikeStatus(s.Status)
}

// IsActiveLikeStatus reports whether a provider status keeps Pro enabled.
func IsActiveLikeStatus(status string) bool {
	switch status {
	case StatusActive, StatusOnTrial, StatusPaused, StatusPastDue:
		return true
	}
	return false
}

// IsCancelledLikeStatus reports whether a provider status ends Pro, possibly
// after the paid period.
func IsCancelledLikeStatus(status string) bool {
	switch status {
	case StatusCancelled, StatusExpired, StatusUnpaid:
		return true
	}
	return false
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	cp := *s
	if s.EndsAt != nil {
		t := *s.EndsAt
		cp.EndsAt = &t
	}
	if s.RenewsAt != nil {
		t := *s.RenewsAt
		cp.RenewsAt = &t
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Purchase is an immutable order snapshot keyed by the provider order ID.
type Purchase struct {
	OrderID        string
	UserID         string
	ProductKey     string
	VariantID      string
	SubscriptionID string
	CustomerID     string
	Email          string
	Total          int
	Currency       string
	Status         string
	TestMode       bool
	CustomData     map[string]string
	CreatedAt      time.Time
}

// Clone returns a deep copy.
func (p *Purchase) Clone() *Purchase {
	if p == nil {
		return nil
	}
	cp := *p
	if p.CustomData != nil {
		cp.CustomData = make(map[string]string, len(p.CustomData))
		for k, v := range p.CustomData {
			cp.CustomData[k] = v
		}
	}
	return &cp
}

// UserProfile holds the billing fields stored on the user document.
type UserProfile struct {
	UserID          string
	Email           string
	LemonCustomerID string
	LastOrderID     string
	UpdatedAt       time.Time
}

// BillingUpdate is a partial update of a user's billing fields. Empty values
// are left untouched.
type BillingUpdate struct {
	Email           string
	LemonCustomerID string
	LastOrderID     string
}

// Result is returned by every mutating ledger operation.
type Result struct {
	TransactionID    string
	AlreadyProcessed bool
	CreditSource     CreditSource
	Entitlements     *Entitlements
}

// EntitlementsView is the client-facing entitlement summary.
type EntitlementsView struct {
	UserID             string    `json:"userId"`
	SpecCredits        int       `json:"specCredits"`
	Unlimited          bool      `json:"unlimited"`
	CanEdit            bool      `json:"canEdit"`
	PreservedCredits   int       `json:"preservedCredits"`
	FreeTrialRemaining int       `json:"freeTrialRemaining"`
	ActiveSpecs        int       `json:"activeSpecs"`
	CanCreateSpec      bool      `json:"canCreateSpec"`
	UpdatedAt          time.Time `json:"updatedAt,omitempty"`
}

// Config configures the Ledger.
type Config struct {
	// FreeTrialAllowance is the number of specs a user may create without
	// credits (default: 1). Negative disables the trial.
	FreeTrialAllowance int

	// MaxSpecsPerUser caps ActiveSpecs for users without Pro (default: 1).
	// Negative disables the cap.
	MaxSpecsPerUser int

	// Now returns the current time (default: time.Now).
	Now func() time.Time

	Logger  Logger
	Metrics Metrics
}

// Option customizes a single ledger call.
type Option func(*options)

type options struct {
	idempotencyKey string
	metadata       map[string]string
}

// WithIdempotencyKey overrides the stable input used to derive a grant
// transaction ID.
func WithIdempotencyKey(key string) Option {
	return func(o *options) {
		o.idempotencyKey = key
	}
}

// WithMetadata attaches extra metadata to the written transaction.
func WithMetadata(md map[string]string) Option {
	return func(o *options) {
		if o.metadata == nil {
			o.metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			o.metadata[k] = v
		}
	}
}
