package api

import (
	"time"

	"github.com/mihaimyh/specquota/pkg/billing/lemonsqueezy"
	"github.com/mihaimyh/specquota/pkg/credits"
)

// ConsumeRequest is the body of POST /api/specs/consume-credit
type ConsumeRequest struct {
	SpecID string `json:"specId"`
}

// ConsumeResponse reports which allowance paid for the spec
type ConsumeResponse struct {
	Success          bool                      `json:"success"`
	TransactionID    string                    `json:"transactionId"`
	AlreadyProcessed bool                      `json:"alreadyProcessed"`
	CreditSource     credits.CreditSource      `json:"creditSource"`
	Entitlements     *credits.EntitlementsView `json:"entitlements"`
}

// CheckoutRequest is the body of POST /api/lemon/checkout
type CheckoutRequest struct {
	ProductKey  string `json:"productKey"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// CheckoutResponse carries the hosted checkout URL
type CheckoutResponse struct {
	URL string `json:"url"`
}

// SubscriptionChangeResponse is returned by the cancel and resume routes
type SubscriptionChangeResponse struct {
	Cancelled      bool                   `json:"cancelled"`
	Changed        bool                   `json:"changed"`
	SubscriptionID string                 `json:"subscriptionId,omitempty"`
	Status         string                 `json:"status,omitempty"`
	EndsAt         *time.Time             `json:"endsAt,omitempty"`
	ResolvedVia    string                 `json:"resolvedVia,omitempty"`
	Attempts       []lemonsqueezy.Attempt `json:"attempts"`
}

// CounterResponse is the public purchase counter
type CounterResponse struct {
	Count int `json:"count"`
}

// GrantRequest is the body of the admin credit grant
type GrantRequest struct {
	Amount    int    `json:"amount"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

// RefundRequest is the body of the admin refund. With OriginalTxID the
// refund reverses that consumption and Amount may be zero.
type RefundRequest struct {
	Amount       int    `json:"amount"`
	Reason       string `json:"reason"`
	OriginalTxID string `json:"originalTxId,omitempty"`
}

// ProRequest toggles Pro for a user
type ProRequest struct {
	Enabled         bool   `json:"enabled"`
	Source          string `json:"source,omitempty"`
	OverrideCredits *int   `json:"overrideCredits,omitempty"`
}

// LedgerResponse is returned by admin mutations
type LedgerResponse struct {
	TransactionID    string                    `json:"transactionId,omitempty"`
	AlreadyProcessed bool                      `json:"alreadyProcessed"`
	Entitlements     *credits.EntitlementsView `json:"entitlements"`
}

// TransactionView is one ledger line
type TransactionView struct {
	ID           string               `json:"id"`
	Type         credits.TxType       `json:"type"`
	Amount       int                  `json:"amount"`
	Source       string               `json:"source,omitempty"`
	CreditSource credits.CreditSource `json:"creditSource,omitempty"`
	SpecID       string               `json:"specId,omitempty"`
	OriginalTxID string               `json:"originalTxId,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
}

// ResolveResponse wraps the resolver diagnostics for admins
type ResolveResponse struct {
	*lemonsqueezy.ResolveResult
	Found      bool   `json:"found"`
	SyncStatus string `json:"syncStatus,omitempty"`
}

// ErrorResponse is the body of every error
type ErrorResponse struct {
	Error     string                 `json:"error"`
	RequestID string                 `json:"requestId,omitempty"`
	Attempts  []lemonsqueezy.Attempt `json:"attempts,omitempty"`
}

func toTransactionViews(txs []*credits.Transaction) []TransactionView {
	out := make([]TransactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, TransactionView{
			ID:           tx.ID,
			Type:         tx.Type,
			Amount:       tx.Amount,
			Source:       tx.Source,
			CreditSource: tx.CreditSource,
			SpecID:       tx.SpecID,
			OriginalTxID: tx.OriginalTxID,
			Reason:       tx.Reason,
			Metadata:     tx.Metadata,
			CreatedAt:    tx.CreatedAt,
		})
	}
	return out
}
