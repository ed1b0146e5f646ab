package lemonsqueezy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/specquota/pkg/billing"
	"github.com/mihaimyh/specquota/pkg/cache"
	"github.com/mihaimyh/specquota/pkg/credits"
)

// CheckoutParams describes a checkout for a catalog product.
type CheckoutParams struct {
	UserID      string
	Email       string
	ProductKey  string
	RedirectURL string
}

// CheckoutURL creates a hosted checkout for the product in the configured
// mode. The user ID and product key travel as custom data so the
// order_created webhook can attribute the purchase.
func (p *Provider) CheckoutURL(ctx context.Context, params CheckoutParams) (string, error) {
	if params.UserID == "" {
		return "", fmt.Errorf("%w: user ID is required", credits.ErrInvalidInput)
	}
	if strings.TrimSpace(params.ProductKey) == "" {
		return "", fmt.Errorf("%w: product key is required", credits.ErrInvalidInput)
	}
	if err := p.requireClient(); err != nil {
		return "", err
	}

	catalog, err := p.catalog.Catalog(ctx)
	if err != nil {
		return "", err
	}
	product, ok := catalog.Product(params.ProductKey)
	if !ok {
		return "", fmt.Errorf("%w: %q", billing.ErrProductNotConfigured, params.ProductKey)
	}
	variantID := product.VariantID(p.mode)
	if variantID == "" {
		return "", fmt.Errorf("%w: %q has no %s variant", billing.ErrProductNotConfigured, product.Key, p.mode)
	}

	checkout, err := p.client.CreateCheckout(ctx, CheckoutRequest{
		VariantID: variantID,
		Email:     params.Email,
		Custom: map[string]string{
			customKeyUserID:     params.UserID,
			customKeyProductKey: product.Key,
		},
		RedirectURL: params.RedirectURL,
		TestMode:    p.mode.IsTest(),
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("checkout created",
		credits.F("user_id", params.UserID), credits.F("product_key", product.Key),
		credits.F("checkout_id", checkout.ID.String()), credits.F("mode", p.mode.String()))
	return checkout.URL, nil
}

// ChangeResult is returned by CancelSubscription and ResumeSubscription.
type ChangeResult struct {
	Changed        bool       `json:"changed"`
	SubscriptionID string     `json:"subscriptionId,omitempty"`
	Status         string     `json:"status,omitempty"`
	EndsAt         *time.Time `json:"endsAt,omitempty"`
	ResolvedVia    string     `json:"resolvedVia,omitempty"`
	Attempts       []Attempt  `json:"attempts"`
}

func changeResult(res *ResolveResult, sub *Subscription, changed bool) *ChangeResult {
	out := &ChangeResult{Changed: changed, ResolvedVia: res.Strategy, Attempts: res.Attempts}
	if sub != nil {
		out.SubscriptionID = sub.ID.String()
		out.Status = sub.Status
		out.EndsAt = sub.EndsAt
	}
	return out
}

// CancelSubscription resolves the user's subscription and cancels it at the
// end of the paid period. Pro stays on until ends_at. The result carries
// the resolver attempts log, also on error when resolution failed.
func (p *Provider) CancelSubscription(ctx context.Context, userID, email string) (*ChangeResult, error) {
	res, err := p.Resolve(ctx, userID, email)
	if err != nil {
		if res != nil {
			return changeResult(res, nil, false), err
		}
		return nil, err
	}
	sub := res.Subscription

	if sub.Cancelled || credits.IsCancelledLikeStatus(sub.Status) {
		p.logger.Info("subscription already cancelled",
			credits.F("user_id", userID), credits.F("subscription_id", sub.ID.String()))
		return changeResult(res, sub, false), nil
	}

	cancelled, err := p.client.CancelSubscription(ctx, sub.ID.String())
	if err != nil {
		return changeResult(res, sub, false), err
	}
	if _, err := p.applySubscription(ctx, userID, cancelled, "cancel_request"); err != nil {
		return changeResult(res, cancelled, true), err
	}

	p.logger.Info("subscription cancelled",
		credits.F("user_id", userID), credits.F("subscription_id", cancelled.ID.String()),
		credits.F("ends_at", cancelled.EndsAt), credits.F("resolved_via", res.Strategy))
	return changeResult(res, cancelled, true), nil
}

// ResumeSubscription undoes a cancellation during the grace period.
// Expired subscriptions cannot be resumed.
func (p *Provider) ResumeSubscription(ctx context.Context, userID, email string) (*ChangeResult, error) {
	res, err := p.Resolve(ctx, userID, email)
	if err != nil {
		if res != nil {
			return changeResult(res, nil, false), err
		}
		return nil, err
	}
	sub := res.Subscription

	if sub.Status == credits.StatusExpired {
		return changeResult(res, sub, false),
			fmt.Errorf("%w: subscription %s has expired", billing.ErrNotSupported, sub.ID)
	}
	if !sub.Cancelled && sub.Status != credits.StatusCancelled {
		return changeResult(res, sub, false), nil
	}

	resume := false
	resumed, err := p.client.UpdateSubscription(ctx, sub.ID.String(), SubscriptionUpdate{Cancelled: &resume})
	if err != nil {
		return changeResult(res, sub, false), err
	}
	if _, err := p.applySubscription(ctx, userID, resumed, "resume_request"); err != nil {
		return changeResult(res, resumed, true), err
	}

	p.logger.Info("subscription resumed",
		credits.F("user_id", userID), credits.F("subscription_id", resumed.ID.String()))
	return changeResult(res, resumed, true), nil
}

// PurchaseCount returns the number of recorded purchases, cached for a
// minute. Used by the public counter.
func (p *Provider) PurchaseCount(ctx context.Context) (int, error) {
	return cache.Fetch(ctx, p.loader, purchaseCountCacheKey, purchaseCountTTL, func(ctx context.Context) (int, error) {
		return p.store.CountPurchases(ctx)
	})
}

func (p *Provider) invalidatePurchaseCount(ctx context.Context) {
	if err := p.loader.Invalidate(ctx, purchaseCountCacheKey); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Debug("failed to invalidate purchase counter", credits.Err(err))
	}
}
