package lemonsqueezy

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/specquota/pkg/credits"
)

// reconcileResult reports what applySubscription did.
type reconcileResult struct {
	Applied    bool
	Skipped    string
	ProEnabled *bool
}

// applySubscription stores sub as the user's subscription record and
// switches Pro to match its status. Records from the other billing mode,
// deliveries older than the stored record, and a lapsed subscription that
// would overwrite a different active one are skipped. A lapsed subscription
// only turns off Pro that it enabled itself.
func (p *Provider) applySubscription(ctx context.Context, userID string, sub *Subscription,
	source string) (*reconcileResult, error) {
	if !p.mode.Matches(sub.TestMode) {
		p.logger.Warn("ignoring subscription from other billing mode",
			credits.F("user_id", userID), credits.F("subscription_id", sub.ID.String()),
			credits.F("test_mode", sub.TestMode), credits.F("mode", p.mode.String()))
		return &reconcileResult{Skipped: "mode_mismatch"}, nil
	}

	existing, err := p.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	if existing != nil && existing.LemonSubscriptionID == sub.ID.String() &&
		!sub.UpdatedAt.IsZero() && sub.UpdatedAt.Before(existing.ProviderUpdatedAt) {
		p.logger.Debug("ignoring stale subscription update",
			credits.F("user_id", userID), credits.F("subscription_id", sub.ID.String()),
			credits.F("updated_at", sub.UpdatedAt), credits.F("stored_updated_at", existing.ProviderUpdatedAt))
		return &reconcileResult{Skipped: "stale"}, nil
	}

	if existing != nil && existing.LemonSubscriptionID != "" && existing.LemonSubscriptionID != sub.ID.String() &&
		existing.IsActiveLike() && !credits.IsActiveLikeStatus(sub.Status) {
		p.logger.Info("ignoring inactive subscription, user has another active one",
			credits.F("user_id", userID), credits.F("subscription_id", sub.ID.String()),
			credits.F("active_subscription_id", existing.LemonSubscriptionID))
		return &reconcileResult{Skipped: "superseded"}, nil
	}

	now := p.now()
	record := subscriptionRecord(userID, sub, now, map[string]string{"source": source})
	if err := p.store.UpsertSubscription(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}

	res := &reconcileResult{Applied: true}
	proSource := providerName + ":" + sub.ID.String()
	var enable bool
	switch {
	case sub.IsActiveLike() || inGracePeriod(sub, now):
		enable = true
	case credits.IsCancelledLikeStatus(sub.Status):
		enable = false
	default:
		return res, nil
	}

	ch, err := p.ledger.SetPro(ctx, userID, proSource, enable)
	if err != nil {
		return nil, err
	}
	if ch.HeldBy != "" {
		p.logger.Info("subscription lapsed but pro is held by another source",
			credits.F("user_id", userID), credits.F("subscription_id", sub.ID.String()),
			credits.F("pro_source", ch.HeldBy))
	}
	if ch.Changed {
		res.ProEnabled = &enable
		p.metrics.RecordProChange(providerName, enable)
	}
	return res, nil
}

// IsActiveLike reports whether the subscription keeps Pro enabled.
func (s *Subscription) IsActiveLike() bool {
	return credits.IsActiveLikeStatus(s.Status)
}

// inGracePeriod is true for a cancelled subscription whose paid period has
// not ended yet.
func inGracePeriod(sub *Subscription, now time.Time) bool {
	return sub.Status == credits.StatusCancelled && sub.EndsAt != nil && sub.EndsAt.After(now)
}

func subscriptionRecord(userID string, sub *Subscription, now time.Time, metadata map[string]string) *credits.Subscription {
	return &credits.Subscription{
		UserID:              userID,
		LemonSubscriptionID: sub.ID.String(),
		Status:              sub.Status,
		CancelAtPeriodEnd:   sub.Cancelled || inGracePeriod(sub, now),
		EndsAt:              sub.EndsAt,
		RenewsAt:            sub.RenewsAt,
		CustomerID:          sub.CustomerID.String(),
		OrderID:             sub.OrderID.String(),
		VariantID:           sub.VariantID.String(),
		TestMode:            sub.TestMode,
		Metadata:            metadata,
		ProviderUpdatedAt:   sub.UpdatedAt,
		UpdatedAt:           now,
	}
}
