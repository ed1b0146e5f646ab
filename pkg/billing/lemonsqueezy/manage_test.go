package lemonsqueezy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/specquota/pkg/billing"
	"github.com/mihaimyh/specquota/pkg/credits"
)

func TestCheckoutURL(t *testing.T) {
	env := newTestEnv(t)

	url, err := env.provider.CheckoutURL(context.Background(), CheckoutParams{
		UserID:     "u1",
		Email:      "a@example.com",
		ProductKey: "PACK_5",
	})
	require.NoError(t, err)
	assert.Contains(t, url, "https://store.lemonsqueezy.com/checkout/custom/")

	require.Len(t, env.api.checkouts, 1)
	data := env.api.checkouts[0]["data"].(map[string]interface{})
	variant := data["relationships"].(map[string]interface{})["variant"].(map[string]interface{})["data"].(map[string]interface{})
	assert.Equal(t, "111", variant["id"], "test-mode variant")
	custom := data["attributes"].(map[string]interface{})["checkout_data"].(map[string]interface{})["custom"].(map[string]interface{})
	assert.Equal(t, "u1", custom["user_id"])
	assert.Equal(t, "pack_5", custom["product_key"])
}

func TestCheckoutURL_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.provider.CheckoutURL(ctx, CheckoutParams{UserID: "u1", ProductKey: "nope"})
	assert.ErrorIs(t, err, billing.ErrProductNotConfigured)

	_, err = env.provider.CheckoutURL(ctx, CheckoutParams{ProductKey: "pack_5"})
	assert.ErrorIs(t, err, credits.ErrInvalidInput)

	noKey := newTestEnv(t, func(c *Config) { c.APIKey = "" })
	_, err = noKey.provider.CheckoutURL(ctx, CheckoutParams{UserID: "u1", ProductKey: "pack_5"})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	liveOnly, err := billing.NewCatalog([]billing.Product{
		{Key: "pack_live", Kind: billing.KindCredits, Credits: 1, LiveVariantID: "999"},
	})
	require.NoError(t, err)
	env = newTestEnv(t, func(c *Config) { c.Catalog = liveOnly })
	_, err = env.provider.CheckoutURL(ctx, CheckoutParams{UserID: "u1", ProductKey: "pack_live"})
	assert.ErrorIs(t, err, billing.ErrProductNotConfigured)
}

func seedProSubscriber(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	env.api.AddSubscription("sub_1", nil)
	require.NoError(t, env.store.UpsertSubscription(ctx, &credits.Subscription{
		UserID: "u1", LemonSubscriptionID: "sub_1", Status: credits.StatusActive,
	}))
	_, err := env.ledger.EnableProSubscription(ctx, "u1", "test")
	require.NoError(t, err)
}

func TestCancelSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedProSubscriber(t, env)

	res, err := env.provider.CancelSubscription(ctx, "u1", "")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "sub_1", res.SubscriptionID)
	assert.Equal(t, "cancelled", res.Status)
	require.NotNil(t, res.EndsAt)
	assert.Equal(t, StrategyStoredSubscription, res.ResolvedVia)
	assert.Contains(t, env.api.Calls(), "DELETE /v1/subscriptions/sub_1")

	stored, _ := env.store.GetSubscription(ctx, "u1")
	assert.True(t, stored.CancelAtPeriodEnd)
	assert.Equal(t, "cancelled", stored.Status)

	view, _ := env.ledger.GetEntitlements(ctx, "u1")
	assert.True(t, view.Unlimited, "Pro lasts until the end of the paid period")

	env.api.ResetCalls()
	res, err = env.provider.CancelSubscription(ctx, "u1", "")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.NotContains(t, env.api.Calls(), "DELETE /v1/subscriptions/sub_1")
}

func TestCancelSubscription_NotFound(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.provider.CancelSubscription(context.Background(), "u1", "")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	require.NotNil(t, res)
	assert.False(t, res.Changed)
	assert.Len(t, res.Attempts, 6)
}

func TestResumeSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedProSubscriber(t, env)

	res, err := env.provider.ResumeSubscription(ctx, "u1", "")
	require.NoError(t, err)
	assert.False(t, res.Changed, "active subscription needs no resume")

	_, err = env.provider.CancelSubscription(ctx, "u1", "")
	require.NoError(t, err)

	res, err = env.provider.ResumeSubscription(ctx, "u1", "")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "active", res.Status)

	stored, _ := env.store.GetSubscription(ctx, "u1")
	assert.False(t, stored.CancelAtPeriodEnd)
	assert.Equal(t, "active", stored.Status)
	view, _ := env.ledger.GetEntitlements(ctx, "u1")
	assert.True(t, view.Unlimited)
}

func TestResumeSubscription_Expired(t *testing.T) {
	env := newTestEnv(t)
	env.api.AddSubscription("sub_1", map[string]interface{}{"status": "expired"})
	require.NoError(t, env.store.UpsertSubscription(context.Background(), &credits.Subscription{
		UserID: "u1", LemonSubscriptionID: "sub_1",
	}))

	_, err := env.provider.ResumeSubscription(context.Background(), "u1", "")
	assert.ErrorIs(t, err, billing.ErrNotSupported)
}

func TestPurchaseCount_CachedAndInvalidatedByOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	n, err := env.provider.PurchaseCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = env.store.SavePurchase(ctx, &credits.Purchase{OrderID: "direct", UserID: "u1"})
	require.NoError(t, err)
	n, _ = env.provider.PurchaseCount(ctx)
	assert.Zero(t, n, "served from cache")

	env.deliver(t, webhook(EventOrderCreated, "orders", "8001", orderAttrs(nil),
		map[string]interface{}{"user_id": "u1"}))
	n, _ = env.provider.PurchaseCount(ctx)
	assert.Equal(t, 2, n)
}

func TestNewProvider_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewProvider(Config{Config: billing.Config{Ledger: env.ledger}})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewProvider(Config{Config: billing.Config{Ledger: env.ledger, Catalog: testCatalog(t), Mode: "staging"}})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	assert.Equal(t, "lemonsqueezy", env.provider.Name())
	assert.Equal(t, billing.ModeTest, env.provider.Mode())
}
