package lemonsqueezy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/specquota/pkg/billing"
	"github.com/mihaimyh/specquota/pkg/credits"
)

func TestWebhook_RejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	body, _ := json.Marshal(webhook(EventOrderCreated, "orders", "1001", orderAttrs(nil),
		map[string]interface{}{"user_id": "u1"}))

	for _, sig := range []string{"", "deadbeef", Sign([]byte("wrong"), body)} {
		req := httptest.NewRequest(http.MethodPost, "/api/lemon/webhook", bytes.NewReader(body))
		req.Header.Set(SignatureHeader, sig)
		rec := httptest.NewRecorder()
		env.provider.WebhookHandler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	p, err := env.store.GetPurchase(context.Background(), "1001")
	require.NoError(t, err)
	assert.Nil(t, p, "nothing is processed without a valid signature")
}

func TestWebhook_TransportErrors(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/lemon/webhook", nil)
	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	big := bytes.Repeat([]byte("a"), maxWebhookBodyBytes+1)
	req = httptest.NewRequest(http.MethodPost, "/api/lemon/webhook", bytes.NewReader(big))
	req.Header.Set(SignatureHeader, Sign([]byte(testSecret), big))
	rec = httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	unconfigured := newTestEnv(t, func(c *Config) { c.WebhookSecret = "" })
	rec = unconfigured.deliver(t, webhook("order_created", "orders", "1", orderAttrs(nil), nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_OrderCreatedGrantsCreditPack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload := webhook(EventOrderCreated, "orders", "1001", orderAttrs(nil),
		map[string]interface{}{"user_id": "u1", "product_key": "pack_5"})

	rec := env.deliver(t, payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	view, err := env.ledger.GetEntitlements(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, view.SpecCredits)

	p, err := env.store.GetPurchase(ctx, "1001")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "pack_5", p.ProductKey)
	assert.Equal(t, "111", p.VariantID)
	assert.Equal(t, "500", p.CustomerID)

	profile, err := env.store.GetUserProfile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "500", profile.LemonCustomerID)
	assert.Equal(t, "1001", profile.LastOrderID)

	events := env.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, 5, events[0].CreditsGranted)
	assert.Equal(t, "1001", events[0].OrderID)

	// Redelivery must not grant twice.
	rec = env.deliver(t, payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	view, _ = env.ledger.GetEntitlements(ctx, "u1")
	assert.Equal(t, 5, view.SpecCredits)
	events = env.Events()
	require.Len(t, events, 2)
	assert.Zero(t, events[1].CreditsGranted)
}

func TestWebhook_OrderCustomDataLocations(t *testing.T) {
	tests := []struct {
		name     string
		meta     map[string]interface{}
		override map[string]interface{}
		wantUser string
	}{
		{
			name:     "meta custom_data",
			meta:     map[string]interface{}{"user_id": "meta-user"},
			wantUser: "meta-user",
		},
		{
			name:     "attributes custom_data",
			override: map[string]interface{}{"custom_data": map[string]interface{}{"userId": "attr-user"}},
			wantUser: "attr-user",
		},
		{
			name: "checkout_data custom",
			override: map[string]interface{}{
				"checkout_data": map[string]interface{}{"custom": map[string]interface{}{"user_id": "checkout-user"}},
			},
			wantUser: "checkout-user",
		},
		{
			name: "meta wins over checkout data",
			meta: map[string]interface{}{"user_id": "meta-user"},
			override: map[string]interface{}{
				"checkout_data": map[string]interface{}{"custom": map[string]interface{}{"user_id": "checkout-user"}},
			},
			wantUser: "meta-user",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.deliver(t, webhook(EventOrderCreated, "orders", "2001", orderAttrs(tt.override), tt.meta))
			require.Equal(t, http.StatusOK, rec.Code)

			p, err := env.store.GetPurchase(context.Background(), "2001")
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, tt.wantUser, p.UserID)

			view, err := env.ledger.GetEntitlements(context.Background(), tt.wantUser)
			require.NoError(t, err)
			assert.Equal(t, 5, view.SpecCredits, "product resolved from the variant")
		})
	}
}

func TestWebhook_OrderFallsBackToUserEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.UpdateUserBilling(ctx, "u-mail", credits.BillingUpdate{Email: "Buyer@Example.com"}))

	rec := env.deliver(t, webhook(EventOrderCreated, "orders", "3001", orderAttrs(nil), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	view, err := env.ledger.GetEntitlements(ctx, "u-mail")
	require.NoError(t, err)
	assert.Equal(t, 5, view.SpecCredits)
}

func TestWebhook_ProcessingErrorStillAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	// No custom data and no user with this email.
	rec := env.deliver(t, webhook(EventOrderCreated, "orders", "4001", orderAttrs(nil), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	assert.Empty(t, env.Events())

	n, err := env.store.CountPurchases(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	rec = env.deliver(t, map[string]interface{}{"meta": "not an object"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_IgnoresOtherMode(t *testing.T) {
	env := newTestEnv(t)
	rec := env.deliver(t, webhook(EventOrderCreated, "orders", "5001",
		orderAttrs(map[string]interface{}{"test_mode": false}), map[string]interface{}{"user_id": "u1"}))
	require.Equal(t, http.StatusOK, rec.Code)

	view, _ := env.ledger.GetEntitlements(context.Background(), "u1")
	assert.Zero(t, view.SpecCredits)
	assert.Empty(t, env.Events())
}

func TestWebhook_UnpaidOrderRecordedWithoutGrant(t *testing.T) {
	env := newTestEnv(t)
	rec := env.deliver(t, webhook(EventOrderCreated, "orders", "5101",
		orderAttrs(map[string]interface{}{"status": "pending"}), map[string]interface{}{"user_id": "u1"}))
	require.Equal(t, http.StatusOK, rec.Code)

	p, _ := env.store.GetPurchase(context.Background(), "5101")
	require.NotNil(t, p)
	view, _ := env.ledger.GetEntitlements(context.Background(), "u1")
	assert.Zero(t, view.SpecCredits)
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.GrantCredits(ctx, "u1", 3, "admin", map[string]string{"reference": "seed"})
	require.NoError(t, err)

	rec := env.deliver(t, webhook(EventSubscriptionCreated, "subscriptions", "sub_1",
		subscriptionAttrs(nil), map[string]interface{}{"user_id": "u1"}))
	require.Equal(t, http.StatusOK, rec.Code)

	view, err := env.ledger.GetEntitlements(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, view.Unlimited)
	assert.Equal(t, 3, view.PreservedCredits)

	stored, err := env.store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "sub_1", stored.LemonSubscriptionID)
	assert.Equal(t, "active", stored.Status)

	// Later events carry no custom data; the owner comes from the stored record.
	rec = env.deliver(t, webhook(EventSubscriptionExpired, "subscriptions", "sub_1",
		subscriptionAttrs(map[string]interface{}{
			"status":     "expired",
			"updated_at": testNow.Add(time.Hour).Format(time.RFC3339),
			"ends_at":    testNow.Format(time.RFC3339),
		}), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	view, _ = env.ledger.GetEntitlements(ctx, "u1")
	assert.False(t, view.Unlimited)
	assert.Equal(t, 3, view.SpecCredits, "pre-upgrade balance restored")

	events := env.Events()
	require.Len(t, events, 2)
	require.NotNil(t, events[1].ProEnabled)
	assert.False(t, *events[1].ProEnabled)
	assert.Equal(t, "expired", events[1].Status)
}

func TestWebhook_ExpiredSubscriptionKeepsAdminPro(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.EnableProSubscription(ctx, "u1", "admin:root")
	require.NoError(t, err)

	rec := env.deliver(t, webhook(EventSubscriptionExpired, "subscriptions", "42",
		subscriptionAttrs(map[string]interface{}{
			"status":  "expired",
			"ends_at": testNow.Add(-time.Hour).Format(time.RFC3339),
		}), map[string]interface{}{"user_id": "u1"}))
	require.Equal(t, http.StatusOK, rec.Code)

	ent, err := env.store.GetEntitlements(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.True(t, ent.Unlimited)
	assert.Equal(t, "admin:root", ent.ProSource)

	stored, err := env.store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "expired", stored.Status)

	events := env.Events()
	require.Len(t, events, 1)
	assert.Nil(t, events[0].ProEnabled)
}

type proChangeCounter struct {
	billing.NoopMetrics
	mu      sync.Mutex
	changes []bool
}

func (m *proChangeCounter) RecordProChange(_ string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, enabled)
}

func (m *proChangeCounter) Changes() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.changes...)
}

func TestWebhook_ProChangeRecordedOnlyOnTransition(t *testing.T) {
	metrics := &proChangeCounter{}
	env := newTestEnv(t, func(c *Config) { c.Metrics = metrics })

	env.deliver(t, webhook(EventSubscriptionCreated, "subscriptions", "sub_1",
		subscriptionAttrs(nil), map[string]interface{}{"user_id": "u1"}))
	env.deliver(t, webhook(EventSubscriptionUpdated, "subscriptions", "sub_1",
		subscriptionAttrs(map[string]interface{}{
			"updated_at": testNow.Add(time.Minute).Format(time.RFC3339),
		}), nil))
	env.deliver(t, webhook(EventSubscriptionExpired, "subscriptions", "sub_1",
		subscriptionAttrs(map[string]interface{}{
			"status":     "expired",
			"updated_at": testNow.Add(2 * time.Minute).Format(time.RFC3339),
		}), nil))
	env.deliver(t, webhook(EventSubscriptionExpired, "subscriptions", "sub_1",
		subscriptionAttrs(map[string]interface{}{
			"status":     "expired",
			"updated_at": testNow.Add(3 * time.Minute).Format(time.RFC3339),
		}), nil))

	assert.Equal(t, []bool{true, false}, metrics.Changes())

	events := env.Events()
	require.Len(t, events, 4)
	require.NotNil(t, events[0].ProEnabled)
	assert.Nil(t, events[1].ProEnabled)
	require.NotNil(t, events[2].ProEnabled)
	assert.Nil(t, events[3].ProEnabled)
}

func TestWebhook_CancelledKeepsProUntilPeriodEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, webhook(EventSubscriptionCreated, "subscriptions", "sub_1",
		subscriptionAttrs(nil), map[string]interface{}{"user_id": "u1"}))
	env.deliver(t, webhook(EventSubscriptionCancelled, "subscriptions", "sub_1",
		subscriptionAttrs(map[string]interface{}{
			"status":     "cancelled",
			"cancelled":  true,
			"ends_at":    testNow.Add(10 * 24 * time.Hour).Format(time.RFC3339),
			"updated_at": testNow.Add(time.Minute).Format(time.RFC3339),
		}), nil))

	view, _ := env.ledger.GetEntitlements(ctx, "u1")
	assert.True(t, view.Unlimited, "grace period keeps Pro")

	stored, _ := env.store.GetSubscription(ctx, "u1")
	assert.True(t, stored.CancelAtPeriodEnd)
	assert.Equal(t, "cancelled", stored.Status)

	env.deliver(t, webhook(EventSubscriptionCancelled, "subscriptions", "sub_1",
		subscriptionAttrs(map[string]interface{}{
			"status":     "cancelled",
			"cancelled":  true,
			"ends_at":    testNow.Add(-time.Minute).Format(time.RFC3339),
			"updated_at": testNow.Add(2 * time.Minute).Format(time.RFC3339),
		}), nil))
	view, _ = env.ledger.GetEntitlements(ctx, "u1")
	assert.False(t, view.Unlimited)
}

func TestWebhook_StaleSubscriptionUpdateIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, webhook(EventSubscriptionUpdated, "subscriptions", "sub_1",
		subscriptionAttrs(nil), map[string]interface{}{"user_id": "u1"}))

	// An older delivery arrives late.
	env.deliver(t, webhook(EventSubscriptionExpired, "subscriptions", "sub_1",
		subscriptionAttrs(map[string]interface{}{
			"status":     "expired",
			"updated_at": testNow.Add(-time.Hour).Format(time.RFC3339),
		}), map[string]interface{}{"user_id": "u1"}))

	view, _ := env.ledger.GetEntitlements(ctx, "u1")
	assert.True(t, view.Unlimited)
	stored, _ := env.store.GetSubscription(ctx, "u1")
	assert.Equal(t, "active", stored.Status)
	assert.Len(t, env.Events(), 1)
}

func TestWebhook_LapsedSubscriptionDoesNotOverrideActiveOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, webhook(EventSubscriptionCreated, "subscriptions", "sub_new",
		subscriptionAttrs(nil), map[string]interface{}{"user_id": "u1"}))
	env.deliver(t, webhook(EventSubscriptionExpired, "subscriptions", "sub_old",
		subscriptionAttrs(map[string]interface{}{"status": "expired"}), map[string]interface{}{"user_id": "u1"}))

	view, _ := env.ledger.GetEntitlements(ctx, "u1")
	assert.True(t, view.Unlimited)
	stored, _ := env.store.GetSubscription(ctx, "u1")
	assert.Equal(t, "sub_new", stored.LemonSubscriptionID)
}

func TestWebhook_PaymentEventRefetchesSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.api.AddSubscription("sub_9", map[string]interface{}{"status": "active"})

	rec := env.deliver(t, webhook(EventSubscriptionPaymentSuccess, "subscription-invoices", "inv_1",
		map[string]interface{}{
			"subscription_id": nil,
			"status":          "paid",
			"test_mode":       true,
		}, map[string]interface{}{"user_id": "u1"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.Events(), "invoice without a subscription reference is rejected")

	rec = env.deliver(t, webhook(EventSubscriptionPaymentSuccess, "subscription-invoices", "inv_2",
		map[string]interface{}{
			"subscription_id": "sub_9",
			"status":          "paid",
			"test_mode":       true,
		}, map[string]interface{}{"user_id": "u1"}))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, env.api.Calls(), "GET /v1/subscriptions/sub_9")
	view, _ := env.ledger.GetEntitlements(ctx, "u1")
	assert.True(t, view.Unlimited)
}

func TestWebhook_UnknownEventAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	rec := env.deliver(t, webhook("license_key_created", "license-keys", "1", map[string]interface{}{}, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.Events())
}

func TestWebhook_CallbackErrorDoesNotFailWebhook(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.WebhookCallback = func(context.Context, billing.WebhookEvent) error {
			return errors.New("downstream unavailable")
		}
	})
	rec := env.deliver(t, webhook(EventOrderCreated, "orders", "6001", orderAttrs(nil),
		map[string]interface{}{"user_id": "u1"}))
	assert.Equal(t, http.StatusOK, rec.Code)

	view, _ := env.ledger.GetEntitlements(context.Background(), "u1")
	assert.Equal(t, 5, view.SpecCredits)
}

func TestWebhook_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.WebhookRateLimit = 2 })
	var codes []int
	for i := 0; i < 3; i++ {
		rec := env.deliver(t, webhook("ping", "pings", "1", map[string]interface{}{}, nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestMergeCustomData(t *testing.T) {
	got := mergeCustomData(
		map[string]interface{}{"UserId": "a", "n": float64(3)},
		map[string]interface{}{"user_id": "b", "product_key": "pack_5", "empty": ""},
	)
	assert.Equal(t, "a", got["user_id"])
	assert.Equal(t, "3", got["n"])
	assert.Equal(t, "pack_5", got["product_key"])
	_, ok := got["empty"]
	assert.False(t, ok)
	assert.False(t, strings.Contains(strings.Join(keys(got), ","), "UserId"))
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
