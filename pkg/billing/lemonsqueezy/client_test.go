package lemonsqueezy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/specquota/pkg/billing"
)

func newTestClient(t *testing.T, baseURL string, breaker *billing.CircuitBreaker) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		APIKey:            testAPIKey,
		StoreID:           testStoreID,
		BaseURL:           baseURL,
		RequestsPerSecond: 1000,
		Breaker:           breaker,
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(ClientConfig{APIKey: "  "})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestClient_GetSubscription(t *testing.T) {
	api := newFakeAPI(t)
	api.AddSubscription("42", map[string]interface{}{"status": "past_due", "customer_id": 501})
	c := newTestClient(t, api.URL(), nil)

	sub, err := c.GetSubscription(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, ID("42"), sub.ID)
	assert.Equal(t, "past_due", sub.Status)
	assert.Equal(t, "501", sub.CustomerID.String(), "numeric foreign keys decode to strings")
	assert.True(t, sub.TestMode)
	assert.True(t, sub.IsActiveLike())
}

func TestClient_SendsJSONAPIHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeDoc(w, "subscriptions", "1", map[string]interface{}{"status": "active"})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).GetSubscription(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+testAPIKey, got.Get("Authorization"))
	assert.Equal(t, jsonAPIContentType, got.Get("Accept"))
}

func TestClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/subscriptions/missing":
			writeAPIError(w, http.StatusNotFound, "Not Found")
		default:
			writeAPIError(w, http.StatusUnprocessableEntity, "Invalid variant")
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, nil)

	_, err := c.GetSubscription(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)

	_, err = c.GetSubscription(context.Background(), "bad")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.NotErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "Invalid variant")
	assert.Contains(t, err.Error(), "Invalid variant")
}

func TestClient_ListSubscriptions_FiltersAndPages(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		queries = append(queries, q.Encode())
		page := q.Get("page[number]")

		links := map[string]interface{}{}
		if page == "1" {
			links["next"] = "https://api.lemonsqueezy.com/v1/subscriptions?page[number]=2"
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"type": "subscriptions", "id": "s" + page, "attributes": map[string]interface{}{"status": "active"}},
			},
			"links": links,
		})
	}))
	defer srv.Close()

	subs, err := newTestClient(t, srv.URL, nil).ListSubscriptions(context.Background(),
		SubscriptionFilter{UserEmail: "a@example.com"})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, ID("s1"), subs[0].ID)
	assert.Equal(t, ID("s2"), subs[1].ID)

	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "filter%5Bstore_id%5D="+testStoreID)
	assert.Contains(t, queries[0], "filter%5Buser_email%5D=a%40example.com")
	assert.NotContains(t, queries[0], "order_id")
}

func TestClient_CreateCheckout(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api.URL(), nil)

	checkout, err := c.CreateCheckout(context.Background(), CheckoutRequest{
		VariantID:   "111",
		Email:       "a@example.com",
		Custom:      map[string]string{"user_id": "u1"},
		RedirectURL: "https://app.example.com/done",
		TestMode:    true,
	})
	require.NoError(t, err)
	assert.Contains(t, checkout.URL, "/checkout/custom/")

	require.Len(t, api.checkouts, 1)
	data := api.checkouts[0]["data"].(map[string]interface{})
	attrs := data["attributes"].(map[string]interface{})
	custom := attrs["checkout_data"].(map[string]interface{})["custom"].(map[string]interface{})
	assert.Equal(t, "u1", custom["user_id"])
	assert.Equal(t, true, attrs["test_mode"])

	rel := data["relationships"].(map[string]interface{})
	variant := rel["variant"].(map[string]interface{})["data"].(map[string]interface{})
	assert.Equal(t, "111", variant["id"])
	store := rel["store"].(map[string]interface{})["data"].(map[string]interface{})
	assert.Equal(t, testStoreID, store["id"])
}

func TestClient_CreateCheckoutNeedsStore(t *testing.T) {
	c, err := NewClient(ClientConfig{APIKey: testAPIKey})
	require.NoError(t, err)
	_, err = c.CreateCheckout(context.Background(), CheckoutRequest{VariantID: "1"})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestClient_BreakerOpensOnServerErrorsOnly(t *testing.T) {
	var status, hits atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		code := int(status.Load())
		writeAPIError(w, code, fmt.Sprintf("status %d", code))
	}))
	defer srv.Close()

	breaker := billing.NewCircuitBreaker(billing.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2},
		isBreakerFailure, nil)
	c := newTestClient(t, srv.URL, breaker)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetSubscription(ctx, "x")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, billing.StateClosed, breaker.State(), "404 answers mean the API is up")

	status.Store(http.StatusBadGateway)
	for i := 0; i < 2; i++ {
		_, _ = c.GetSubscription(ctx, "x")
	}
	assert.Equal(t, billing.StateOpen, breaker.State())

	before := hits.Load()
	_, err := c.GetSubscription(ctx, "x")
	assert.ErrorIs(t, err, billing.ErrCircuitOpen)
	assert.Equal(t, before, hits.Load())
}
