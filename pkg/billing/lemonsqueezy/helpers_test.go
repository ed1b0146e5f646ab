package lemonsqueezy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/specquota/pkg/billing"
	"github.com/mihaimyh/specquota/pkg/credits"
	"github.com/mihaimyh/specquota/storage/memory"
)

const (
	testAPIKey  = "test-api-key"
	testSecret  = "whsec-test"
	testStoreID = "77"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeAPI is an in-process stand-in for the Lemon Squeezy REST API.
type fakeAPI struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	subs      map[string]map[string]interface{}
	orders    map[string]map[string]interface{}
	calls     []string
	checkouts []map[string]interface{}
	failWith  int
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{
		t:      t,
		subs:   make(map[string]map[string]interface{}),
		orders: make(map[string]map[string]interface{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/subscriptions/{id}", f.getSubscription)
	mux.HandleFunc("DELETE /v1/subscriptions/{id}", f.cancelSubscription)
	mux.HandleFunc("PATCH /v1/subscriptions/{id}", f.updateSubscription)
	mux.HandleFunc("GET /v1/subscriptions", f.listSubscriptions)
	mux.HandleFunc("GET /v1/customers/{id}/subscriptions", f.customerSubscriptions)
	mux.HandleFunc("GET /v1/orders/{id}", f.getOrder)
	mux.HandleFunc("POST /v1/checkouts", f.createCheckout)

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		failWith := f.failWith
		f.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+testAPIKey {
			writeAPIError(w, http.StatusUnauthorized, "Unauthenticated")
			return
		}
		if failWith != 0 {
			writeAPIError(w, failWith, "Server Error")
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) URL() string { return f.server.URL }

func (f *fakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeAPI) FailWith(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = status
}

// AddSubscription registers a subscription. Unset attributes get defaults
// for an active test-mode subscription.
func (f *fakeAPI) AddSubscription(id string, attrs map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	full := map[string]interface{}{
		"store_id":      77,
		"customer_id":   500,
		"order_id":      9000,
		"order_item_id": 9100,
		"product_id":    300,
		"variant_id":    112,
		"user_email":    "buyer@example.com",
		"status":        "active",
		"cancelled":     false,
		"renews_at":     testNow.Add(30 * 24 * time.Hour).Format(time.RFC3339),
		"ends_at":       nil,
		"created_at":    testNow.Add(-24 * time.Hour).Format(time.RFC3339),
		"updated_at":    testNow.Add(-time.Hour).Format(time.RFC3339),
		"test_mode":     true,
	}
	for k, v := range attrs {
		full[k] = v
	}
	f.subs[id] = full
}

func (f *fakeAPI) AddOrder(id string, attrs map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	full := map[string]interface{}{
		"store_id":    77,
		"customer_id": 500,
		"user_email":  "buyer@example.com",
		"status":      "paid",
		"total":       999,
		"currency":    "USD",
		"test_mode":   true,
		"created_at":  testNow.Add(-24 * time.Hour).Format(time.RFC3339),
		"first_order_item": map[string]interface{}{
			"id":         9100,
			"order_id":   id,
			"variant_id": 112,
		},
	}
	for k, v := range attrs {
		full[k] = v
	}
	f.orders[id] = full
}

func (f *fakeAPI) getSubscription(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	attrs, ok := f.subs[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeDoc(w, "subscriptions", r.PathValue("id"), attrs)
}

func (f *fakeAPI) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f.mu.Lock()
	attrs, ok := f.subs[id]
	if ok {
		attrs["status"] = "cancelled"
		attrs["cancelled"] = true
		attrs["ends_at"] = attrs["renews_at"]
		attrs["updated_at"] = testNow.Format(time.RFC3339)
	}
	f.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeDoc(w, "subscriptions", id, attrs)
}

func (f *fakeAPI) updateSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Data struct {
			Attributes map[string]interface{} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	attrs, ok := f.subs[id]
	if ok {
		if c, set := body.Data.Attributes["cancelled"]; set && c == false {
			attrs["status"] = "active"
			attrs["cancelled"] = false
			attrs["ends_at"] = nil
			attrs["updated_at"] = testNow.Add(time.Minute).Format(time.RFC3339)
		}
	}
	f.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeDoc(w, "subscriptions", id, attrs)
}

func (f *fakeAPI) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("filter[store_id]") != testStoreID {
		writeAPIError(w, http.StatusBadRequest, "store filter missing")
		return
	}
	f.writeList(w, func(attrs map[string]interface{}) bool {
		return matches(attrs, "order_id", q.Get("filter[order_id]")) &&
			matches(attrs, "order_item_id", q.Get("filter[order_item_id]")) &&
			matches(attrs, "user_email", q.Get("filter[user_email]")) &&
			matches(attrs, "status", q.Get("filter[status]"))
	})
}

func (f *fakeAPI) customerSubscriptions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f.writeList(w, func(attrs map[string]interface{}) bool {
		return matches(attrs, "customer_id", id)
	})
}

func (f *fakeAPI) writeList(w http.ResponseWriter, keep func(map[string]interface{}) bool) {
	f.mu.Lock()
	data := []map[string]interface{}{}
	for id, attrs := range f.subs {
		if keep(attrs) {
			data = append(data, map[string]interface{}{"type": "subscriptions", "id": id, "attributes": attrs})
		}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", jsonAPIContentType)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data, "links": map[string]interface{}{}})
}

func (f *fakeAPI) getOrder(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	attrs, ok := f.orders[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeDoc(w, "orders", r.PathValue("id"), attrs)
}

func (f *fakeAPI) createCheckout(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.mu.Lock()
	f.checkouts = append(f.checkouts, body)
	n := len(f.checkouts)
	f.mu.Unlock()

	id := "chk_" + strconv.Itoa(n)
	w.WriteHeader(http.StatusCreated)
	writeDoc(w, "checkouts", id, map[string]interface{}{
		"url":       "https://store.lemonsqueezy.com/checkout/custom/" + id,
		"test_mode": true,
	})
}

func matches(attrs map[string]interface{}, key, want string) bool {
	if want == "" {
		return true
	}
	v, ok := attrs[key]
	if !ok || v == nil {
		return false
	}
	return strings.EqualFold(customString(v), want) || customString(v) == want
}

func writeDoc(w http.ResponseWriter, kind, id string, attrs map[string]interface{}) {
	w.Header().Set("Content-Type", jsonAPIContentType)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]interface{}{"type": kind, "id": id, "attributes": attrs},
	})
}

func writeAPIError(w http.ResponseWriter, status int, title string) {
	w.Header().Set("Content-Type", jsonAPIContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []map[string]string{{"status": strconv.Itoa(status), "title": title}},
	})
}

func testCatalog(t *testing.T) *billing.Catalog {
	t.Helper()
	cat, err := billing.NewCatalog([]billing.Product{
		{Key: "pack_5", Kind: billing.KindCredits, Credits: 5, TestVariantID: "111", LiveVariantID: "211"},
		{Key: "pro_monthly", Kind: billing.KindSubscription, TestVariantID: "112", LiveVariantID: "212"},
	})
	require.NoError(t, err)
	return cat
}

type testEnv struct {
	provider *Provider
	store    *memory.Storage
	ledger   *credits.Ledger
	api      *fakeAPI
	events   []billing.WebhookEvent
	mu       sync.Mutex
}

func (e *testEnv) Events() []billing.WebhookEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]billing.WebhookEvent(nil), e.events...)
}

// newTestEnv builds a provider in test mode against a fake API.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{store: memory.New(), api: newFakeAPI(t)}

	ledger, err := credits.NewLedger(env.store, credits.Config{Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	env.ledger = ledger

	cfg := Config{
		Config: billing.Config{
			Ledger:        ledger,
			Catalog:       testCatalog(t),
			Mode:          billing.ModeTest,
			WebhookSecret: testSecret,
			APIKey:        testAPIKey,
			WebhookCallback: func(_ context.Context, event billing.WebhookEvent) error {
				env.mu.Lock()
				defer env.mu.Unlock()
				env.events = append(env.events, event)
				return nil
			},
		},
		StoreID:              testStoreID,
		APIBaseURL:           env.api.URL(),
		APIRequestsPerSecond: 1000,
		Now:                  func() time.Time { return testNow },
	}
	for _, m := range mutate {
		m(&cfg)
	}

	p, err := NewProvider(cfg)
	require.NoError(t, err)
	env.provider = p
	return env
}

// deliver signs payload and runs it through the webhook handler.
func (e *testEnv) deliver(t *testing.T, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/lemon/webhook", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, Sign([]byte(testSecret), body))
	rec := httptest.NewRecorder()
	e.provider.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func webhook(event, kind, id string, attrs, customData map[string]interface{}) map[string]interface{} {
	meta := map[string]interface{}{"event_name": event, "test_mode": true}
	if customData != nil {
		meta["custom_data"] = customData
	}
	return map[string]interface{}{
		"meta": meta,
		"data": map[string]interface{}{"type": kind, "id": id, "attributes": attrs},
	}
}

func orderAttrs(overrides map[string]interface{}) map[string]interface{} {
	attrs := map[string]interface{}{
		"store_id":    77,
		"customer_id": 500,
		"user_email":  "buyer@example.com",
		"status":      "paid",
		"total":       500,
		"currency":    "USD",
		"test_mode":   true,
		"created_at":  testNow.Format(time.RFC3339),
		"first_order_item": map[string]interface{}{
			"id":         9100,
			"variant_id": 111,
		},
	}
	for k, v := range overrides {
		attrs[k] = v
	}
	return attrs
}

func subscriptionAttrs(overrides map[string]interface{}) map[string]interface{} {
	attrs := map[string]interface{}{
		"store_id":      77,
		"customer_id":   500,
		"order_id":      9000,
		"order_item_id": 9100,
		"variant_id":    112,
		"user_email":    "buyer@example.com",
		"status":        "active",
		"cancelled":     false,
		"renews_at":     testNow.Add(30 * 24 * time.Hour).Format(time.RFC3339),
		"ends_at":       nil,
		"created_at":    testNow.Add(-time.Hour).Format(time.RFC3339),
		"updated_at":    testNow.Format(time.RFC3339),
		"test_mode":     true,
	}
	for k, v := range overrides {
		attrs[k] = v
	}
	return attrs
}
