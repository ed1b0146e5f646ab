package lemonsqueezy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mihaimyh/specquota/pkg/billing"
	"github.com/mihaimyh/specquota/pkg/credits"
)

const (
	defaultAPIBaseURL  = "https://api.lemonsqueezy.com"
	jsonAPIContentType = "application/vnd.api+json"
	maxResponseBytes   = 2 << 20
	listPageSize       = 50
	maxListPages       = 5
)

// ErrNotFound is returned when the API answers 404.
var ErrNotFound = errors.New("lemonsqueezy: resource not found")

// APIError is a non-2xx API response. The full body is kept for logs.
type APIError struct {
	StatusCode int
	Method     string
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lemonsqueezy %s %s: status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.summary())
}

// Unwrap ties APIError to billing.ErrProviderAPIError, and 404s to ErrNotFound.
func (e *APIError) Unwrap() []error {
	if e.StatusCode == http.StatusNotFound {
		return []error{billing.ErrProviderAPIError, ErrNotFound}
	}
	return []error{billing.ErrProviderAPIError}
}

func (e *APIError) summary() string {
	var doc errorDocument
	if err := json.Unmarshal([]byte(e.Body), &doc); err == nil && len(doc.Errors) > 0 {
		parts := make([]string, 0, len(doc.Errors))
		for _, d := range doc.Errors {
			parts = append(parts, strings.TrimSpace(d.Title+" "+d.Detail))
		}
		return strings.Join(parts, "; ")
	}
	if len(e.Body) > 200 {
		return e.Body[:200] + "..."
	}
	return e.Body
}

// ClientConfig configures the API client.
type ClientConfig struct {
	APIKey  string
	StoreID string

	// BaseURL defaults to https://api.lemonsqueezy.com.
	BaseURL string

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	// RequestsPerSecond paces outbound calls (default: 1). The API allows
	// 300 calls per minute per key.
	RequestsPerSecond float64
	Burst             int

	// Breaker, when set, guards every call.
	Breaker *billing.CircuitBreaker

	Metrics billing.Metrics
	Logger  credits.Logger
}

// Client is a minimal JSON:API client for the Lemon Squeezy REST API.
type Client struct {
	baseURL    string
	apiKey     string
	storeID    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *billing.CircuitBreaker
	metrics    billing.Metrics
	logger     credits.Logger
}

// NewClient creates an API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: lemonsqueezy API key is required", billing.ErrProviderNotConfigured)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &credits.NoopLogger{}
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		storeID:    strings.TrimSpace(cfg.StoreID),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		breaker:    cfg.Breaker,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// GetSubscription fetches one subscription.
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var doc document[SubscriptionAttributes]
	if err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(id), "/v1/subscriptions/{id}",
		nil, nil, &doc); err != nil {
		return nil, err
	}
	return toSubscription(doc.Data), nil
}

// SubscriptionFilter narrows ListSubscriptions. Empty fields are ignored;
// the client's store ID is always applied.
type SubscriptionFilter struct {
	OrderID     string
	OrderItemID string
	ProductID   string
	VariantID   string
	UserEmail   string
	Status      string
}

func (f SubscriptionFilter) query(storeID string) url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set("filter["+k+"]", v)
		}
	}
	set("store_id", storeID)
	set("order_id", f.OrderID)
	set("order_item_id", f.OrderItemID)
	set("product_id", f.ProductID)
	set("variant_id", f.VariantID)
	set("user_email", f.UserEmail)
	set("status", f.Status)
	q.Set("page[size]", strconv.Itoa(listPageSize))
	return q
}

// ListSubscriptions lists subscriptions matching filter, following
// pagination for a bounded number of pages.
func (c *Client) ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*Subscription, error) {
	return c.listSubscriptions(ctx, "/v1/subscriptions", "/v1/subscriptions", filter.query(c.storeID))
}

// CustomerSubscriptions lists the subscriptions of a customer.
func (c *Client) CustomerSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	q := url.Values{}
	q.Set("page[size]", strconv.Itoa(listPageSize))
	return c.listSubscriptions(ctx, "/v1/customers/"+url.PathEscape(customerID)+"/subscriptions",
		"/v1/customers/{id}/subscriptions", q)
}

func (c *Client) listSubscriptions(ctx context.Context, path, endpoint string, q url.Values) ([]*Subscription, error) {
	var out []*Subscription
	for page := 1; page <= maxListPages; page++ {
		q.Set("page[number]", strconv.Itoa(page))

		var doc listDocument[SubscriptionAttributes]
		if err := c.do(ctx, http.MethodGet, path, endpoint, q, nil, &doc); err != nil {
			return nil, err
		}
		for _, r := range doc.Data {
			out = append(out, toSubscription(r))
		}
		if doc.Links.Next == "" || len(doc.Data) == 0 {
			break
		}
	}
	return out, nil
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var doc document[OrderAttributes]
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(id), "/v1/orders/{id}",
		nil, nil, &doc); err != nil {
		return nil, err
	}
	return &Order{ID: doc.Data.ID, OrderAttributes: doc.Data.Attributes}, nil
}

// CancelSubscription cancels at the end of the current period. The API
// returns the subscription with status "cancelled" and ends_at set.
func (c *Client) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	var doc document[SubscriptionAttributes]
	if err := c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(id), "/v1/subscriptions/{id}",
		nil, nil, &doc); err != nil {
		return nil, err
	}
	return toSubscription(doc.Data), nil
}

// SubscriptionUpdate is a PATCH of subscription attributes.
type SubscriptionUpdate struct {
	Cancelled *bool  `json:"cancelled,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
}

// UpdateSubscription patches a subscription. Setting Cancelled to false
// resumes a subscription cancelled during its grace period.
func (c *Client) UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (*Subscription, error) {
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type":       "subscriptions",
			"id":         id,
			"attributes": update,
		},
	}
	var doc document[SubscriptionAttributes]
	if err := c.do(ctx, http.MethodPatch, "/v1/subscriptions/"+url.PathEscape(id), "/v1/subscriptions/{id}",
		nil, body, &doc); err != nil {
		return nil, err
	}
	return toSubscription(doc.Data), nil
}

// CheckoutRequest describes a checkout to create.
type CheckoutRequest struct {
	VariantID   string
	Email       string
	Name        string
	Custom      map[string]string
	RedirectURL string
	TestMode    bool
	ExpiresAt   *time.Time
}

// CreateCheckout creates a hosted checkout and returns its URL.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if c.storeID == "" {
		return nil, fmt.Errorf("%w: lemonsqueezy store ID is required for checkouts", billing.ErrProviderNotConfigured)
	}

	checkoutData := map[string]interface{}{}
	if req.Email != "" {
		checkoutData["email"] = req.Email
	}
	if req.Name != "" {
		checkoutData["name"] = req.Name
	}
	if len(req.Custom) > 0 {
		checkoutData["custom"] = req.Custom
	}
	attrs := map[string]interface{}{
		"checkout_data": checkoutData,
		"test_mode":     req.TestMode,
	}
	if req.RedirectURL != "" {
		attrs["product_options"] = map[string]interface{}{"redirect_url": req.RedirectURL}
	}
	if req.ExpiresAt != nil {
		attrs["expires_at"] = req.ExpiresAt.UTC().Format(time.RFC3339)
	}

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type":       "checkouts",
			"attributes": attrs,
			"relationships": map[string]interface{}{
				"store":   relationship("stores", c.storeID),
				"variant": relationship("variants", req.VariantID),
			},
		},
	}

	var doc document[checkoutAttributes]
	if err := c.do(ctx, http.MethodPost, "/v1/checkouts", "/v1/checkouts", nil, body, &doc); err != nil {
		return nil, err
	}
	return &Checkout{
		ID:        doc.Data.ID,
		URL:       doc.Data.Attributes.URL,
		ExpiresAt: doc.Data.Attributes.ExpiresAt,
		TestMode:  doc.Data.Attributes.TestMode,
	}, nil
}

func relationship(kind, id string) map[string]interface{} {
	return map[string]interface{}{"data": map[string]string{"type": kind, "id": id}}
}

func (c *Client) do(ctx context.Context, method, path, endpoint string, query url.Values,
	body interface{}, out interface{}) error {
	if c.breaker == nil {
		return c.doOnce(ctx, method, path, endpoint, query, body, out)
	}
	return c.breaker.Execute(ctx, func() error {
		return c.doOnce(ctx, method, path, endpoint, query, body, out)
	})
}

func (c *Client) doOnce(ctx context.Context, method, path, endpoint string, query url.Values,
	body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", jsonAPIContentType)
	if body != nil {
		req.Header.Set("Content-Type", jsonAPIContentType)
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordAPICall(providerName, endpoint, "error")
		c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
		return fmt.Errorf("lemonsqueezy %s %s: %w", method, endpoint, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	c.metrics.RecordAPICall(providerName, endpoint, strconv.Itoa(res.StatusCode))
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode, Method: method, Endpoint: endpoint, Body: string(raw)}
		if res.StatusCode == http.StatusNotFound {
			c.logger.Debug("lemonsqueezy resource not found",
				credits.F("method", method), credits.F("path", path))
		} else {
			c.logger.Error("lemonsqueezy API error",
				credits.F("method", method), credits.F("path", path),
				credits.F("status", res.StatusCode), credits.F("body", string(raw)))
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", endpoint, err)
	}
	return nil
}

func toSubscription(r resource[SubscriptionAttributes]) *Subscription {
	return &Subscription{ID: r.ID, SubscriptionAttributes: r.Attributes}
}

// isBreakerFailure counts only server-side and transport failures against
// the circuit breaker; 4xx answers mean the API is healthy.
func isBreakerFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
