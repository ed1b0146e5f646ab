package lemonsqueezy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/specquota/pkg/billing"
	"github.com/mihaimyh/specquota/pkg/billing/internal"
	"github.com/mihaimyh/specquota/pkg/credits"
)

// Webhook event names.
const (
	EventOrderCreated                 = "order_created"
	EventOrderRefunded                = "order_refunded"
	EventSubscriptionCreated          = "subscription_created"
	EventSubscriptionUpdated          = "subscription_updated"
	EventSubscriptionCancelled        = "subscription_cancelled"
	EventSubscriptionResumed          = "subscription_resumed"
	EventSubscriptionExpired          = "subscription_expired"
	EventSubscriptionPaused           = "subscription_paused"
	EventSubscriptionUnpaused         = "subscription_unpaused"
	EventSubscriptionPaymentSuccess   = "subscription_payment_success"
	EventSubscriptionPaymentFailed    = "subscription_payment_failed"
	EventSubscriptionPaymentRecovered = "subscription_payment_recovered"
)

const (
	orderStatusPaid     = "paid"
	customKeyUserID     = "user_id"
	customKeyProductKey = "product_key"
)

type webhookPayload struct {
	Meta struct {
		EventName  string                 `json:"event_name"`
		TestMode   bool                   `json:"test_mode"`
		WebhookID  string                 `json:"webhook_id"`
		CustomData map[string]interface{} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		Type       string          `json:"type"`
		ID         ID              `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

// handleWebhook verifies and applies a webhook. Once the signature checks
// out the response is always 200; processing failures are logged and
// counted so the provider does not retry-storm.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	if !VerifySignature(p.webhookSecret, body, r.Header.Get(SignatureHeader)) {
		p.logger.Warn("webhook signature mismatch", credits.F("remote_addr", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := "UNKNOWN"
	status := "success"

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		p.logger.Error("webhook payload is not valid JSON", credits.Err(err))
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		status = "error"
	} else {
		if payload.Meta.EventName != "" {
			eventType = payload.Meta.EventName
		}
		event, err := p.processWebhookEvent(r.Context(), &payload)
		switch {
		case err != nil:
			status = "error"
			p.metrics.RecordWebhookError(providerName, "processing_error")
			p.logger.Error("webhook processing failed",
				credits.F("event", eventType), credits.F("resource_id", payload.Data.ID.String()), credits.Err(err))
		case event == nil:
			status = "ignored"
		default:
			p.notify(r.Context(), event)
		}
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (p *Provider) notify(ctx context.Context, event *billing.WebhookEvent) {
	if p.callback == nil {
		return
	}
	if err := p.callback(ctx, *event); err != nil {
		p.logger.Warn("webhook callback failed",
			credits.F("event", event.EventType), credits.F("user_id", event.UserID), credits.Err(err))
	}
}

// processWebhookEvent applies one event. A nil event with a nil error means
// the event was acknowledged without changing anything.
func (p *Provider) processWebhookEvent(ctx context.Context, payload *webhookPayload) (*billing.WebhookEvent, error) {
	switch payload.Meta.EventName {
	case EventOrderCreated:
		return p.handleOrderCreated(ctx, payload)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionCancelled,
		EventSubscriptionResumed, EventSubscriptionExpired, EventSubscriptionPaused, EventSubscriptionUnpaused:
		return p.handleSubscriptionEvent(ctx, payload)
	case EventSubscriptionPaymentSuccess, EventSubscriptionPaymentFailed, EventSubscriptionPaymentRecovered:
		return p.handleSubscriptionPayment(ctx, payload)
	case EventOrderRefunded:
		p.logger.Info("order refunded; credits are not revoked automatically",
			credits.F("order_id", payload.Data.ID.String()))
		return nil, nil
	default:
		p.logger.Debug("ignoring webhook event", credits.F("event", payload.Meta.EventName))
		return nil, nil
	}
}

func (p *Provider) handleOrderCreated(ctx context.Context, payload *webhookPayload) (*billing.WebhookEvent, error) {
	var attrs OrderAttributes
	if err := json.Unmarshal(payload.Data.Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("%w: order attributes: %v", billing.ErrInvalidWebhookPayload, err)
	}
	order := &Order{ID: payload.Data.ID, OrderAttributes: attrs}
	orderID := order.ID.String()
	if orderID == "" {
		return nil, fmt.Errorf("%w: order without id", billing.ErrInvalidWebhookPayload)
	}

	if !p.mode.Matches(order.TestMode) {
		p.logger.Warn("ignoring order from other billing mode",
			credits.F("order_id", orderID), credits.F("test_mode", order.TestMode), credits.F("mode", p.mode.String()))
		return nil, nil
	}

	custom := mergeCustomData(payload.Meta.CustomData, attrs.CustomData, attrs.CheckoutData.Custom)

	userID, err := p.userForOrder(ctx, custom, order.UserEmail)
	if err != nil {
		return nil, err
	}

	catalog, err := p.catalog.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	product, ok := productForOrder(catalog, custom, order)
	if !ok {
		p.logger.Warn("order for unknown product",
			credits.F("order_id", orderID), credits.F("variant_id", order.FirstOrderItem.VariantID.String()),
			credits.F("product_key", custom[customKeyProductKey]))
	}

	created, err := p.store.SavePurchase(ctx, &credits.Purchase{
		OrderID:        orderID,
		UserID:         userID,
		ProductKey:     product.Key,
		VariantID:      order.FirstOrderItem.VariantID.String(),
		SubscriptionID: custom["subscription_id"],
		CustomerID:     order.CustomerID.String(),
		Email:          order.UserEmail,
		Total:          order.Total,
		Currency:       order.Currency,
		Status:         order.Status,
		TestMode:       order.TestMode,
		CustomData:     custom,
		CreatedAt:      orderCreatedAt(order, p.now()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save purchase: %w", err)
	}
	if !created {
		p.logger.Debug("purchase already recorded", credits.F("order_id", orderID))
	}

	if err := p.store.UpdateUserBilling(ctx, userID, credits.BillingUpdate{
		Email:           order.UserEmail,
		LemonCustomerID: order.CustomerID.String(),
		LastOrderID:     orderID,
	}); err != nil {
		return nil, fmt.Errorf("failed to update user billing: %w", err)
	}
	p.invalidatePurchaseCount(ctx)

	event := &billing.WebhookEvent{
		UserID:         userID,
		Provider:       providerName,
		EventType:      EventOrderCreated,
		EventTimestamp: orderCreatedAt(order, p.now()),
		OrderID:        orderID,
		TestMode:       order.TestMode,
		Metadata: map[string]interface{}{
			"product_key": product.Key,
			"variant_id":  order.FirstOrderItem.VariantID.String(),
			"status":      order.Status,
		},
	}

	if ok && product.Kind == billing.KindCredits && order.Status == orderStatusPaid {
		res, err := p.ledger.GrantCredits(ctx, userID, product.Credits, providerName, map[string]string{
			"order_id":    orderID,
			"product_key": product.Key,
			"variant_id":  order.FirstOrderItem.VariantID.String(),
		})
		if err != nil {
			return nil, err
		}
		if !res.AlreadyProcessed {
			event.CreditsGranted = product.Credits
		}
	}
	return event, nil
}

func (p *Provider) handleSubscriptionEvent(ctx context.Context, payload *webhookPayload) (*billing.WebhookEvent, error) {
	var attrs SubscriptionAttributes
	if err := json.Unmarshal(payload.Data.Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("%w: subscription attributes: %v", billing.ErrInvalidWebhookPayload, err)
	}
	sub := &Subscription{ID: payload.Data.ID, SubscriptionAttributes: attrs}
	if sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", billing.ErrInvalidWebhookPayload)
	}
	return p.applySubscriptionEvent(ctx, payload.Meta.EventName, payload.Meta.CustomData, sub)
}

// handleSubscriptionPayment refetches the subscription an invoice belongs
// to; invoice payloads do not carry the subscription status.
func (p *Provider) handleSubscriptionPayment(ctx context.Context, payload *webhookPayload) (*billing.WebhookEvent, error) {
	var attrs SubscriptionInvoiceAttributes
	if err := json.Unmarshal(payload.Data.Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("%w: invoice attributes: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if attrs.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: invoice without subscription_id", billing.ErrInvalidWebhookPayload)
	}
	if err := p.requireClient(); err != nil {
		return nil, err
	}

	sub, err := p.client.GetSubscription(ctx, attrs.SubscriptionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", attrs.SubscriptionID, err)
	}
	return p.applySubscriptionEvent(ctx, payload.Meta.EventName, payload.Meta.CustomData, sub)
}

func (p *Provider) applySubscriptionEvent(ctx context.Context, eventName string, meta map[string]interface{},
	sub *Subscription) (*billing.WebhookEvent, error) {
	custom := mergeCustomData(meta)

	userID, err := p.userForSubscription(ctx, custom, sub)
	if err != nil {
		return nil, err
	}

	res, err := p.applySubscription(ctx, userID, sub, "webhook:"+eventName)
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return nil, nil
	}

	if err := p.store.UpdateUserBilling(ctx, userID, credits.BillingUpdate{
		Email:           sub.UserEmail,
		LemonCustomerID: sub.CustomerID.String(),
	}); err != nil {
		p.logger.Warn("failed to update user billing", credits.F("user_id", userID), credits.Err(err))
	}

	timestamp := sub.UpdatedAt
	if timestamp.IsZero() {
		timestamp = p.now()
	}
	return &billing.WebhookEvent{
		UserID:         userID,
		Provider:       providerName,
		EventType:      eventName,
		EventTimestamp: timestamp,
		OrderID:        sub.OrderID.String(),
		SubscriptionID: sub.ID.String(),
		Status:         sub.Status,
		ProEnabled:     res.ProEnabled,
		TestMode:       sub.TestMode,
		Metadata: map[string]interface{}{
			"variant_id": sub.VariantID.String(),
			"cancelled":  sub.Cancelled,
		},
	}, nil
}

// userForOrder finds the buyer: custom data first, then the users
// collection by email.
func (p *Provider) userForOrder(ctx context.Context, custom map[string]string, email string) (string, error) {
	if id := custom[customKeyUserID]; id != "" {
		return id, nil
	}
	return p.userByEmail(ctx, email)
}

// userForSubscription tries custom data, then the stored subscription
// record, then the users collection by email.
func (p *Provider) userForSubscription(ctx context.Context, custom map[string]string, sub *Subscription) (string, error) {
	if id := custom[customKeyUserID]; id != "" {
		return id, nil
	}
	existing, err := p.store.FindSubscriptionByLemonID(ctx, sub.ID.String())
	if err != nil {
		return "", fmt.Errorf("failed to look up subscription owner: %w", err)
	}
	if existing != nil && existing.UserID != "" {
		return existing.UserID, nil
	}
	return p.userByEmail(ctx, sub.UserEmail)
}

func (p *Provider) userByEmail(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", fmt.Errorf("%w: no user_id in custom data and no email", billing.ErrUserNotFound)
	}
	profile, err := p.store.FindUserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("failed to look up user by email: %w", err)
	}
	if profile == nil {
		return "", fmt.Errorf("%w: no user with email %s", billing.ErrUserNotFound, email)
	}
	return profile.UserID, nil
}

// mergeCustomData flattens custom data maps into strings. Earlier sources
// win; keys are matched case-insensitively and camelCase is accepted.
func mergeCustomData(sources ...map[string]interface{}) map[string]string {
	out := make(map[string]string)
	for _, src := range sources {
		for k, v := range src {
			key := normalizeCustomKey(k)
			if _, seen := out[key]; seen {
				continue
			}
			if s := customString(v); s != "" {
				out[key] = s
			}
		}
	}
	return out
}

func normalizeCustomKey(k string) string {
	switch strings.ToLower(k) {
	case "userid", "user_id", "uid":
		return customKeyUserID
	case "productkey", "product_key":
		return customKeyProductKey
	case "subscriptionid", "subscription_id":
		return "subscription_id"
	}
	return k
}

func productForOrder(catalog *billing.Catalog, custom map[string]string, order *Order) (billing.Product, bool) {
	if key := custom[customKeyProductKey]; key != "" {
		if p, ok := catalog.Product(key); ok {
			return p, true
		}
	}
	p, _, ok := catalog.ProductForVariant(order.FirstOrderItem.VariantID.String())
	return p, ok
}

func orderCreatedAt(order *Order, now time.Time) time.Time {
	if order.CreatedAt.IsZero() {
		return now
	}
	return order.CreatedAt
}
