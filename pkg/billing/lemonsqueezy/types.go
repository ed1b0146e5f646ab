package lemonsqueezy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID is a Lemon Squeezy identifier. The API sends resource IDs as strings
// and foreign keys in attributes as numbers; both decode to ID.
type ID string

// UnmarshalJSON accepts JSON strings, numbers and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("lemonsqueezy: invalid id %s: %w", string(b), err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// resource is a JSON:API resource object.
type resource[T any] struct {
	Type       string `json:"type"`
	ID         ID     `json:"id"`
	Attributes T      `json:"attributes"`
}

type document[T any] struct {
	Data resource[T] `json:"data"`
}

type listDocument[T any] struct {
	Data  []resource[T] `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

type errorDocument struct {
	Errors []struct {
		Status string `json:"status"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// SubscriptionAttributes mirrors the subscription object of the API.
type SubscriptionAttributes struct {
	StoreID         ID         `json:"store_id"`
	CustomerID      ID         `json:"customer_id"`
	OrderID         ID         `json:"order_id"`
	OrderItemID     ID         `json:"order_item_id"`
	ProductID       ID         `json:"product_id"`
	VariantID       ID         `json:"variant_id"`
	ProductName     string     `json:"product_name"`
	VariantName     string     `json:"variant_name"`
	UserName        string     `json:"user_name"`
	UserEmail       string     `json:"user_email"`
	Status          string     `json:"status"`
	StatusFormatted string     `json:"status_formatted"`
	Cancelled       bool       `json:"cancelled"`
	TrialEndsAt     *time.Time `json:"trial_ends_at"`
	RenewsAt        *time.Time `json:"renews_at"`
	EndsAt          *time.Time `json:"ends_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	TestMode        bool       `json:"test_mode"`
	URLs            struct {
		UpdatePaymentMethod string `json:"update_payment_method"`
		CustomerPortal      string `json:"customer_portal"`
	} `json:"urls"`
}

// Subscription is a subscription returned by the API or a webhook.
type Subscription struct {
	ID ID `json:"id"`
	SubscriptionAttributes
}

// OrderItem is the first_order_item embedded in an order.
type OrderItem struct {
	ID          ID     `json:"id"`
	OrderID     ID     `json:"order_id"`
	ProductID   ID     `json:"product_id"`
	VariantID   ID     `json:"variant_id"`
	ProductName string `json:"product_name"`
	VariantName string `json:"variant_name"`
	Price       int    `json:"price"`
}

// OrderAttributes mirrors the order object of the API.
type OrderAttributes struct {
	StoreID        ID        `json:"store_id"`
	CustomerID     ID        `json:"customer_id"`
	Identifier     string    `json:"identifier"`
	OrderNumber    int       `json:"order_number"`
	UserName       string    `json:"user_name"`
	UserEmail      string    `json:"user_email"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	Total          int       `json:"total"`
	FirstOrderItem OrderItem `json:"first_order_item"`
	TestMode       bool      `json:"test_mode"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Only present in webhook payloads.
	CustomData   map[string]interface{} `json:"custom_data,omitempty"`
	CheckoutData struct {
		Custom map[string]interface{} `json:"custom,omitempty"`
	} `json:"checkout_data"`
}

// Order is an order returned by the API or a webhook.
type Order struct {
	ID ID `json:"id"`
	OrderAttributes
}

// SubscriptionInvoiceAttributes is the subset of subscription-invoice
// attributes needed to find the subscription.
type SubscriptionInvoiceAttributes struct {
	SubscriptionID ID        `json:"subscription_id"`
	CustomerID     ID        `json:"customer_id"`
	UserEmail      string    `json:"user_email"`
	Status         string    `json:"status"`
	TestMode       bool      `json:"test_mode"`
	CreatedAt      time.Time `json:"created_at"`
}

// Checkout is a created checkout session.
type Checkout struct {
	ID        ID         `json:"id"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	TestMode  bool       `json:"test_mode"`
}

type checkoutAttributes struct {
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at"`
	TestMode  bool       `json:"test_mode"`
}

// customString renders a custom_data value as a string.
func customString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
