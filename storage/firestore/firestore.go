// Package firestore provides a Firestore implementation of credits.Store.
// Ledger mutations use native Firestore transactions, so concurrent grants
// and consumptions for the same user serialize on the entitlement document.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/specquota/pkg/billing"
	"github.com/mihaimyh/specquota/pkg/credits"
)

// Storage implements credits.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	entitlementsCollection  string
	transactionsCollection  string
	subscriptionsCollection string
	purchasesCollection     string
	usersCollection         string
	settingsCollection      string
	now                     func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// EntitlementsCollection holds one document per user
	// Default: "entitlements"
	EntitlementsCollection string

	// TransactionsCollection is the ledger, keyed by deterministic transaction ID
	// Default: "credits_transactions"
	TransactionsCollection string

	// SubscriptionsCollection holds one document per user
	// Default: "subscriptions"
	SubscriptionsCollection string

	// PurchasesCollection holds order snapshots keyed by order ID
	// Default: "purchases"
	PurchasesCollection string

	// UsersCollection holds user profiles with billing fields
	// Default: "users"
	UsersCollection string

	// SettingsCollection holds the lemon_products catalog document
	// Default: "settings"
	SettingsCollection string

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

const catalogDocID = "lemon_products"

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "entitlements"
	}
	if config.TransactionsCollection == "" {
		config.TransactionsCollection = "credits_transactions"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.PurchasesCollection == "" {
		config.PurchasesCollection = "purchases"
	}
	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.SettingsCollection == "" {
		config.SettingsCollection = "settings"
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Storage{
		client:                  client,
		entitlementsCollection:  config.EntitlementsCollection,
		transactionsCollection:  config.TransactionsCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		purchasesCollection:     config.PurchasesCollection,
		usersCollection:         config.UsersCollection,
		settingsCollection:      config.SettingsCollection,
		now:                     config.Now,
	}, nil
}

var _ credits.Store = (*Storage)(nil)

// fsTx adapts a Firestore transaction to credits.Tx. Firestore rejects reads
// after the first write, which the ledger already respects.
type fsTx struct {
	s  *Storage
	tx *firestore.Transaction
}

func (t *fsTx) GetTransaction(id string) (*credits.Transaction, error) {
	snap, err := t.tx.Get(t.s.client.Collection(t.s.transactionsCollection).Doc(id))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return transactionFromData(snap.Ref.ID, snap.Data()), nil
}

func (t *fsTx) GetEntitlements(userID string) (*credits.Entitlements, error) {
	snap, err := t.tx.Get(t.s.client.Collection(t.s.entitlementsCollection).Doc(userID))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlements: %w", err)
	}
	return entitlementsFromData(userID, snap.Data()), nil
}

func (t *fsTx) CreateTransaction(tr *credits.Transaction) error {
	if tr == nil || tr.ID == "" {
		return fmt.Errorf("invalid transaction")
	}
	return t.tx.Create(t.s.client.Collection(t.s.transactionsCollection).Doc(tr.ID), transactionData(tr))
}

func (t *fsTx) SetEntitlements(ent *credits.Entitlements) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlements")
	}
	return t.tx.Set(t.s.client.Collection(t.s.entitlementsCollection).Doc(ent.UserID), entitlementsData(ent))
}

// RunTransaction implements credits.Store. Firestore retries fn on contention.
func (s *Storage) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx credits.Tx) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &fsTx{s: s, tx: tx})
	})
}

// GetEntitlements implements credits.Store
func (s *Storage) GetEntitlements(ctx context.Context, userID string) (*credits.Entitlements, error) {
	snap, err := s.client.Collection(s.entitlementsCollection).Doc(userID).Get(ctx)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlements: %w", err)
	}
	return entitlementsFromData(userID, snap.Data()), nil
}

// ListTransactions implements credits.Store
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]*credits.Transaction, error) {
	q := s.client.Collection(s.transactionsCollection).
		Where("userId", "==", userID).
		OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	out := make([]*credits.Transaction, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, transactionFromData(snap.Ref.ID, snap.Data()))
	}
	return out, nil
}

// GetSubscription implements credits.Store
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*credits.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(userID).Get(ctx)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return subscriptionFromData(userID, snap.Data()), nil
}

// FindSubscriptionByLemonID implements credits.Store
func (s *Storage) FindSubscriptionByLemonID(ctx context.Context, subscriptionID string) (*credits.Subscription, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	iter := s.client.Collection(s.subscriptionsCollection).
		Where("lemonSubscriptionId", "==", subscriptionID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return subscriptionFromData(snap.Ref.ID, snap.Data()), nil
}

// UpsertSubscription implements credits.Store. MergeAll keeps metadata keys
// written by earlier updates.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *credits.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now().UTC()
	}

	data := map[string]interface{}{
		"lemonSubscriptionId": sub.LemonSubscriptionID,
		"status":              sub.Status,
		"cancelAtPeriodEnd":   sub.CancelAtPeriodEnd,
		"endsAt":              timeOrNil(sub.EndsAt),
		"renewsAt":            timeOrNil(sub.RenewsAt),
		"customerId":          sub.CustomerID,
		"orderId":             sub.OrderID,
		"variantId":           sub.VariantID,
		"testMode":            sub.TestMode,
		"providerUpdatedAt":   sub.ProviderUpdatedAt,
		"updatedAt":           updatedAt,
	}
	if len(sub.Metadata) > 0 {
		md := make(map[string]interface{}, len(sub.Metadata))
		for k, v := range sub.Metadata {
			md[k] = v
		}
		data["metadata"] = md
	}

	_, err := s.client.Collection(s.subscriptionsCollection).Doc(sub.UserID).Set(ctx, data, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// SavePurchase implements credits.Store
func (s *Storage) SavePurchase(ctx context.Context, p *credits.Purchase) (bool, error) {
	if p == nil || p.OrderID == "" {
		return false, fmt.Errorf("invalid purchase")
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}

	_, err := s.client.Collection(s.purchasesCollection).Doc(p.OrderID).Create(ctx, map[string]interface{}{
		"userId":         p.UserID,
		"productKey":     p.ProductKey,
		"variantId":      p.VariantID,
		"subscriptionId": p.SubscriptionID,
		"customerId":     p.CustomerID,
		"email":          p.Email,
		"total":          p.Total,
		"currency":       p.Currency,
		"status":         p.Status,
		"testMode":       p.TestMode,
		"customData":     p.CustomData,
		"createdAt":      createdAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to save purchase: %w", err)
	}
	return true, nil
}

// GetPurchase implements credits.Store
func (s *Storage) GetPurchase(ctx context.Context, orderID string) (*credits.Purchase, error) {
	snap, err := s.client.Collection(s.purchasesCollection).Doc(orderID).Get(ctx)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return purchaseFromData(orderID, snap.Data()), nil
}

// ListPurchasesByUser implements credits.Store
func (s *Storage) ListPurchasesByUser(ctx context.Context, userID string, limit int) ([]*credits.Purchase, error) {
	q := s.client.Collection(s.purchasesCollection).
		Where("userId", "==", userID).
		OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	out := make([]*credits.Purchase, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, purchaseFromData(snap.Ref.ID, snap.Data()))
	}
	return out, nil
}

// CountPurchases implements credits.Store with a server-side count
// aggregation.
func (s *Storage) CountPurchases(ctx context.Context) (int, error) {
	res, err := s.client.Collection(s.purchasesCollection).NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count purchases: %w", err)
	}
	v, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("failed to count purchases: unexpected result %T", res["all"])
	}
	return int(v.GetIntegerValue()), nil
}

// GetUserProfile implements credits.Store
func (s *Storage) GetUserProfile(ctx context.Context, userID string) (*credits.UserProfile, error) {
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return userFromData(userID, snap.Data()), nil
}

// FindUserByEmail implements credits.Store. Emails are stored as written,
// so the lookup tries the given and the lower-cased form.
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*credits.UserProfile, error) {
	if email == "" {
		return nil, nil
	}
	candidates := []string{email}
	if lower := strings.ToLower(email); lower != email {
		candidates = append(candidates, lower)
	}

	for _, candidate := range candidates {
		iter := s.client.Collection(s.usersCollection).Where("email", "==", candidate).Limit(1).Documents(ctx)
		snap, err := iter.Next()
		iter.Stop()
		if errors.Is(err, iterator.Done) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find user: %w", err)
		}
		return userFromData(snap.Ref.ID, snap.Data()), nil
	}
	return nil, nil
}

// UpdateUserBilling implements credits.Store
func (s *Storage) UpdateUserBilling(ctx context.Context, userID string, update credits.BillingUpdate) error {
	if userID == "" {
		return fmt.Errorf("invalid user ID")
	}
	data := map[string]interface{}{"billingUpdatedAt": s.now().UTC()}
	if update.Email != "" {
		data["email"] = update.Email
	}
	if update.LemonCustomerID != "" {
		data["lemonCustomerId"] = update.LemonCustomerID
	}
	if update.LastOrderID != "" {
		data["lastOrderId"] = update.LastOrderID
	}

	_, err := s.client.Collection(s.usersCollection).Doc(userID).Set(ctx, data, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update user billing: %w", err)
	}
	return nil
}

// LoadCatalog reads the product catalog from settings/lemon_products:
//
//	{products: [{key, name, kind, credits, testVariantId, liveVariantId}]}
func (s *Storage) LoadCatalog(ctx context.Context) (*billing.Catalog, error) {
	snap, err := s.client.Collection(s.settingsCollection).Doc(catalogDocID).Get(ctx)
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s/%s missing", billing.ErrProductNotConfigured, s.settingsCollection, catalogDocID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	raw, _ := snap.Data()["products"].([]interface{})
	products := make([]billing.Product, 0, len(raw))
	for _, item := range raw {
		data, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		products = append(products, billing.Product{
			Key:           getString(data, "key"),
			Name:          getString(data, "name"),
			Kind:          billing.ProductKind(getString(data, "kind")),
			Credits:       getInt(data, "credits"),
			TestVariantID: getID(data, "testVariantId"),
			LiveVariantID: getID(data, "liveVariantId"),
		})
	}
	return billing.NewCatalog(products)
}

// CatalogSource exposes LoadCatalog for billing.CachedCatalog
func (s *Storage) CatalogSource() billing.CatalogSource {
	return billing.CatalogFunc(s.LoadCatalog)
}

func isNotFound(err error) bool {
	return err != nil && status.Code(err) == codes.NotFound
}

func entitlementsData(ent *credits.Entitlements) map[string]interface{} {
	return map[string]interface{}{
		"specCredits":      ent.SpecCredits,
		"unlimited":        ent.Unlimited,
		"canEdit":          ent.CanEdit,
		"preservedCredits": ent.PreservedCredits,
		"freeTrialUsed":    ent.FreeTrialUsed,
		"activeSpecs":      ent.ActiveSpecs,
		"proSource":        ent.ProSource,
		"updatedAt":        ent.UpdatedAt,
	}
}

func entitlementsFromData(userID string, data map[string]interface{}) *credits.Entitlements {
	return &credits.Entitlements{
		UserID:           userID,
		SpecCredits:      getInt(data, "specCredits"),
		Unlimited:        getBool(data, "unlimited"),
		CanEdit:          getBool(data, "canEdit"),
		PreservedCredits: getInt(data, "preservedCredits"),
		FreeTrialUsed:    getInt(data, "freeTrialUsed"),
		ActiveSpecs:      getInt(data, "activeSpecs"),
		ProSource:        getString(data, "proSource"),
		UpdatedAt:        getTime(data, "updatedAt"),
	}
}

func transactionData(tr *credits.Transaction) map[string]interface{} {
	return map[string]interface{}{
		"userId":       tr.UserID,
		"amount":       tr.Amount,
		"type":         string(tr.Type),
		"source":       tr.Source,
		"creditSource": string(tr.CreditSource),
		"specId":       tr.SpecID,
		"originalTxId": tr.OriginalTxID,
		"reason":       tr.Reason,
		"metadata":     tr.Metadata,
		"createdAt":    tr.CreatedAt,
	}
}

func transactionFromData(id string, data map[string]interface{}) *credits.Transaction {
	return &credits.Transaction{
		ID:           id,
		UserID:       getString(data, "userId"),
		Amount:       getInt(data, "amount"),
		Type:         credits.TxType(getString(data, "type")),
		Source:       getString(data, "source"),
		CreditSource: credits.CreditSource(getString(data, "creditSource")),
		SpecID:       getString(data, "specId"),
		OriginalTxID: getString(data, "originalTxId"),
		Reason:       getString(data, "reason"),
		Metadata:     getStringMap(data, "metadata"),
		CreatedAt:    getTime(data, "createdAt"),
	}
}

func subscriptionFromData(userID string, data map[string]interface{}) *credits.Subscription {
	return &credits.Subscription{
		UserID:              userID,
		LemonSubscriptionID: getString(data, "lemonSubscriptionId"),
		Status:              getString(data, "status"),
		CancelAtPeriodEnd:   getBool(data, "cancelAtPeriodEnd"),
		EndsAt:              getTimePtr(data, "endsAt"),
		RenewsAt:            getTimePtr(data, "renewsAt"),
		CustomerID:          getString(data, "customerId"),
		OrderID:             getString(data, "orderId"),
		VariantID:           getString(data, "variantId"),
		TestMode:            getBool(data, "testMode"),
		Metadata:            getStringMap(data, "metadata"),
		ProviderUpdatedAt:   getTime(data, "providerUpdatedAt"),
		UpdatedAt:           getTime(data, "updatedAt"),
	}
}

func purchaseFromData(orderID string, data map[string]interface{}) *credits.Purchase {
	return &credits.Purchase{
		OrderID:        orderID,
		UserID:         getString(data, "userId"),
		ProductKey:     getString(data, "productKey"),
		VariantID:      getString(data, "variantId"),
		SubscriptionID: getString(data, "subscriptionId"),
		CustomerID:     getString(data, "customerId"),
		Email:          getString(data, "email"),
		Total:          getInt(data, "total"),
		Currency:       getString(data, "currency"),
		Status:         getString(data, "status"),
		TestMode:       getBool(data, "testMode"),
		CustomData:     getStringMap(data, "customData"),
		CreatedAt:      getTime(data, "createdAt"),
	}
}

func userFromData(userID string, data map[string]interface{}) *credits.UserProfile {
	return &credits.UserProfile{
		UserID:          userID,
		Email:           getString(data, "email"),
		LemonCustomerID: getString(data, "lemonCustomerId"),
		LastOrderID:     getString(data, "lastOrderId"),
		UpdatedAt:       getTime(data, "billingUpdatedAt"),
	}
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// getID accepts variant IDs stored either as strings or numbers.
func getID(data map[string]interface{}, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%d", int64(v))
	default:
		return ""
	}
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		return &v
	}
	return nil
}

func getStringMap(data map[string]interface{}, key string) map[string]string {
	raw, ok := data[key].(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
