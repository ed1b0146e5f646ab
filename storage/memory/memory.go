// Package memory provides an in-memory implementation of credits.Store.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/specquota/pkg/credits"
)

// Storage implements credits.Store using in-memory maps. Transactions are
// serialized by a single write lock and their writes are applied only when
// the callback succeeds.
type Storage struct {
	mu            sync.RWMutex
	entitlements  map[string]*credits.Entitlements
	transactions  map[string]*credits.Transaction
	subscriptions map[string]*credits.Subscription
	purchases     map[string]*credits.Purchase
	users         map[string]*credits.UserProfile
	now           func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		entitlements:  make(map[string]*credits.Entitlements),
		transactions:  make(map[string]*credits.Transaction),
		subscriptions: make(map[string]*credits.Subscription),
		purchases:     make(map[string]*credits.Purchase),
		users:         make(map[string]*credits.UserProfile),
		now:           time.Now,
	}
}

var _ credits.Store = (*Storage)(nil)

type memTx struct {
	s            *Storage
	entitlements map[string]*credits.Entitlements
	created      map[string]*credits.Transaction
}

func (t *memTx) GetTransaction(id string) (*credits.Transaction, error) {
	if tr, ok := t.created[id]; ok {
		return tr.Clone(), nil
	}
	return t.s.transactions[id].Clone(), nil
}

func (t *memTx) GetEntitlements(userID string) (*credits.Entitlements, error) {
	if ent, ok := t.entitlements[userID]; ok {
		return ent.Clone(), nil
	}
	return t.s.entitlements[userID].Clone(), nil
}

func (t *memTx) CreateTransaction(tr *credits.Transaction) error {
	if tr == nil || tr.ID == "" {
		return fmt.Errorf("invalid transaction")
	}
	if _, ok := t.created[tr.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tr.ID)
	}
	if _, ok := t.s.transactions[tr.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tr.ID)
	}
	t.created[tr.ID] = tr.Clone()
	return nil
}

func (t *memTx) SetEntitlements(ent *credits.Entitlements) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlements")
	}
	t.entitlements[ent.UserID] = ent.Clone()
	return nil
}

// RunTransaction implements credits.Store
func (s *Storage) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx credits.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:            s,
		entitlements: make(map[string]*credits.Entitlements),
		created:      make(map[string]*credits.Transaction),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, ent := range tx.entitlements {
		s.entitlements[id] = ent
	}
	for id, tr := range tx.created {
		s.transactions[id] = tr
	}
	return nil
}

// GetEntitlements implements credits.Store
func (s *Storage) GetEntitlements(ctx context.Context, userID string) (*credits.Entitlements, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entitlements[userID].Clone(), nil
}

// ListTransactions implements credits.Store
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]*credits.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*credits.Transaction
	for _, tr := range s.transactions {
		if tr.UserID == userID {
			out = append(out, tr.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetSubscription implements credits.Store
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*credits.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptions[userID].Clone(), nil
}

// FindSubscriptionByLemonID implements credits.Store
func (s *Storage) FindSubscriptionByLemonID(ctx context.Context, subscriptionID string) (*credits.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscriptions {
		if sub.LemonSubscriptionID == subscriptionID {
			return sub.Clone(), nil
		}
	}
	return nil, nil
}

// UpsertSubscription implements credits.Store
func (s *Storage) UpsertSubscription(ctx context.Context, sub *credits.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := sub.Clone()
	if prev, ok := s.subscriptions[sub.UserID]; ok && len(prev.Metadata) > 0 {
		merged := make(map[string]string, len(prev.Metadata)+len(next.Metadata))
		for k, v := range prev.Metadata {
			merged[k] = v
		}
		for k, v := range next.Metadata {
			merged[k] = v
		}
		next.Metadata = merged
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = s.now().UTC()
	}
	s.subscriptions[sub.UserID] = next
	return nil
}

// SavePurchase implements credits.Store
func (s *Storage) SavePurchase(ctx context.Context, p *credits.Purchase) (bool, error) {
	if p == nil || p.OrderID == "" {
		return false, fmt.Errorf("invalid purchase")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.purchases[p.OrderID]; ok {
		return false, nil
	}
	cp := p.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.purchases[p.OrderID] = cp
	return true, nil
}

// GetPurchase implements credits.Store
func (s *Storage) GetPurchase(ctx context.Context, orderID string) (*credits.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.purchases[orderID].Clone(), nil
}

// ListPurchasesByUser implements credits.Store
func (s *Storage) ListPurchasesByUser(ctx context.Context, userID string, limit int) ([]*credits.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*credits.Purchase
	for _, p := range s.purchases {
		if p.UserID == userID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountPurchases implements credits.Store
func (s *Storage) CountPurchases(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.purchases), nil
}

// GetUserProfile implements credits.Store
func (s *Storage) GetUserProfile(ctx context.Context, userID string) (*credits.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// FindUserByEmail implements credits.Store. Matching is case-insensitive.
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*credits.UserProfile, error) {
	if email == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

// UpdateUserBilling implements credits.Store
func (s *Storage) UpdateUserBilling(ctx context.Context, userID string, update credits.BillingUpdate) error {
	if userID == "" {
		return fmt.Errorf("invalid user ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = &credits.UserProfile{UserID: userID}
		s.users[userID] = u
	}
	if update.Email != "" {
		u.Email = update.Email
	}
	if update.LemonCustomerID != "" {
		u.LemonCustomerID = update.LemonCustomerID
	}
	if update.LastOrderID != "" {
		u.LastOrderID = update.LastOrderID
	}
	u.UpdatedAt = s.now().UTC()
	return nil
}
