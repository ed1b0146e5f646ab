package lemonsqueezy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mihaimyh/specquota/pkg/billing"
	"github.com/mihaimyh/specquota/pkg/credits"
)

// Outcome is the result of one resolver strategy.
type Outcome string

const (
	OutcomeFound        Outcome = "found"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeStale        Outcome = "stale"
	OutcomeModeMismatch Outcome = "mode_mismatch"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeError        Outcome = "error"
)

// Strategy names, in the order they run.
const (
	StrategyStoredSubscription = "stored_subscription"
	StrategyPurchaseScan       = "purchase_scan"
	StrategyLastOrder          = "last_order"
	StrategyOrderLookup        = "order_lookup"
	StrategyCustomerLookup     = "customer_lookup"
	StrategyOrderDetail        = "order_detail"
)

const (
	purchaseScanLimit = 20
	maxOrderLookups   = 3
)

// Attempt is one entry of the resolver's attempts log.
type Attempt struct {
	Strategy  string        `json:"strategy"`
	Outcome   Outcome       `json:"outcome"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"-"`
	ElapsedMS int64         `json:"elapsedMs"`
}

// ResolveResult is the resolver's answer plus every attempt it made.
type ResolveResult struct {
	UserID       string        `json:"userId"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Strategy     string        `json:"resolvedVia,omitempty"`
	Attempts     []Attempt     `json:"attempts"`
}

// Strategy is one step of the resolver chain. Run returns nil, nil when it
// found nothing; it may describe why with state.mark.
type Strategy struct {
	Name string
	Run  func(ctx context.Context, state *resolveState) (*Subscription, error)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Store   credits.Store
	Client  *Client
	Mode    billing.Mode
	Metrics billing.Metrics
	Logger  credits.Logger
	Now     func() time.Time

	// Strategies overrides the default chain.
	Strategies []Strategy
}

// Resolver maps a user to their Lemon Squeezy subscription by trying the
// cheapest lookups first. A hit is written back to the local subscription
// record so the next call ends at the first strategy.
type Resolver struct {
	store      credits.Store
	client     *Client
	mode       billing.Mode
	metrics    billing.Metrics
	logger     credits.Logger
	now        func() time.Time
	strategies []Strategy
}

// NewResolver creates a resolver with the default strategy chain unless
// cfg.Strategies is set.
func NewResolver(cfg ResolverConfig) *Resolver {
	r := &Resolver{
		store:   cfg.Store,
		client:  cfg.Client,
		mode:    cfg.Mode,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if r.metrics == nil {
		r.metrics = &billing.NoopMetrics{}
	}
	if r.logger == nil {
		r.logger = &credits.NoopLogger{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.strategies = cfg.Strategies
	if len(r.strategies) == 0 {
		r.strategies = DefaultStrategies()
	}
	return r
}

// DefaultStrategies returns the standard chain.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: StrategyStoredSubscription, Run: storedSubscription},
		{Name: StrategyPurchaseScan, Run: purchaseScan},
		{Name: StrategyLastOrder, Run: lastOrder},
		{Name: StrategyOrderLookup, Run: orderLookup},
		{Name: StrategyCustomerLookup, Run: customerLookup},
		{Name: StrategyOrderDetail, Run: orderDetail},
	}
}

// Resolve runs the chain for userID. email is optional and used by the
// customer lookup. When nothing is found the result is returned together
// with billing.ErrSubscriptionNotFound.
func (r *Resolver) Resolve(ctx context.Context, userID, email string) (*ResolveResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", credits.ErrInvalidInput)
	}

	state := &resolveState{
		r:       r,
		userID:  userID,
		email:   strings.TrimSpace(email),
		fetched: make(map[string]*Subscription),
		tried:   make(map[string]bool),
	}
	result := &ResolveResult{UserID: userID}

	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		state.outcome, state.detail = OutcomeNotFound, ""
		start := time.Now()
		sub, err := s.Run(ctx, state)
		attempt := Attempt{Strategy: s.Name, Duration: time.Since(start)}
		attempt.ElapsedMS = attempt.Duration.Milliseconds()

		switch {
		case err != nil && errors.Is(err, ErrNotFound):
			attempt.Outcome = OutcomeStale
			attempt.Detail = state.detail
		case err != nil:
			attempt.Outcome = OutcomeError
			attempt.Detail = state.detail
			attempt.Error = err.Error()
		case sub != nil:
			attempt.Outcome = OutcomeFound
			attempt.Detail = "subscription " + sub.ID.String() + " (" + sub.Status + ")"
		default:
			attempt.Outcome = state.outcome
			attempt.Detail = state.detail
		}
		result.Attempts = append(result.Attempts, attempt)
		r.metrics.RecordResolverAttempt(providerName, s.Name, string(attempt.Outcome))
		r.logger.Debug("subscription resolver attempt",
			credits.F("user_id", userID), credits.F("strategy", s.Name),
			credits.F("outcome", string(attempt.Outcome)), credits.F("detail", attempt.Detail),
			credits.F("error", attempt.Error), credits.F("duration", attempt.Duration))

		if sub == nil || err != nil {
			continue
		}

		result.Subscription = sub
		result.Strategy = s.Name
		r.backfill(ctx, userID, sub, s.Name, state.stored)
		r.logger.Info("subscription resolved",
			credits.F("user_id", userID), credits.F("subscription_id", sub.ID.String()),
			credits.F("strategy", s.Name), credits.F("attempts", len(result.Attempts)))
		return result, nil
	}

	r.logger.Warn("subscription not resolved",
		credits.F("user_id", userID), credits.F("attempts", summarizeAttempts(result.Attempts)))
	return result, fmt.Errorf("%w: user %s", billing.ErrSubscriptionNotFound, userID)
}

// backfill stores the resolved subscription. Failures are logged; the
// resolution itself stands.
func (r *Resolver) backfill(ctx context.Context, userID string, sub *Subscription, strategy string,
	stored *credits.Subscription) {
	if strategy == StrategyStoredSubscription && stored != nil &&
		stored.Status == sub.Status && stored.ProviderUpdatedAt.Equal(sub.UpdatedAt) {
		return
	}
	record := subscriptionRecord(userID, sub, r.now(), map[string]string{"resolved_via": strategy})
	if err := r.store.UpsertSubscription(ctx, record); err != nil {
		r.logger.Error("failed to backfill subscription",
			credits.F("user_id", userID), credits.F("subscription_id", sub.ID.String()), credits.Err(err))
	}
}

func summarizeAttempts(attempts []Attempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, a.Strategy+"="+string(a.Outcome))
	}
	return strings.Join(parts, ",")
}

// resolveState is shared by the strategies of one Resolve call so later
// strategies reuse what earlier ones loaded.
type resolveState struct {
	r      *Resolver
	userID string
	email  string

	stored       *credits.Subscription
	storedLoaded bool
	profile      *credits.UserProfile
	profLoaded   bool
	purchases    []*credits.Purchase
	purchLoaded  bool

	// fetched caches GetSubscription answers; tried marks IDs already checked.
	fetched map[string]*Subscription
	tried   map[string]bool

	outcome Outcome
	detail  string
}

// mark records why the current strategy found nothing.
func (s *resolveState) mark(outcome Outcome, format string, args ...interface{}) {
	s.outcome = outcome
	s.detail = fmt.Sprintf(format, args...)
}

func (s *resolveState) storedSubscription(ctx context.Context) (*credits.Subscription, error) {
	if !s.storedLoaded {
		sub, err := s.r.store.GetSubscription(ctx, s.userID)
		if err != nil {
			return nil, err
		}
		s.stored, s.storedLoaded = sub, true
	}
	return s.stored, nil
}

func (s *resolveState) userProfile(ctx context.Context) (*credits.UserProfile, error) {
	if !s.profLoaded {
		p, err := s.r.store.GetUserProfile(ctx, s.userID)
		if err != nil {
			return nil, err
		}
		s.profile, s.profLoaded = p, true
	}
	return s.profile, nil
}

func (s *resolveState) userPurchases(ctx context.Context) ([]*credits.Purchase, error) {
	if !s.purchLoaded {
		ps, err := s.r.store.ListPurchasesByUser(ctx, s.userID, purchaseScanLimit)
		if err != nil {
			return nil, err
		}
		s.purchases, s.purchLoaded = ps, true
	}
	return s.purchases, nil
}

// verify fetches id from the API. It returns nil with the state marked
// when the subscription is gone or belongs to the other billing mode.
func (s *resolveState) verify(ctx context.Context, id string) (*Subscription, error) {
	if sub, ok := s.fetched[id]; ok {
		return s.accept(sub), nil
	}
	if s.tried[id] {
		s.mark(OutcomeNotFound, "subscription %s already checked", id)
		return nil, nil
	}
	s.tried[id] = true

	sub, err := s.r.client.GetSubscription(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.mark(OutcomeStale, "subscription %s no longer exists", id)
			return nil, nil
		}
		return nil, err
	}
	s.fetched[id] = sub
	return s.accept(sub), nil
}

func (s *resolveState) accept(sub *Subscription) *Subscription {
	if !s.r.mode.Matches(sub.TestMode) {
		s.mark(OutcomeModeMismatch, "subscription %s is test_mode=%t, running in %s mode",
			sub.ID, sub.TestMode, s.r.mode)
		return nil
	}
	return sub
}

// pick chooses among API candidates: right mode only, active-like first,
// then the most recently created.
func (s *resolveState) pick(candidates []*Subscription, via string) *Subscription {
	if len(candidates) == 0 {
		s.mark(OutcomeNotFound, "no subscriptions for %s", via)
		return nil
	}
	matching := make([]*Subscription, 0, len(candidates))
	for _, c := range candidates {
		s.fetched[c.ID.String()] = c
		if s.r.mode.Matches(c.TestMode) {
			matching = append(matching, c)
		}
	}
	if len(matching) == 0 {
		s.mark(OutcomeModeMismatch, "%d subscriptions for %s, none in %s mode", len(candidates), via, s.r.mode)
		return nil
	}
	sort.SliceStable(matching, func(i, j int) bool {
		ai, aj := matching[i].IsActiveLike(), matching[j].IsActiveLike()
		if ai != aj {
			return ai
		}
		return matching[i].CreatedAt.After(matching[j].CreatedAt)
	})
	return matching[0]
}

// orderIDs lists known order IDs for the user, most relevant first.
func (s *resolveState) orderIDs(ctx context.Context) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] && len(ids) < maxOrderLookups {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	profile, err := s.userProfile(ctx)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		add(profile.LastOrderID)
	}
	stored, err := s.storedSubscription(ctx)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		add(stored.OrderID)
	}
	purchases, err := s.userPurchases(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range purchases {
		if s.r.mode.Matches(p.TestMode) {
			add(p.OrderID)
		}
	}
	return ids, nil
}

func storedSubscription(ctx context.Context, s *resolveState) (*Subscription, error) {
	stored, err := s.storedSubscription(ctx)
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.LemonSubscriptionID == "" {
		s.mark(OutcomeNotFound, "no stored subscription")
		return nil, nil
	}
	return s.verify(ctx, stored.LemonSubscriptionID)
}

func purchaseScan(ctx context.Context, s *resolveState) (*Subscription, error) {
	purchases, err := s.userPurchases(ctx)
	if err != nil {
		return nil, err
	}
	if len(purchases) == 0 {
		s.mark(OutcomeNotFound, "no purchases recorded")
		return nil, nil
	}

	var mismatched bool
	for _, p := range purchases {
		id := p.SubscriptionID
		if id == "" {
			id = p.CustomData["subscription_id"]
		}
		if id == "" {
			continue
		}
		if !s.r.mode.Matches(p.TestMode) {
			mismatched = true
			continue
		}
		sub, err := s.verify(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return sub, nil
		}
	}
	if mismatched && s.outcome == OutcomeNotFound {
		s.mark(OutcomeModeMismatch, "subscription references only in %s purchases", otherMode(s.r.mode))
	} else if s.detail == "" {
		s.mark(OutcomeNotFound, "%d purchases, none with a subscription reference", len(purchases))
	}
	return nil, nil
}

func lastOrder(ctx context.Context, s *resolveState) (*Subscription, error) {
	profile, err := s.userProfile(ctx)
	if err != nil {
		return nil, err
	}
	if profile == nil || profile.LastOrderID == "" {
		s.mark(OutcomeNotFound, "no last order on user profile")
		return nil, nil
	}
	p, err := s.r.store.GetPurchase(ctx, profile.LastOrderID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		s.mark(OutcomeNotFound, "last order %s not recorded", profile.LastOrderID)
		return nil, nil
	}
	id := p.SubscriptionID
	if id == "" {
		id = p.CustomData["subscription_id"]
	}
	if id == "" {
		s.mark(OutcomeNotFound, "last order %s has no subscription reference", p.OrderID)
		return nil, nil
	}
	if !s.r.mode.Matches(p.TestMode) {
		s.mark(OutcomeModeMismatch, "last order %s is from %s mode", p.OrderID, otherMode(s.r.mode))
		return nil, nil
	}
	return s.verify(ctx, id)
}

func orderLookup(ctx context.Context, s *resolveState) (*Subscription, error) {
	ids, err := s.orderIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		s.mark(OutcomeSkipped, "no known order IDs")
		return nil, nil
	}
	for _, id := range ids {
		subs, err := s.r.client.ListSubscriptions(ctx, SubscriptionFilter{OrderID: id})
		if err != nil {
			return nil, err
		}
		if sub := s.pick(subs, "order "+id); sub != nil {
			return sub, nil
		}
	}
	return nil, nil
}

func customerLookup(ctx context.Context, s *resolveState) (*Subscription, error) {
	email := s.email
	profile, err := s.userProfile(ctx)
	if err != nil {
		return nil, err
	}
	if email == "" && profile != nil {
		email = profile.Email
	}

	customerID := ""
	if profile != nil {
		customerID = profile.LemonCustomerID
	}
	if customerID == "" {
		if stored, err := s.storedSubscription(ctx); err == nil && stored != nil {
			customerID = stored.CustomerID
		}
	}

	if email == "" && customerID == "" {
		s.mark(OutcomeSkipped, "no email or customer ID")
		return nil, nil
	}

	if email != "" {
		subs, err := s.r.client.ListSubscriptions(ctx, SubscriptionFilter{UserEmail: email})
		if err != nil {
			return nil, err
		}
		if sub := s.pick(subs, "email "+email); sub != nil {
			return sub, nil
		}
	}
	if customerID != "" {
		subs, err := s.r.client.CustomerSubscriptions(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if sub := s.pick(subs, "customer "+customerID); sub != nil {
			return sub, nil
		}
	}
	return nil, nil
}

func orderDetail(ctx context.Context, s *resolveState) (*Subscription, error) {
	ids, err := s.orderIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		s.mark(OutcomeSkipped, "no known order IDs")
		return nil, nil
	}
	for _, id := range ids {
		order, err := s.r.client.GetOrder(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.mark(OutcomeNotFound, "order %s not found", id)
				continue
			}
			return nil, err
		}
		if !s.r.mode.Matches(order.TestMode) {
			s.mark(OutcomeModeMismatch, "order %s is from %s mode", id, otherMode(s.r.mode))
			continue
		}
		itemID := order.FirstOrderItem.ID.String()
		if itemID == "" {
			s.mark(OutcomeNotFound, "order %s has no order item", id)
			continue
		}
		subs, err := s.r.client.ListSubscriptions(ctx, SubscriptionFilter{OrderItemID: itemID})
		if err != nil {
			return nil, err
		}
		if sub := s.pick(subs, "order item "+itemID); sub != nil {
			return sub, nil
		}
	}
	return nil, nil
}

func otherMode(m billing.Mode) billing.Mode {
	if m.IsTest() {
		return billing.ModeLive
	}
	return billing.ModeTest
}
