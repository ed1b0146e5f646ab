// Package postgres provides a PostgreSQL implementation of credits.Store.
// Ledger mutations lock the user's entitlement row with SELECT FOR UPDATE;
// transaction IDs are primary keys, so a concurrent duplicate is detected
// on insert and the whole callback is retried.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/specquota/pkg/credits"
)

//go:embed schema.sql
var schema string

// errTxConflict marks a callback that lost an insert race and must rerun.
var errTxConflict = errors.New("postgres: concurrent transaction conflict")

// Storage implements credits.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// MaxRetries bounds RunTransaction reruns on conflicts (default: 5)
	MaxRetries int

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		MaxRetries:      5,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

var _ credits.Store = (*Storage)(nil)

// Migrate creates the tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) GetTransaction(id string) (*credits.Transaction, error) {
	tr, err := scanTransaction(t.tx.QueryRow(t.ctx, selectTransaction+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tr, nil
}

// GetEntitlements locks the user's row for the rest of the transaction,
// creating an empty one first so first-time users serialize too.
func (t *pgTx) GetEntitlements(userID string) (*credits.Entitlements, error) {
	if _, err := t.tx.Exec(t.ctx,
		`INSERT INTO entitlements (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure entitlements row: %w", err)
	}

	ent := &credits.Entitlements{UserID: userID}
	err := t.tx.QueryRow(t.ctx,
		`SELECT spec_credits, unlimited, can_edit, preserved_credits, free_trial_used,
				active_specs, pro_source, updated_at
			FROM entitlements WHERE user_id = $1
			FOR UPDATE`,
		userID).Scan(&ent.SpecCredits, &ent.Unlimited, &ent.CanEdit, &ent.PreservedCredits,
		&ent.FreeTrialUsed, &ent.ActiveSpecs, &ent.ProSource, &ent.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to lock entitlements: %w", err)
	}
	return ent, nil
}

func (t *pgTx) CreateTransaction(tr *credits.Transaction) error {
	if tr == nil || tr.ID == "" {
		return fmt.Errorf("invalid transaction")
	}
	tag, err := t.tx.Exec(t.ctx,
		`INSERT INTO credit_transactions
				(id, user_id, amount, type, source, credit_source, spec_id, original_tx_id, reason, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
		tr.ID, tr.UserID, tr.Amount, string(tr.Type), tr.Source, string(tr.CreditSource),
		tr.SpecID, tr.OriginalTxID, tr.Reason, jsonOrNil(tr.Metadata), tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errTxConflict
	}
	return nil
}

func (t *pgTx) SetEntitlements(ent *credits.Entitlements) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlements")
	}
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO entitlements
				(user_id, spec_credits, unlimited, can_edit, preserved_credits, free_trial_used,
				active_specs, pro_source, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id) DO UPDATE SET
				spec_credits = EXCLUDED.spec_credits,
				unlimited = EXCLUDED.unlimited,
				can_edit = EXCLUDED.can_edit,
				preserved_credits = EXCLUDED.preserved_credits,
				free_trial_used = EXCLUDED.free_trial_used,
				active_specs = EXCLUDED.active_specs,
				pro_source = EXCLUDED.pro_source,
				updated_at = EXCLUDED.updated_at`,
		ent.UserID, ent.SpecCredits, ent.Unlimited, ent.CanEdit, ent.PreservedCredits,
		ent.FreeTrialUsed, ent.ActiveSpecs, ent.ProSource, ent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to set entitlements: %w", err)
	}
	return nil
}

// RunTransaction implements credits.Store. fn reruns in a fresh transaction
// when it loses an insert race or hits a serialization failure or deadlock.
func (s *Storage) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx credits.Tx) error) error {
	var err error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err = s.runOnce(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %v", credits.ErrStorageUnavailable, s.config.MaxRetries, err)
}

func (s *Storage) runOnce(ctx context.Context, fn func(ctx context.Context, tx credits.Tx) error) error {
	// Repeatable read turns a stale idempotency check into a serialization
	// failure once the entitlement row is locked, and the rerun then sees the
	// committed transaction.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, errTxConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// GetEntitlements implements credits.Store
func (s *Storage) GetEntitlements(ctx context.Context, userID string) (*credits.Entitlements, error) {
	ent := &credits.Entitlements{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT spec_credits, unlimited, can_edit, preserved_credits, free_trial_used,
				active_specs, pro_source, updated_at
			FROM entitlements WHERE user_id = $1`,
		userID).Scan(&ent.SpecCredits, &ent.Unlimited, &ent.CanEdit, &ent.PreservedCredits,
		&ent.FreeTrialUsed, &ent.ActiveSpecs, &ent.ProSource, &ent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlements: %w", err)
	}
	return ent, nil
}

const selectTransaction = `SELECT id, user_id, amount, type, source, credit_source, spec_id,
		original_tx_id, reason, metadata, created_at
	FROM credit_transactions`

// ListTransactions implements credits.Store
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]*credits.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		selectTransaction+` WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*credits.Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

const selectSubscription = `SELECT user_id, lemon_subscription_id, status, cancel_at_period_end, ends_at,
		renews_at, customer_id, order_id, variant_id, test_mode, metadata, provider_updated_at, updated_at
	FROM subscriptions`

// GetSubscription implements credits.Store
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*credits.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, selectSubscription+` WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// FindSubscriptionByLemonID implements credits.Store
func (s *Storage) FindSubscriptionByLemonID(ctx context.Context, subscriptionID string) (*credits.Subscription, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		selectSubscription+` WHERE lemon_subscription_id = $1 ORDER BY updated_at DESC LIMIT 1`, subscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

// UpsertSubscription implements credits.Store. Metadata keys are merged.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *credits.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.config.Now().UTC()
	}
	var providerUpdatedAt *time.Time
	if !sub.ProviderUpdatedAt.IsZero() {
		providerUpdatedAt = &sub.ProviderUpdatedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions
				(user_id, lemon_subscription_id, status, cancel_at_period_end, ends_at, renews_at,
				customer_id, order_id, variant_id, test_mode, metadata, provider_updated_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (user_id) DO UPDATE SET
				lemon_subscription_id = EXCLUDED.lemon_subscription_id,
				status = EXCLUDED.status,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				ends_at = EXCLUDED.ends_at,
				renews_at = EXCLUDED.renews_at,
				customer_id = EXCLUDED.customer_id,
				order_id = EXCLUDED.order_id,
				variant_id = EXCLUDED.variant_id,
				test_mode = EXCLUDED.test_mode,
				metadata = COALESCE(subscriptions.metadata, '{}'::jsonb) || COALESCE(EXCLUDED.metadata, '{}'::jsonb),
				provider_updated_at = EXCLUDED.provider_updated_at,
				updated_at = EXCLUDED.updated_at`,
		sub.UserID, sub.LemonSubscriptionID, sub.Status, sub.CancelAtPeriodEnd, sub.EndsAt, sub.RenewsAt,
		sub.CustomerID, sub.OrderID, sub.VariantID, sub.TestMode, jsonOrNil(sub.Metadata),
		providerUpdatedAt, updatedAt)
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
		createdAt = s.config.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO purchases
				(order_id, user_id, product_key, variant_id, subscription_id, customer_id, email,
				total, currency, status, test_mode, custom_data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (order_id) DO NOTHING`,
		p.OrderID, p.UserID, p.ProductKey, p.VariantID, p.SubscriptionID, p.CustomerID, p.Email,
		p.Total, p.Currency, p.Status, p.TestMode, jsonOrNil(p.CustomData), createdAt)
	if err != nil {
		return false, fmt.Errorf("failed to save purchase: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const selectPurchase = `SELECT order_id, user_id, product_key, variant_id, subscription_id, customer_id,
		email, total, currency, status, test_mode, custom_data, created_at
	FROM purchases`

// GetPurchase implements credits.Store
func (s *Storage) GetPurchase(ctx context.Context, orderID string) (*credits.Purchase, error) {
	p, err := scanPurchase(s.pool.QueryRow(ctx, selectPurchase+` WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

// ListPurchasesByUser implements credits.Store
func (s *Storage) ListPurchasesByUser(ctx context.Context, userID string, limit int) ([]*credits.Purchase, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		selectPurchase+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	var out []*credits.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPurchases implements credits.Store
func (s *Storage) CountPurchases(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchases`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count purchases: %w", err)
	}
	return n, nil
}

// GetUserProfile implements credits.Store
func (s *Storage) GetUserProfile(ctx context.Context, userID string) (*credits.UserProfile, error) {
	u := &credits.UserProfile{}
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, email, lemon_customer_id, last_order_id, updated_at FROM users WHERE user_id = $1`,
		userID).Scan(&u.UserID, &u.Email, &u.LemonCustomerID, &u.LastOrderID, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// FindUserByEmail implements credits.Store. Matching is case-insensitive.
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*credits.UserProfile, error) {
	if email == "" {
		return nil, nil
	}
	u := &credits.UserProfile{}
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, email, lemon_customer_id, last_order_id, updated_at
			FROM users WHERE LOWER(email) = LOWER($1)
			ORDER BY updated_at DESC LIMIT 1`,
		email).Scan(&u.UserID, &u.Email, &u.LemonCustomerID, &u.LastOrderID, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return u, nil
}

// UpdateUserBilling implements credits.Store
func (s *Storage) UpdateUserBilling(ctx context.Context, userID string, update credits.BillingUpdate) error {
	if userID == "" {
		return fmt.Errorf("invalid user ID")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, email, lemon_customer_id, last_order_id, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id) DO UPDATE SET
				email = COALESCE(NULLIF(EXCLUDED.email, ''), users.email),
				lemon_customer_id = COALESCE(NULLIF(EXCLUDED.lemon_customer_id, ''), users.lemon_customer_id),
				last_order_id = COALESCE(NULLIF(EXCLUDED.last_order_id, ''), users.last_order_id),
				updated_at = EXCLUDED.updated_at`,
		userID, update.Email, update.LemonCustomerID, update.LastOrderID, s.config.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update user billing: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (*credits.Transaction, error) {
	var (
		tr           credits.Transaction
		txType       string
		creditSource string
	)
	err := row.Scan(&tr.ID, &tr.UserID, &tr.Amount, &txType, &tr.Source, &creditSource, &tr.SpecID,
		&tr.OriginalTxID, &tr.Reason, &tr.Metadata, &tr.CreatedAt)
	if err != nil {
		return nil, err
	}
	tr.Type = credits.TxType(txType)
	tr.CreditSource = credits.CreditSource(creditSource)
	return &tr, nil
}

func scanSubscription(row pgx.Row) (*credits.Subscription, error) {
	var (
		sub               credits.Subscription
		providerUpdatedAt *time.Time
	)
	err := row.Scan(&sub.UserID, &sub.LemonSubscriptionID, &sub.Status, &sub.CancelAtPeriodEnd, &sub.EndsAt,
		&sub.RenewsAt, &sub.CustomerID, &sub.OrderID, &sub.VariantID, &sub.TestMode, &sub.Metadata,
		&providerUpdatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if providerUpdatedAt != nil {
		sub.ProviderUpdatedAt = *providerUpdatedAt
	}
	return &sub, nil
}

func scanPurchase(row pgx.Row) (*credits.Purchase, error) {
	var p credits.Purchase
	err := row.Scan(&p.OrderID, &p.UserID, &p.ProductKey, &p.VariantID, &p.SubscriptionID, &p.CustomerID,
		&p.Email, &p.Total, &p.Currency, &p.Status, &p.TestMode, &p.CustomData, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// jsonOrNil stores empty maps as SQL NULL rather than a JSON null value.
func jsonOrNil(m map[string]string) interface{} {
	if len(m) == 0 {
		return nil
	}
	return m
}
