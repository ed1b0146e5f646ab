package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Ledger owns every mutation of user entitlements. Each mutation runs in a
// single storage transaction keyed by a deterministic transaction ID, which
// makes all operations safe to retry.
type Ledger struct {
	store   Store
	config  Config
	logger  Logger
	metrics Metrics
}

// NewLedger creates a ledger on top of store.
func NewLedger(store Store, config Config) (*Ledger, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}

	switch {
	case config.FreeTrialAllowance == 0:
		config.FreeTrialAllowance = 1
	case config.FreeTrialAllowance < 0:
		config.FreeTrialAllowance = 0
	}
	if config.MaxSpecsPerUser == 0 {
		config.MaxSpecsPerUser = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	return &Ledger{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// GrantCredits adds amount paid credits. The transaction ID is derived from
// source, the grant reference and userID; the reference is the idempotency
// key option, else metadata "order_id", else metadata "reference".
func (l *Ledger) GrantCredits(ctx context.Context, userID string, amount int, source string,
	metadata map[string]string, opts ...Option) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: grant amount must be positive, got %d", ErrInvalidInput, amount)
	}
	if source == "" {
		return nil, fmt.Errorf("%w: grant source is required", ErrInvalidInput)
	}

	o := applyOptions(opts)
	reference := o.idempotencyKey
	if reference == "" {
		reference = metadata["order_id"]
	}
	if reference == "" {
		reference = metadata["reference"]
	}
	if reference == "" {
		return nil, fmt.Errorf("%w: grant requires an order ID or reference", ErrInvalidInput)
	}

	txID := GrantTxID(source, reference, userID)
	md := mergeMetadata(metadata, o.metadata)

	var res *Result
	err := l.run(ctx, "grant", func(ctx context.Context, tx Tx) error {
		existing, ent, err := readState(tx, txID, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			res = replayResult(existing, ent)
			return nil
		}

		now := l.now()
		ent = ensureEntitlements(ent, userID)
		ent.SpecCredits += amount
		ent.UpdatedAt = now

		if err := tx.SetEntitlements(ent); err != nil {
			return err
		}
		if err := tx.CreateTransaction(&Transaction{
			ID:        txID,
			UserID:    userID,
			Amount:    amount,
			Type:      TxTypeGrant,
			Source:    source,
			Metadata:  md,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		res = &Result{TransactionID: txID, Entitlements: ent.Clone()}
		return nil
	})
	if err != nil {
		l.logger.Error("grant credits failed",
			F("user_id", userID), F("source", source), F("tx_id", txID), Err(err))
		return nil, err
	}

	if res.AlreadyProcessed {
		l.metrics.RecordReplay("grant")
		l.logger.Debug("grant already processed", F("user_id", userID), F("tx_id", txID))
	} else {
		l.metrics.RecordGrant(source, amount)
		l.logger.Info("credits granted",
			F("user_id", userID), F("amount", amount), F("source", source), F("tx_id", txID),
			F("balance", res.Entitlements.SpecCredits))
	}
	return res, nil
}

// ConsumeCredit spends one credit for specID. Pro users spend nothing, other
// users spend a paid credit first and then the free trial. Consuming the
// same spec twice returns the first result; once that consumption is
// refunded the spec is charged again.
func (l *Ledger) ConsumeCredit(ctx context.Context, userID, specID string, opts ...Option) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	if specID == "" {
		return nil, fmt.Errorf("%w: spec ID is required", ErrInvalidInput)
	}

	o := applyOptions(opts)
	txID := ConsumeTxID(userID, specID)

	var res *Result
	err := l.run(ctx, "consume", func(ctx context.Context, tx Tx) error {
		var (
			existing *Transaction
			err      error
		)
		txID, existing, err = liveConsume(tx, userID, specID)
		if err != nil {
			return err
		}
		ent, err := tx.GetEntitlements(userID)
		if err != nil {
			return err
		}
		if existing != nil {
			res = replayResult(existing, ent)
			return nil
		}

		ent = ensureEntitlements(ent, userID)

		var (
			src    CreditSource
			amount int
		)
		switch {
		case ent.Unlimited:
			src = SourceUnlimited
		case l.config.MaxSpecsPerUser > 0 && ent.ActiveSpecs >= l.config.MaxSpecsPerUser:
			return ErrSpecLimitReached
		case ent.SpecCredits > 0:
			src = SourcePaid
			amount = -1
			ent.SpecCredits--
		case ent.FreeTrialUsed < l.config.FreeTrialAllowance:
			src = SourceFreeTrial
			ent.FreeTrialUsed++
		default:
			return ErrInsufficientCredits
		}

		now := l.now()
		ent.ActiveSpecs++
		ent.UpdatedAt = now

		if err := tx.SetEntitlements(ent); err != nil {
			return err
		}
		if err := tx.CreateTransaction(&Transaction{
			ID:           txID,
			UserID:       userID,
			Amount:       amount,
			Type:         TxTypeConsume,
			Source:       "spec",
			CreditSource: src,
			SpecID:       specID,
			Metadata:     mergeMetadata(map[string]string{"credit_source": string(src)}, o.metadata),
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		res = &Result{TransactionID: txID, CreditSource: src, Entitlements: ent.Clone()}
		return nil
	})
	if err != nil {
		l.metrics.RecordConsume("", false)
		if errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrSpecLimitReached) {
			l.logger.Info("credit consumption rejected",
				F("user_id", userID), F("spec_id", specID), Err(err))
		} else {
			l.logger.Error("consume credit failed",
				F("user_id", userID), F("spec_id", specID), F("tx_id", txID), Err(err))
		}
		return nil, err
	}

	if res.AlreadyProcessed {
		l.metrics.RecordReplay("consume")
	} else {
		l.metrics.RecordConsume(res.CreditSource, true)
		l.logger.Info("credit consumed",
			F("user_id", userID), F("spec_id", specID), F("credit_source", string(res.CreditSource)),
			F("tx_id", txID))
	}
	return res, nil
}

// RefundCredit gives credit back. With originalTxID the refund is tied to a
// consumption: the credit returns to the allowance it came from and the spec
// stops counting against the user's limit. Without it, amount paid credits
// are added.
func (l *Ledger) RefundCredit(ctx context.Context, userID string, amount int, reason, originalTxID string,
	opts ...Option) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	if amount < 0 || (originalTxID == "" && amount == 0) {
		return nil, fmt.Errorf("%w: refund amount must be positive, got %d", ErrInvalidInput, amount)
	}

	o := applyOptions(opts)
	txID := RefundTxID(userID, amount, reason, originalTxID)

	var res *Result
	err := l.run(ctx, "refund", func(ctx context.Context, tx Tx) error {
		existing, err := tx.GetTransaction(txID)
		if err != nil {
			return err
		}
		var original *Transaction
		if existing == nil && originalTxID != "" {
			if original, err = tx.GetTransaction(originalTxID); err != nil {
				return err
			}
		}
		ent, err := tx.GetEntitlements(userID)
		if err != nil {
			return err
		}
		if existing != nil {
			res = replayResult(existing, ent)
			return nil
		}

		ent = ensureEntitlements(ent, userID)
		src := SourcePaid
		credited := amount

		if originalTxID != "" {
			if original == nil {
				return fmt.Errorf("%w: %s", ErrTransactionNotFound, originalTxID)
			}
			if original.UserID != userID || original.Type != TxTypeConsume {
				return fmt.Errorf("%w: %s", ErrTransactionMismatch, originalTxID)
			}
			src = original.CreditSource
			switch src {
			case SourcePaid:
				if credited == 0 {
					credited = -original.Amount
				}
				ent.SpecCredits += credited
			case SourceFreeTrial:
				credited = 0
				if ent.FreeTrialUsed > 0 {
					ent.FreeTrialUsed--
				}
			default:
				credited = 0
			}
			if ent.ActiveSpecs > 0 {
				ent.ActiveSpecs--
			}
		} else {
			ent.SpecCredits += credited
		}

		now := l.now()
		ent.UpdatedAt = now

		if err := tx.SetEntitlements(ent); err != nil {
			return err
		}
		t := &Transaction{
			ID:           txID,
			UserID:       userID,
			Amount:       credited,
			Type:         TxTypeRefund,
			Source:       "refund",
			CreditSource: src,
			OriginalTxID: originalTxID,
			Reason:       reason,
			Metadata:     mergeMetadata(map[string]string{"credit_source": string(src)}, o.metadata),
			CreatedAt:    now,
		}
		if original != nil {
			t.SpecID = original.SpecID
		}
		if err := tx.CreateTransaction(t); err != nil {
			return err
		}
		res = &Result{TransactionID: txID, CreditSource: src, Entitlements: ent.Clone()}
		return nil
	})
	if err != nil {
		l.logger.Error("refund credit failed",
			F("user_id", userID), F("original_tx_id", originalTxID), F("tx_id", txID), Err(err))
		return nil, err
	}

	if res.AlreadyProcessed {
		l.metrics.RecordReplay("refund")
	} else {
		l.metrics.RecordRefund(res.CreditSource, amount)
		l.logger.Info("credit refunded",
			F("user_id", userID), F("reason", reason), F("credit_source", string(res.CreditSource)),
			F("tx_id", txID))
	}
	return res, nil
}

// EnableProSubscription turns on unlimited mode and parks the paid balance in
// PreservedCredits. Calling it for a user who already has Pro changes nothing.
func (l *Ledger) EnableProSubscription(ctx context.Context, userID, source string) (*Entitlements, error) {
	ch, err := l.SetPro(ctx, userID, source, true)
	if err != nil {
		return nil, err
	}
	return ch.Entitlements, nil
}

// DisableProSubscription turns off unlimited mode whatever enabled it. The
// paid balance becomes PreservedCredits plus anything granted while Pro was
// active, or override when given. Without an override, a user who does not
// have Pro is left unchanged.
func (l *Ledger) DisableProSubscription(ctx context.Context, userID string, override *int) (*Entitlements, error) {
	if override != nil && *override < 0 {
		return nil, fmt.Errorf("%w: override credits must not be negative", ErrInvalidInput)
	}
	ch, err := l.setPro(ctx, userID, "", false, override)
	if err != nil {
		return nil, err
	}
	return ch.Entitlements, nil
}

// SetPro switches Pro on or off on behalf of source, formatted
// "issuer:id" (e.g. "lemonsqueezy:42"). Disabling only happens when source
// owns Pro or nothing recorded does; otherwise HeldBy names the owner.
// Enabling for a user who already has Pro from the same issuer moves
// ownership to source without touching balances.
func (l *Ledger) SetPro(ctx context.Context, userID, source string, enabled bool) (*ProChange, error) {
	if !enabled && source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidInput)
	}
	return l.setPro(ctx, userID, source, enabled, nil)
}

func (l *Ledger) setPro(ctx context.Context, userID, source string, enabled bool, override *int) (*ProChange, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}

	op := "disable_pro"
	if enabled {
		op = "enable_pro"
	}

	var ch *ProChange
	err := l.run(ctx, op, func(ctx context.Context, tx Tx) error {
		ent, err := tx.GetEntitlements(userID)
		if err != nil {
			return err
		}
		ent = ensureEntitlements(ent, userID)
		ch = &ProChange{Entitlements: ent}

		if enabled {
			if ent.Unlimited {
				if source == "" || ent.ProSource == source || !sameIssuer(ent.ProSource, source) {
					return nil
				}
				ent.ProSource = source
				ent.UpdatedAt = l.now()
				return tx.SetEntitlements(ent)
			}
			ent.PreservedCredits += ent.SpecCredits
			ent.SpecCredits = 0
			ent.Unlimited = true
			ent.CanEdit = true
			ent.ProSource = source
		} else {
			if !ent.Unlimited && override == nil {
				return nil
			}
			if source != "" && ent.ProSource != "" && ent.ProSource != source {
				ch.HeldBy = ent.ProSource
				return nil
			}
			if override != nil {
				ent.SpecCredits = *override
			} else {
				ent.SpecCredits += ent.PreservedCredits
			}
			ent.PreservedCredits = 0
			ent.Unlimited = false
			ent.CanEdit = false
			ent.ProSource = ""
		}
		ent.UpdatedAt = l.now()
		if err := tx.SetEntitlements(ent); err != nil {
			return err
		}
		ch.Changed = true
		return nil
	})
	if err != nil {
		l.logger.Error(strings.ReplaceAll(op, "_", " ")+" failed", F("user_id", userID), Err(err))
		return nil, err
	}

	switch {
	case ch.Changed && enabled:
		l.metrics.RecordProChange(true)
		l.logger.Info("pro enabled",
			F("user_id", userID), F("source", source), F("preserved_credits", ch.Entitlements.PreservedCredits))
	case ch.Changed:
		l.metrics.RecordProChange(false)
		l.logger.Info("pro disabled", F("user_id", userID), F("spec_credits", ch.Entitlements.SpecCredits))
	case ch.HeldBy != "":
		l.logger.Info("pro kept, held by another source",
			F("user_id", userID), F("source", source), F("pro_source", ch.HeldBy))
	}
	ch.Entitlements = ch.Entitlements.Clone()
	return ch, nil
}

// GetEntitlements returns the user's entitlement summary. Users without a
// record get the defaults.
func (l *Ledger) GetEntitlements(ctx context.Context, userID string) (*EntitlementsView, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}

	start := time.Now()
	ent, err := l.store.GetEntitlements(ctx, userID)
	l.metrics.RecordStorageOperation("get_entitlements", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return l.View(ensureEntitlements(ent, userID)), nil
}

// ListTransactions returns the user's ledger, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	start := time.Now()
	txs, err := l.store.ListTransactions(ctx, userID, limit)
	l.metrics.RecordStorageOperation("list_transactions", time.Since(start), err)
	return txs, err
}

// View summarises ent for clients.
func (l *Ledger) View(ent *Entitlements) *EntitlementsView {
	remaining := l.config.FreeTrialAllowance - ent.FreeTrialUsed
	if remaining < 0 {
		remaining = 0
	}
	underLimit := l.config.MaxSpecsPerUser < 0 || ent.ActiveSpecs < l.config.MaxSpecsPerUser

	return &EntitlementsView{
		UserID:             ent.UserID,
		SpecCredits:        ent.SpecCredits,
		Unlimited:          ent.Unlimited,
		CanEdit:            ent.CanEdit,
		PreservedCredits:   ent.PreservedCredits,
		FreeTrialRemaining: remaining,
		ActiveSpecs:        ent.ActiveSpecs,
		CanCreateSpec:      ent.Unlimited || (underLimit && (ent.SpecCredits > 0 || remaining > 0)),
		UpdatedAt:          ent.UpdatedAt,
	}
}

func (l *Ledger) run(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	start := time.Now()
	err := l.store.RunTransaction(ctx, fn)
	if errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrSpecLimitReached) {
		l.metrics.RecordStorageOperation(op, time.Since(start), nil)
	} else {
		l.metrics.RecordStorageOperation(op, time.Since(start), err)
	}
	return err
}

func (l *Ledger) now() time.Time {
	return l.config.Now().UTC()
}

// liveConsume walks the consumption generations of specID. It returns the
// first consumption that has not been refunded, or the ID the next
// consumption should take when every earlier one was refunded.
func liveConsume(tx Tx, userID, specID string) (string, *Transaction, error) {
	for gen := 0; ; gen++ {
		id := ConsumeGenerationTxID(userID, specID, gen)
		existing, err := tx.GetTransaction(id)
		if err != nil {
			return "", nil, err
		}
		if existing == nil {
			return id, nil, nil
		}
		refund, err := tx.GetTransaction(RefundTxID(userID, 0, "", id))
		if err != nil {
			return "", nil, err
		}
		if refund == nil {
			return id, existing, nil
		}
	}
}

func sameIssuer(a, b string) bool {
	ia, _, okA := strings.Cut(a, ":")
	ib, _, okB := strings.Cut(b, ":")
	return okA && okB && ia == ib
}

func readState(tx Tx, txID, userID string) (*Transaction, *Entitlements, error) {
	existing, err := tx.GetTransaction(txID)
	if err != nil {
		return nil, nil, err
	}
	ent, err := tx.GetEntitlements(userID)
	if err != nil {
		return nil, nil, err
	}
	return existing, ent, nil
}

func replayResult(existing *Transaction, ent *Entitlements) *Result {
	return &Result{
		TransactionID:    existing.ID,
		AlreadyProcessed: true,
		CreditSource:     existing.CreditSource,
		Entitlements:     ensureEntitlements(ent, existing.UserID).Clone(),
	}
}

func ensureEntitlements(ent *Entitlements, userID string) *Entitlements {
	if ent != nil {
		return ent
	}
	return &Entitlements{UserID: userID}
}

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
