package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/specquota/pkg/credits"
)

func TestStorage_TransactionCommitsOnSuccess(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.RunTransaction(ctx, func(ctx context.Context, tx credits.Tx) error {
		if err := tx.SetEntitlements(&credits.Entitlements{UserID: "u1", SpecCredits: 3}); err != nil {
			return err
		}
		return tx.CreateTransaction(&credits.Transaction{ID: "grant_1", UserID: "u1", Amount: 3})
	})
	require.NoError(t, err)

	ent, err := s.GetEntitlements(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, 3, ent.SpecCredits)

	txs, err := s.ListTransactions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestStorage_TransactionDiscardsOnError(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.RunTransaction(ctx, func(ctx context.Context, tx credits.Tx) error {
		_ = tx.SetEntitlements(&credits.Entitlements{UserID: "u1", SpecCredits: 3})
		return errors.New("abort")
	})
	require.Error(t, err)

	ent, err := s.GetEntitlements(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, ent)
}

func TestStorage_TransactionSeesOwnWrites(t *testing.T) {
	s := New()
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx credits.Tx) error {
		require.NoError(t, tx.SetEntitlements(&credits.Entitlements{UserID: "u1", SpecCredits: 1}))
		ent, err := tx.GetEntitlements("u1")
		require.NoError(t, err)
		assert.Equal(t, 1, ent.SpecCredits)
		return nil
	})
	require.NoError(t, err)
}

func TestStorage_CreateTransactionRejectsDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	create := func(ctx context.Context, tx credits.Tx) error {
		return tx.CreateTransaction(&credits.Transaction{ID: "consume_1", UserID: "u1"})
	}

	require.NoError(t, s.RunTransaction(ctx, create))
	assert.Error(t, s.RunTransaction(ctx, create))
}

func TestStorage_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx credits.Tx) error {
		return tx.SetEntitlements(&credits.Entitlements{UserID: "u1", SpecCredits: 1})
	}))

	ent, _ := s.GetEntitlements(ctx, "u1")
	ent.SpecCredits = 100

	again, _ := s.GetEntitlements(ctx, "u1")
	assert.Equal(t, 1, again.SpecCredits)
}

func TestStorage_SavePurchaseCreateIfAbsent(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.SavePurchase(ctx, &credits.Purchase{OrderID: "1001", UserID: "u1", ProductKey: "pack_5"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.SavePurchase(ctx, &credits.Purchase{OrderID: "1001", UserID: "u1", ProductKey: "changed"})
	require.NoError(t, err)
	assert.False(t, created)

	p, err := s.GetPurchase(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "pack_5", p.ProductKey)

	n, err := s.CountPurchases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStorage_ListPurchasesByUserNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	_, _ = s.SavePurchase(ctx, &credits.Purchase{OrderID: "1", UserID: "u1", CreatedAt: base})
	_, _ = s.SavePurchase(ctx, &credits.Purchase{OrderID: "2", UserID: "u1", CreatedAt: base.Add(time.Hour)})
	_, _ = s.SavePurchase(ctx, &credits.Purchase{OrderID: "3", UserID: "u2", CreatedAt: base})

	ps, err := s.ListPurchasesByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "2", ps[0].OrderID)
}

func TestStorage_Subscriptions(t *testing.T) {
	s := New()
	ctx := context.Background()

	sub, err := s.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, sub)

	require.NoError(t, s.UpsertSubscription(ctx, &credits.Subscription{
		UserID: "u1", LemonSubscriptionID: "sub_1", Status: credits.StatusActive,
		Metadata: map[string]string{"resolved_via": "webhook"},
	}))
	require.NoError(t, s.UpsertSubscription(ctx, &credits.Subscription{
		UserID: "u1", LemonSubscriptionID: "sub_1", Status: credits.StatusCancelled,
		Metadata: map[string]string{"source": "cancel"},
	}))

	sub, err = s.FindSubscriptionByLemonID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, credits.StatusCancelled, sub.Status)
	assert.Equal(t, "webhook", sub.Metadata["resolved_via"])
	assert.Equal(t, "cancel", sub.Metadata["source"])
}

func TestStorage_UserBilling(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.UpdateUserBilling(ctx, "u1", credits.BillingUpdate{Email: "A@Example.com"}))
	require.NoError(t, s.UpdateUserBilling(ctx, "u1", credits.BillingUpdate{LemonCustomerID: "c9", LastOrderID: "1001"}))

	u, err := s.FindUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.UserID)
	assert.Equal(t, "c9", u.LemonCustomerID)
	assert.Equal(t, "1001", u.LastOrderID)
	assert.Equal(t, "A@Example.com", u.Email)
}

func TestStorage_CanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.RunTransaction(ctx, func(ctx context.Context, tx credits.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
