package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/specquota/pkg/cache"
)

func testProducts() []Product {
	return []Product{
		{Key: "pack_5", Kind: KindCredits, Credits: 5, TestVariantID: "t-5", LiveVariantID: "l-5"},
		{Key: "pro", Kind: KindSubscription, TestVariantID: "t-pro", LiveVariantID: "l-pro"},
	}
}

func TestNewCatalog_Validation(t *testing.T) {
	_, err := NewCatalog(testProducts())
	require.NoError(t, err)

	_, err = NewCatalog([]Product{{Kind: KindCredits, Credits: 1}})
	assert.Error(t, err)

	_, err = NewCatalog([]Product{{Key: "a", Kind: KindCredits}})
	assert.Error(t, err)

	_, err = NewCatalog([]Product{{Key: "a", Kind: "bundle"}})
	assert.Error(t, err)

	_, err = NewCatalog([]Product{
		{Key: "a", Kind: KindSubscription},
		{Key: "a", Kind: KindSubscription},
	})
	assert.Error(t, err)
}

func TestCatalog_Lookups(t *testing.T) {
	cat, err := NewCatalog(testProducts())
	require.NoError(t, err)

	p, ok := cat.Product("PACK_5")
	require.True(t, ok)
	assert.Equal(t, "t-5", p.VariantID(ModeTest))
	assert.Equal(t, "l-5", p.VariantID(ModeLive))

	p, mode, ok := cat.ProductForVariant("l-pro")
	require.True(t, ok)
	assert.Equal(t, "pro", p.Key)
	assert.Equal(t, ModeLive, mode)

	_, _, ok = cat.ProductForVariant("")
	assert.False(t, ok)

	sub, ok := cat.Subscription()
	require.True(t, ok)
	assert.Equal(t, "pro", sub.Key)
}

func TestCachedCatalog_ReloadsAfterTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := clockFunc(func() time.Time { return now })
	loads := 0
	source := CatalogFunc(func(ctx context.Context) (*Catalog, error) {
		loads++
		return NewCatalog(testProducts())
	})

	cached := NewCachedCatalog(source, cache.NewLoader(cache.NewMemoryCache(4, clock)), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cat, err := cached.Catalog(ctx)
		require.NoError(t, err)
		assert.Len(t, cat.Products, 2)
	}
	assert.Equal(t, 1, loads)

	now = now.Add(2 * time.Minute)
	_, err := cached.Catalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)

	require.NoError(t, cached.Invalidate(ctx))
	_, err = cached.Catalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, loads)
}

func TestCachedCatalog_SourceError(t *testing.T) {
	source := CatalogFunc(func(ctx context.Context) (*Catalog, error) {
		return nil, errors.New("firestore down")
	})
	_, err := NewCachedCatalog(source, nil, 0).Catalog(context.Background())
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Test ")
	require.NoError(t, err)
	assert.True(t, m.IsTest())
	assert.True(t, m.Matches(true))
	assert.False(t, m.Matches(false))

	m, err = ParseMode("live")
	require.NoError(t, err)
	assert.Equal(t, ModeLive, m)

	_, err = ParseMode("staging")
	assert.Error(t, err)
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }
