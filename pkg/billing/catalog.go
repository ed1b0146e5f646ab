package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/specquota/pkg/cache"
)

// ProductKind tells the webhook what a purchase unlocks.
type ProductKind string

const (
	// KindCredits is a one-off credit pack
	KindCredits ProductKind = "credits"
	// KindSubscription is the Pro subscription
	KindSubscription ProductKind = "subscription"
)

// Product is one purchasable item. Each product has a separate variant in
// the provider's test and live modes.
type Product struct {
	Key           string      `json:"key" mapstructure:"key"`
	Name          string      `json:"name,omitempty" mapstructure:"name"`
	Kind          ProductKind `json:"kind" mapstructure:"kind"`
	Credits       int         `json:"credits,omitempty" mapstructure:"credits"`
	TestVariantID string      `json:"testVariantId,omitempty" mapstructure:"test_variant_id"`
	LiveVariantID string      `json:"liveVariantId,omitempty" mapstructure:"live_variant_id"`
}

// VariantID returns the product's variant for mode.
func (p Product) VariantID(mode Mode) string {
	if mode.IsTest() {
		return p.TestVariantID
	}
	return p.LiveVariantID
}

// Catalog is the set of configured products.
type Catalog struct {
	Products []Product `json:"products"`
}

// NewCatalog validates products and builds a catalog.
func NewCatalog(products []Product) (*Catalog, error) {
	seen := make(map[string]bool, len(products))
	for i, p := range products {
		if p.Key == "" {
			return nil, fmt.Errorf("product %d: key is required", i)
		}
		if seen[p.Key] {
			return nil, fmt.Errorf("product %q: duplicate key", p.Key)
		}
		seen[p.Key] = true
		switch p.Kind {
		case KindCredits:
			if p.Credits <= 0 {
				return nil, fmt.Errorf("product %q: credit packs need a positive credit amount", p.Key)
			}
		case KindSubscription:
		default:
			return nil, fmt.Errorf("product %q: unknown kind %q", p.Key, p.Kind)
		}
	}
	return &Catalog{Products: products}, nil
}

// Product returns the product with key.
func (c *Catalog) Product(key string) (Product, bool) {
	for _, p := range c.Products {
		if strings.EqualFold(p.Key, key) {
			return p, true
		}
	}
	return Product{}, false
}

// ProductForVariant maps a provider variant ID back to a product and
// reports which mode the variant belongs to.
func (c *Catalog) ProductForVariant(variantID string) (Product, Mode, bool) {
	if variantID == "" {
		return Product{}, "", false
	}
	for _, p := range c.Products {
		if p.TestVariantID == variantID {
			return p, ModeTest, true
		}
		if p.LiveVariantID == variantID {
			return p, ModeLive, true
		}
	}
	return Product{}, "", false
}

// Subscription returns the first subscription product.
func (c *Catalog) Subscription() (Product, bool) {
	for _, p := range c.Products {
		if p.Kind == KindSubscription {
			return p, true
		}
	}
	return Product{}, false
}

// Catalog implements CatalogSource for a fixed catalog.
func (c *Catalog) Catalog(context.Context) (*Catalog, error) {
	return c, nil
}

// CatalogSource supplies the current catalog.
type CatalogSource interface {
	Catalog(ctx context.Context) (*Catalog, error)
}

// CatalogFunc adapts a function to CatalogSource.
type CatalogFunc func(ctx context.Context) (*Catalog, error)

func (f CatalogFunc) Catalog(ctx context.Context) (*Catalog, error) {
	return f(ctx)
}

const catalogCacheKey = "billing:catalog"

// CachedCatalog serves a catalog from cache and reloads it from source
// after ttl.
type CachedCatalog struct {
	source CatalogSource
	loader *cache.Loader
	ttl    time.Duration
}

// NewCachedCatalog wraps source. A zero ttl means 5 minutes.
func NewCachedCatalog(source CatalogSource, loader *cache.Loader, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if loader == nil {
		loader = cache.NewLoader(cache.NewMemoryCache(16, nil))
	}
	return &CachedCatalog{source: source, loader: loader, ttl: ttl}
}

// Catalog implements CatalogSource.
func (c *CachedCatalog) Catalog(ctx context.Context) (*Catalog, error) {
	return cache.Fetch(ctx, c.loader, catalogCacheKey, c.ttl, func(ctx context.Context) (*Catalog, error) {
		cat, err := c.source.Catalog(ctx)
		if err != nil {
			return nil, fmt.Errorf("load product catalog: %w", err)
		}
		return cat, nil
	})
}

// Invalidate forces the next call to reload from source.
func (c *CachedCatalog) Invalidate(ctx context.Context) error {
	return c.loader.Invalidate(ctx, catalogCacheKey)
}
