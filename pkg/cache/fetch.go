package cache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader fetches fresh values through a Cache. Concurrent misses for the
// same key share one load.
type Loader struct {
	cache Cache
	group singleflight.Group
}

// NewLoader wraps c. A nil cache disables caching.
func NewLoader(c Cache) *Loader {
	if c == nil {
		c = NoopCache{}
	}
	return &Loader{cache: c}
}

// Cache returns the underlying cache.
func (l *Loader) Cache() Cache {
	return l.cache
}

// Fetch returns the JSON-decoded value cached under key, calling load on a
// miss and caching its result for ttl. Cache read and write failures fall
// through to load; only load errors are returned.
func Fetch[T any](ctx context.Context, l *Loader, key string, ttl time.Duration,
	load func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if raw, ok, err := l.cache.Get(ctx, key); err == nil && ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(val); err == nil {
			_ = l.cache.Set(ctx, key, raw, ttl)
		}
		return val, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Invalidate removes key from the cache.
func (l *Loader) Invalidate(ctx context.Context, key string) error {
	return l.cache.Delete(ctx, key)
}
