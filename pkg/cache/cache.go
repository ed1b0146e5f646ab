// Package cache provides small TTL caches for slow-changing billing data
// such as the product catalog and the public purchase counter.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache stores opaque values with a TTL. Implementations must be safe for
// concurrent use.
type Cache interface {
	// Get returns the value and true if present and not expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// Clock abstracts time so expiry can be tested without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Stats holds cache performance statistics
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type entry struct {
	value      []byte
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak for equal access times
}

// NoopCache never stores anything. Used when caching is disabled.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopCache) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (NoopCache) Delete(context.Context, string) error {
	return nil
}

// MemoryCache is an in-process LRU cache with per-entry TTL.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
	clock      Clock
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64
}

// NewMemoryCache creates a cache holding at most maxEntries values
// (default 1000). A nil clock uses the wall clock.
func NewMemoryCache(maxEntries int, clock Clock) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryCache{
		entries:    make(map[string]*entry, maxEntries),
		maxEntries: maxEntries,
		clock:      clock,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiration) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false, nil
	}

	e.accessTime = now
	e.sequence = c.nextSeq()
	c.hits++
	return append([]byte(nil), e.value...), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = &entry{
		value:      append([]byte(nil), value...),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   c.nextSeq(),
	}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Clear removes all entries.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry, c.maxEntries)
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// evictLocked drops expired entries, or the least recently used one if
// nothing has expired.
func (c *MemoryCache) evictLocked() {
	now := c.clock.Now()
	var (
		oldestKey string
		oldest    *entry
	)
	for key, e := range c.entries {
		if !now.Before(e.expiration) {
			delete(c.entries, key)
			c.evictions++
			continue
		}
		if oldest == nil || e.accessTime.Before(oldest.accessTime) ||
			(e.accessTime.Equal(oldest.accessTime) && e.sequence < oldest.sequence) {
			oldestKey, oldest = key, e
		}
	}
	if len(c.entries) < c.maxEntries || oldest == nil {
		return
	}
	delete(c.entries, oldestKey)
	c.evictions++
}

func (c *MemoryCache) nextSeq() int64 {
	c.sequence++
	return c.sequence
}
