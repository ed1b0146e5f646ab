package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/specquota/pkg/cache"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c, err := New(client, DefaultConfig())
	require.NoError(t, err)
	return c, mr
}

func TestNew_NilClient(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "specquota:", c.config.KeyPrefix)
	assert.Equal(t, 500*time.Millisecond, c.config.OperationTimeout)
}

func TestCache_GetSetDelete(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "catalog")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "catalog", []byte(`{"a":1}`), time.Minute))
	assert.True(t, mr.Exists("specquota:catalog"))

	v, ok, err := c.Get(ctx, "catalog")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(v))

	require.NoError(t, c.Delete(ctx, "catalog"))
	_, ok, err = c.Get(ctx, "catalog")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "counter", []byte("42"), time.Minute))
	mr.FastForward(61 * time.Second)

	_, ok, err := c.Get(ctx, "counter")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ZeroTTLIsNotStored(t *testing.T) {
	c, mr := setupTestCache(t)
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), 0))
	assert.False(t, mr.Exists("specquota:k"))
}

func TestCache_ServerDown(t *testing.T) {
	c, mr := setupTestCache(t)
	mr.Close()

	_, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestCache_WithLoader(t *testing.T) {
	c, _ := setupTestCache(t)
	loader := cache.NewLoader(c)
	ctx := context.Background()

	calls := 0
	load := func(ctx context.Context) (int, error) {
		calls++
		return 7, nil
	}
	for i := 0; i < 3; i++ {
		v, err := cache.Fetch(ctx, loader, "purchase_count", time.Minute, load)
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	}
	assert.Equal(t, 1, calls)
}
