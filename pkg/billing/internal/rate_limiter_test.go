package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_LimitsPerWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.allow("1.1.1.1"))
	assert.True(t, limiter.allow("1.1.1.1"))
	assert.False(t, limiter.allow("1.1.1.1"))
	assert.True(t, limiter.allow("2.2.2.2"))

	now = now.Add(time.Minute + time.Second)
	assert.True(t, limiter.allow("1.1.1.1"))
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	now := time.Now()
	limiter := NewRateLimiter(10, time.Minute)
	limiter.requests["expired"] = &bucket{count: 5, resetAt: now.Add(-time.Second)}
	limiter.requests["active"] = &bucket{count: 3, resetAt: now.Add(time.Minute)}

	limiter.cleanupExpired(now)

	assert.NotContains(t, limiter.requests, "expired")
	assert.Contains(t, limiter.requests, "active")
}

func TestRateLimiter_CleanupBoundsMapSize(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(10, time.Second)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 150; i++ {
		limiter.allow(fmt.Sprintf("10.0.0.%d", i))
	}
	now = now.Add(2 * time.Second)
	for i := 0; i < 100; i++ {
		limiter.allow("10.1.0.1")
	}

	assert.LessOrEqual(t, len(limiter.requests), 50)
}

func TestRateLimiter_CleanupCounterReset(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute)
	for i := 0; i < limiter.cleanupEvery*15; i++ {
		limiter.allow("192.168.1.1")
	}
	assert.LessOrEqual(t, limiter.requestCount, limiter.cleanupEvery*10)
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.RemoteAddr = "192.168.1.7:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "10.0.0.1", ClientIP(req, false))
	assert.Equal(t, "203.0.113.9", ClientIP(req, true))
}
