package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membershiphub/esign/internal/config"
	"github.com/membershiphub/esign/internal/db/models"
)

// newTestLimiter returns a limiter on a controllable clock.
func newTestLimiter(t *testing.T, rpm, burst int) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	})
	t.Cleanup(rl.Stop)
	now := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func allow(t *testing.T, l Limiter, key string) Decision {
	t.Helper()
	d, err := l.Allow(context.Background(), key)
	require.NoError(t, err)
	return d
}

func TestRateLimitConfigFrom(t *testing.T) {
	cfg := RateLimitConfigFrom(config.RateLimitingConfig{})
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 10, cfg.BurstSize)

	cfg = RateLimitConfigFrom(config.RateLimitingConfig{RequestsPerMinute: 120, Burst: 20})
	assert.Equal(t, 120, cfg.RequestsPerMinute)
	assert.Equal(t, 20, cfg.BurstSize)

	assert.Less(t, SigningRateLimitConfig().RequestsPerMinute, DefaultRateLimitConfig().RequestsPerMinute)
}

func TestRateLimiter_AllowsUpToBurstSize(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 3)

	allowed := 0
	for range 5 {
		if allow(t, rl, "burst").Allowed {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestRateLimiter_RemainingAndRetryAfter(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 2)

	d := allow(t, rl, "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, 60, d.Limit)

	allow(t, rl, "k")
	d = allow(t, rl, "k")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestRateLimiter_TokensRefillOverTime(t *testing.T) {
	rl, now := newTestLimiter(t, 60, 1)

	require.True(t, allow(t, rl, "refill").Allowed)
	require.False(t, allow(t, rl, "refill").Allowed)

	*now = now.Add(time.Second)
	assert.True(t, allow(t, rl, "refill").Allowed)
}

func TestRateLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)

	allow(t, rl, "a")
	assert.False(t, allow(t, rl, "a").Allowed)
	assert.True(t, allow(t, rl, "b").Allowed)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}

func newRateLimitRouter(l Limiter, setup gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	if setup == nil {
		setup = func(*gin.Context) {}
	}
	r.GET("/", setup, RateLimitMiddleware(l), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimitMiddleware_RejectsWith429(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)
	r := newRateLimitRouter(rl, nil)

	w := do(r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = do(r)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded", body["error"])
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	w := do(newRateLimitRouter(failingLimiter{}, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRedisLimiter_UnreachableServerFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLimiter(rdb, DefaultRateLimitConfig())
	_, err := l.Allow(context.Background(), "ip:127.0.0.1")
	require.Error(t, err)

	w := do(newRateLimitRouter(l, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewLimiterFromConfig_InProcessWithoutRedis(t *testing.T) {
	l, closeFn := NewLimiterFromConfig(config.RateLimitingConfig{RequestsPerMinute: 30, Burst: 2})
	defer closeFn()

	rl, ok := l.(*RateLimiter)
	require.True(t, ok, "limiter = %T, want *RateLimiter", l)
	assert.Equal(t, 30, rl.config.RequestsPerMinute)
}

func TestNewLimiterFromConfig_Redis(t *testing.T) {
	l, closeFn := NewLimiterFromConfig(config.RateLimitingConfig{RedisAddr: "127.0.0.1:1"})
	defer closeFn()

	_, ok := l.(*RedisLimiter)
	assert.True(t, ok, "limiter = %T, want *RedisLimiter", l)
}

func TestGetRateLimitKey(t *testing.T) {
	tests := []struct {
		name  string
		setup gin.HandlerFunc
		want  string
	}{
		{"user", func(c *gin.Context) { c.Set(ContextKeyUserID, "u1") }, "user:u1"},
		{"recipient", func(c *gin.Context) {
			c.Set(ContextKeyRecipient, &models.ContractRecipient{ID: "r1"})
		}, "recipient:r1"},
		{"user wins over recipient", func(c *gin.Context) {
			c.Set(ContextKeyUserID, "u1")
			c.Set(ContextKeyRecipient, &models.ContractRecipient{ID: "r1"})
		}, "user:u1"},
		{"ip fallback", func(*gin.Context) {}, "ip:192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			r := gin.New()
			r.GET("/", tt.setup, func(c *gin.Context) {
				got = getRateLimitKey(c)
				c.Status(http.StatusOK)
			})
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, tt.want, got)
		})
	}
}

// keyRecorder records the keys it is asked about.
type keyRecorder struct{ keys []string }

func (k *keyRecorder) Allow(_ context.Context, key string) (Decision, error) {
	k.keys = append(k.keys, key)
	return Decision{Allowed: true, Limit: 1, Remaining: 0}, nil
}

func TestRateLimitMiddleware_UsesCallerKey(t *testing.T) {
	rec := &keyRecorder{}
	r := newRateLimitRouter(rec, func(c *gin.Context) { c.Set(ContextKeyUserID, "u7") })

	w := do(r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"user:u7"}, rec.keys)
	assert.Equal(t, strconv.Itoa(0), w.Header().Get("X-RateLimit-Remaining"))
}
