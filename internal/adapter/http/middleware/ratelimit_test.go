package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trading-ledger/internal/adapter/http/middleware"
	redisStore "trading-ledger/internal/adapter/storage/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRateLimitRouter(store middleware.RateLimitStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	rule := middleware.RateLimitRule{Limit: 3, Window: time.Minute}
	r.POST("/webhook", middleware.RateLimiter(store, "webhook", rule, zerolog.Nop()), func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	return r
}

func fire(router *gin.Engine, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, "/webhook", nil)
	req.RemoteAddr = remoteAddr
	router.ServeHTTP(w, req)
	return w
}

func redisRateLimitStore(t *testing.T) middleware.RateLimitStore {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redisStore.NewRateLimitStore(client)
}

func TestRateLimiter_Stores(t *testing.T) {
	stores := map[string]func(t *testing.T) middleware.RateLimitStore{
		"redis": redisRateLimitStore,
		"local": func(*testing.T) middleware.RateLimitStore { return middleware.NewLocalRateLimitStore() },
	}

	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			router := setupRateLimitRouter(build(t))

			for i := 0; i < 3; i++ {
				w := fire(router, "10.0.0.1:1234")
				assert.Equal(t, 200, w.Code, "request %d should succeed", i+1)
				assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
				assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
			}

			w := fire(router, "10.0.0.1:1234")
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
			assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
			assert.NotEmpty(t, w.Header().Get("Retry-After"))

			// Another sender has its own counter.
			w = fire(router, "10.0.0.2:1234")
			assert.Equal(t, 200, w.Code)
		})
	}
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int64, time.Duration) (*redisStore.RateLimitResult, error) {
	return nil, assert.AnError
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	router := setupRateLimitRouter(failingStore{})
	for i := 0; i < 5; i++ {
		assert.Equal(t, 200, fire(router, "10.0.0.1:1234").Code)
	}
}

func TestLocalRateLimitStore_WindowResets(t *testing.T) {
	store := middleware.NewLocalRateLimitStore()
	ctx := context.Background()

	res, err := store.Allow(ctx, "k", 1, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = store.Allow(ctx, "k", 1, time.Second)
	require.NoError(t, err)
	if !res.Allowed {
		// Same window: wait for the next one.
		time.Sleep(time.Until(time.Unix(res.ResetAt, 0)) + 10*time.Millisecond)
		res, err = store.Allow(ctx, "k", 1, time.Second)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}
