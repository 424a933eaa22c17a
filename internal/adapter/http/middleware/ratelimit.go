package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	redisStore "trading-ledger/internal/adapter/storage/redis"
	"trading-ledger/pkg/apperror"
	"trading-ledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RateLimitRule defines a rate limit for an endpoint group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// RateLimitStore counts requests per key in fixed windows.
// *redisStore.RateLimitStore and *LocalRateLimitStore implement it.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*redisStore.RateLimitResult, error)
}

// RateLimiter creates a rate-limiting middleware for a given endpoint group.
// Store errors let the request through.
func RateLimiter(store RateLimitStore, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s:%s", extractIdentifier(c), group)

		result, err := store.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("rate limit check failed, allowing request (degraded mode)")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			retryAfter := result.ResetAt - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			response.Error(c, apperror.ErrRateLimitExceeded())
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractIdentifier determines the rate limit key source.
func extractIdentifier(c *gin.Context) string {
	if op := c.GetString(CtxOperator); op != "" {
		return op
	}
	return c.ClientIP()
}

// LocalRateLimitStore is the in-process limiter used when Redis is
// disabled. Counts are per process.
type LocalRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]localWindow
	now     func() time.Time
}

type localWindow struct {
	id    int64
	count int64
}

func NewLocalRateLimitStore() *LocalRateLimitStore {
	return &LocalRateLimitStore{
		windows: make(map[string]localWindow),
		now:     time.Now,
	}
}

// Allow mirrors the Redis store's fixed-window arithmetic.
func (s *LocalRateLimitStore) Allow(_ context.Context, key string, limit int64, window time.Duration) (*redisStore.RateLimitResult, error) {
	windowSecs := int64(window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}
	windowID := s.now().Unix() / windowSecs

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if w.id != windowID {
		w = localWindow{id: windowID}
	}
	w.count++
	s.windows[key] = w

	// Drop stale windows so idle keys do not accumulate.
	if len(s.windows) > 10000 {
		for k, v := range s.windows {
			if v.id != windowID {
				delete(s.windows, k)
			}
		}
	}

	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return &redisStore.RateLimitResult{
		Allowed:   w.count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   (windowID + 1) * windowSecs,
	}, nil
}
