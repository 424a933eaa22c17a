package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// EventLock implements ports.EventLock with SET NX PX and a fencing token.
type EventLock struct {
	client goredis.UniversalClient
	prefix string
}

// NewEventLock creates a Redis-backed event lock.
func NewEventLock(client goredis.UniversalClient) *EventLock {
	return &EventLock{
		client: client,
		prefix: "lock:",
	}
}

// Acquire returns ok=false when another holder owns key.
func (l *EventLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	_, err := l.client.SetArgs(ctx, l.prefix+key, token, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis lock acquire: %w", err)
	}
	return token, true, nil
}

// Release frees key if token still owns it. Releasing an expired or
// foreign lock is a no-op.
func (l *EventLock) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis lock release: %w", err)
	}
	return nil
}
