package redis_test

import (
	"context"
	"testing"
	"time"

	"trading-ledger/internal/adapter/storage/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	lock := redis.NewEventLock(client)
	ctx := context.Background()

	t.Run("second acquire fails while held", func(t *testing.T) {
		token, ok, err := lock.Acquire(ctx, "webhook:evt_1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotEmpty(t, token)

		_, ok, err = lock.Acquire(ctx, "webhook:evt_1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, lock.Release(ctx, "webhook:evt_1", token))

		_, ok, err = lock.Acquire(ctx, "webhook:evt_1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release with foreign token keeps lock", func(t *testing.T) {
		token, ok, err := lock.Acquire(ctx, "webhook:evt_2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, lock.Release(ctx, "webhook:evt_2", "someone-else"))
		assert.True(t, mr.Exists("lock:webhook:evt_2"))

		require.NoError(t, lock.Release(ctx, "webhook:evt_2", token))
		assert.False(t, mr.Exists("lock:webhook:evt_2"))
	})

	t.Run("expired lock can be taken", func(t *testing.T) {
		_, ok, err := lock.Acquire(ctx, "webhook:evt_3", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Second)

		_, ok, err = lock.Acquire(ctx, "webhook:evt_3", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release of missing key is a no-op", func(t *testing.T) {
		assert.NoError(t, lock.Release(ctx, "webhook:never", "tok"))
	})
}
