package service_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-quota-service/internal/service"
)

// Needs a disposable redis: REDIS_TEST_ADDR=localhost:6379.
func TestRedisWakeup(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	key := "test:wakeup:" + t.Name()
	require.NoError(t, rdb.Del(ctx, key).Err())
	t.Cleanup(func() { _ = rdb.Del(context.Background(), key).Err() })

	w := service.NewRedisWakeup(rdb, key)

	ok, err := w.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, w.Notify(ctx, 42))
	ok, err = w.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	for i := 0; i < 1100; i++ {
		require.NoError(t, w.Notify(ctx, int64(i)))
	}
	n, err := rdb.LLen(ctx, key).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1024, n)
}
