package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("MESHVOICE_TEST_REDIS")
	if addr == "" {
		t.Skip("MESHVOICE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestLock_SingleHolder(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "meshvoice:test:lock:" + uuid.NewString()

	first := NewLock(client, key, time.Second)
	second := NewLock(client, key, time.Second)

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	err = second.Acquire(ctx, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.ErrorIs(t, second.Release(ctx), ErrNotHeld)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Acquire(ctx, time.Second))
	require.NoError(t, second.Release(ctx))
}

func TestLock_RenewsWhileHeld(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "meshvoice:test:lock:" + uuid.NewString()

	lock := NewLock(client, key, 200*time.Millisecond)
	require.NoError(t, lock.Acquire(ctx, time.Second))

	time.Sleep(500 * time.Millisecond)
	n, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, lock.Release(ctx))
	n, err = client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
