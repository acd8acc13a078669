package joblock

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

func testClient(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opt)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestNewNilClient(t *testing.T) {
	assert.Nil(t, New(nil))
}

func TestTryLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	locker := New(testClient(t))
	key := "test:joblock:" + uuid.NewString()

	release, ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	release()

	release2, ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)
	locker := New(client)
	key := "test:joblock:" + uuid.NewString()

	release, ok, err := locker.TryLock(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	// lease lapses and another worker takes it
	time.Sleep(100 * time.Millisecond)
	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	release()

	exists, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
	client.Del(ctx, key)
}
