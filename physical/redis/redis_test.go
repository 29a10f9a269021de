package redis

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stephnangue/wearlink/helper"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/physical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBackend connects to WEARLINK_TEST_REDIS_URL and isolates the test in
// its own namespace. The test is skipped when no Redis is available.
func newTestBackend(t *testing.T) *RedisBackend {
	t.Helper()
	url := os.Getenv("WEARLINK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("WEARLINK_TEST_REDIS_URL not set")
	}
	opt, err := goredis.ParseURL(url)
	require.NoError(t, err)
	client := goredis.NewClient(opt)
	require.NoError(t, client.Ping(context.Background()).Err())

	ns := "wearlink-test:" + helper.GenerateID() + ":"
	b := New(client, ns, logger.NewNop())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, ns+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return b
}

func TestRedisBackend_CAS(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	v, err := b.Put(ctx, "tokens/whoop:u1", []byte("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	_, err = b.Put(ctx, "tokens/whoop:u1", []byte("b"), 0)
	assert.ErrorIs(t, err, physical.ErrVersionConflict)

	v, err = b.Put(ctx, "tokens/whoop:u1", []byte("b"), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	entry, err := b.Get(ctx, "tokens/whoop:u1")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), entry.Value)
	assert.Equal(t, uint64(2), entry.Version)

	require.NoError(t, b.Delete(ctx, "tokens/whoop:u1"))
	entry, err = b.Get(ctx, "tokens/whoop:u1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRedisBackend_List(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	for _, k := range []string{"tokens/whoop:b", "tokens/whoop:a", "tokens/garmin:a", "sync/whoop:a"} {
		_, err := b.Put(ctx, k, []byte("v"), 0)
		require.NoError(t, err)
	}

	keys, err := b.List(ctx, "tokens/whoop:", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"tokens/whoop:a", "tokens/whoop:b"}, keys)

	keys, err = b.List(ctx, "tokens/", "tokens/garmin:a", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"tokens/whoop:a"}, keys)
}
