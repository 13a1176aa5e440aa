package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"voice-gateway/internal/observability"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	c := NewFromClient(goredis.NewClient(&goredis.Options{Addr: addr}), observability.NewFromZap(zap.NewNop()))
	require.NoError(t, c.Ping(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_NilIsNotInitialized(t *testing.T) {
	t.Parallel()

	var c *Client
	ctx := context.Background()

	_, err := c.SetNX(ctx, "k", []byte("v"), time.Second)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = c.Exists(ctx, "k")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, c.Close())
}

func TestClient_SetNXGetExists(t *testing.T) {
	t.Parallel()
	c := setupClient(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	t.Cleanup(func() { _ = c.Del(context.Background(), key) })

	ok, err := c.SetNX(ctx, key, []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, key, []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), value)

	exists, err := c.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = c.Get(ctx, key+":missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
