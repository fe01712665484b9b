package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemberCache_UnreachableServer(t *testing.T) {
	_, err := NewMemberCache(context.Background(), Config{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestMemberCache_GetErrorIsNotAMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := newMemberCache(client, 0)
	t.Cleanup(func() { _ = c.Close() })

	assert.Equal(t, 10*time.Minute, c.ttl)

	_, ok, err := c.Get(context.Background(), "member:b-1:p-1|")
	assert.Error(t, err)
	assert.False(t, ok)
}

// TestMemberCache_RoundTrip runs against a real server when
// ACCESSBRIDGE_TEST_REDIS_ADDR is set.
func TestMemberCache_RoundTrip(t *testing.T) {
	addr := os.Getenv("ACCESSBRIDGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACCESSBRIDGE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	c, err := NewMemberCache(ctx, Config{Addr: addr, TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	key := "member:test:" + t.Name() + "|"
	t.Cleanup(func() { _ = c.client.Del(ctx, key).Err() })

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, "member-7"))

	v, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "member-7", v)

	ttl, err := c.client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)
}
