package cache

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/types"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, DefaultTTLs)
}

func TestResponseCacheRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	key := ResponseCacheKey("tenant-1", "gpt-4", 0.7, []types.Message{{Role: "user", Content: "hi"}})

	assert.Nil(t, c.GetResponse(ctx, key))

	c.PutResponse(ctx, key, types.CachedResponse{
		Response:     types.Response{ID: "resp-1", Model: "gpt-4"},
		ProviderUsed: "openai",
		CostUSD:      0.01,
	})

	got := c.GetResponse(ctx, key)
	require.NotNil(t, got)
	assert.Equal(t, "resp-1", got.Response.ID)
	assert.Equal(t, int64(1), got.CacheHitCount)

	got2 := c.GetResponse(ctx, key)
	require.NotNil(t, got2)
	assert.Equal(t, int64(2), got2.CacheHitCount)
}

func TestResponseCacheKeyDeterministic(t *testing.T) {
	messages := []types.Message{{Role: "user", Content: "hello"}}

	key1 := ResponseCacheKey("user1", "gpt-4", 0.7, messages)
	key2 := ResponseCacheKey("user1", "gpt-4", 0.7, messages)
	key3 := ResponseCacheKey("user2", "gpt-4", 0.7, messages)

	assert.Equal(t, key1, key2)
	assert.NotEqual(t, key1, key3)
}

func TestSessionCacheKey(t *testing.T) {
	key := SessionCacheKey("session-123")
	assert.True(t, strings.HasPrefix(key, "session:"))
	assert.Contains(t, key, "session-123")
}

func TestSessionRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	assert.Nil(t, c.GetSession(ctx, "sess-1"))

	c.PutSession(ctx, types.Session{SessionID: "sess-1", LastProvider: "anthropic"})

	got := c.GetSession(ctx, "sess-1")
	require.NotNil(t, got)
	assert.Equal(t, "anthropic", got.LastProvider)
}

func TestProviderHealthRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	assert.Nil(t, c.GetProviderHealth(ctx, "openai"))

	c.PutProviderHealth(ctx, types.ProviderHealth{ProviderID: "openai", Healthy: true, ResponseMS: 120})

	got := c.GetProviderHealth(ctx, "openai")
	require.NotNil(t, got)
	assert.True(t, got.Healthy)
	assert.Equal(t, int64(120), got.ResponseMS)
}

func TestIncrementRateLimitUsage(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	n1 := c.IncrementRateLimitUsage(ctx, "tenant-1", "minute")
	n2 := c.IncrementRateLimitUsage(ctx, "tenant-1", "minute")

	assert.Equal(t, int64(1), n1)
	assert.Equal(t, int64(2), n2)
}
