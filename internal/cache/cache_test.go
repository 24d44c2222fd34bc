package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/models"
)

func newTestCache(t *testing.T) (*SearchCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(client, time.Hour, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	results := []models.SearchResult{
		{Source: "web", Title: "Doc", URL: "https://x/a", Content: "c", RelevanceScore: 0.9},
	}
	c.Set(ctx, "refund policy", results)

	got, ok := c.Get(ctx, "refund policy")
	require.True(t, ok)
	assert.Equal(t, results, got)
}

func TestCacheMiss(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok := c.Get(context.Background(), "never stored")
	assert.False(t, ok)
}

func TestCacheKeyNormalization(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "Refund   Policy", []models.SearchResult{{URL: "https://x/a"}})
	_, ok := c.Get(ctx, "refund policy")
	assert.True(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "q", []models.SearchResult{{URL: "https://x/a"}})
	mr.FastForward(2 * time.Hour)

	_, ok := c.Get(ctx, "q")
	assert.False(t, ok)
}

func TestCacheDropsCorruptEntry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	mr.Set(cacheKey("q"), "not json")
	_, ok := c.Get(ctx, "q")
	assert.False(t, ok)
}

func TestCacheSurvivesRedisOutage(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	mr.Close()

	c.Set(ctx, "q", []models.SearchResult{{URL: "https://x/a"}})
	_, ok := c.Get(ctx, "q")
	assert.False(t, ok)
}
