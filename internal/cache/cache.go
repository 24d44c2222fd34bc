// Package cache provides a Redis-backed read-through cache for search
// aggregation results, keyed by normalized query text.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/circuitbreaker"
	"github.com/repflow/orchestrator/internal/models"
)

const keyPrefix = "repflow:search:"

// SearchCache caches merged search result sets. All operations are
// best-effort: a Redis outage degrades to cache misses, never to errors.
type SearchCache struct {
	redis  *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

// New builds a search cache over an existing Redis client.
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *SearchCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SearchCache{
		redis:  circuitbreaker.NewRedisWrapper(client, logger),
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the cached result set for a query, if present.
func (c *SearchCache) Get(ctx context.Context, query string) ([]models.SearchResult, bool) {
	val, err := c.redis.Get(ctx, cacheKey(query)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("Search cache read failed", zap.Error(err))
		return nil, false
	}

	var results []models.SearchResult
	if err := json.Unmarshal([]byte(val), &results); err != nil {
		c.logger.Warn("Search cache entry corrupt, dropping", zap.Error(err))
		c.redis.Del(ctx, cacheKey(query))
		return nil, false
	}
	return results, true
}

// Set stores a result set under the query's key.
func (c *SearchCache) Set(ctx context.Context, query string, results []models.SearchResult) {
	data, err := json.Marshal(results)
	if err != nil {
		c.logger.Warn("Search cache marshal failed", zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, cacheKey(query), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Search cache write failed", zap.Error(err))
	}
}

// Healthy reports whether Redis is reachable.
func (c *SearchCache) Healthy(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *SearchCache) Close() error {
	return c.redis.Close()
}

// cacheKey normalizes the query (lowercase, collapsed whitespace) and
// hashes it so arbitrary query text cannot produce unbounded keys.
func cacheKey(query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return keyPrefix + hex.EncodeToString(sum[:16])
}
