package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cb := New("redis", DefaultConfig(), logger)
	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

// Ping wraps Redis Ping with circuit breaker.
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps Redis Get with circuit breaker. A cache miss (redis.Nil) is not
// a breaker failure.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Get(ctx, key)
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Set wraps Redis Set with circuit breaker.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del wraps Redis Del with circuit breaker.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsOpen reports whether the breaker currently rejects requests.
func (rw *RedisWrapper) IsOpen() bool {
	return rw.cb.State() == StateOpen
}
