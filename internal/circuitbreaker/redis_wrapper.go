package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards the Redis commands the search cache and health checks
// issue.
type RedisWrapper struct {
	client  *redis.Client
	cb      *CircuitBreaker
	backend string
	logger  *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper. backend names the Redis user
// (for example "search-cache") in breaker status and metrics.
func NewRedisWrapper(client *redis.Client, backend string, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker("redis/"+backend, GetRedisConfig().ToConfig(), logger)
	Breakers.Track(DependencyRedis, backend, cb)

	return &RedisWrapper{
		client:  client,
		cb:      cb,
		backend: backend,
		logger:  logger,
	}
}

// redis.Nil is a miss, not a failure
func isNil(err error) bool { return err == redis.Nil }

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	err := rw.cb.ExecuteClassified(ctx, fn, isNil)
	Breakers.Observe(DependencyRedis, rw.backend, err, err == nil || isNil(err))
	return err
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Get(ctx, key)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Scan pages through keys matching match. Iterate until the returned
// cursor is 0.
func (rw *RedisWrapper) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	var result *redis.ScanCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Scan(ctx, cursor, match, count)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewScanCmd(ctx, nil)
		result.SetErr(err)
	}
	return result
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
