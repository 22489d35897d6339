// Package cache provides the Redis-backed catalog cache and distributed locks
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/saas-invoice/saas-invoice/internal/platform/config"
)

var (
	// ErrCacheMiss is returned when a key is not found in cache
	ErrCacheMiss = errors.New("cache miss")
	// ErrLockHeld is returned when another process owns the lock
	ErrLockHeld = errors.New("lock is held by another owner")
)

// RedisCache implements caching with Redis
type RedisCache struct {
	client     redis.UniversalClient
	defaultTTL time.Duration
	keyPrefix  string
}

// NewClient opens and pings a Redis client
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// New wraps an existing client. keyPrefix namespaces every key.
func New(client redis.UniversalClient, keyPrefix string, defaultTTL time.Duration) *RedisCache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &RedisCache{client: client, defaultTTL: defaultTTL, keyPrefix: keyPrefix}
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, c.buildKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get from cache: %w", err)
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// Set stores a value in cache. A zero ttl uses the default.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, c.buildKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Delete removes a value from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete from cache: %w", err)
	}
	return nil
}

// InvalidatePattern deletes all keys matching a glob pattern
func (c *RedisCache) InvalidatePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, c.buildKey(pattern), 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys: %w", err)
	}

	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}
	return nil
}

// Health pings Redis
func (c *RedisCache) Health(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) buildKey(key string) string {
	if c.keyPrefix != "" {
		return c.keyPrefix + ":" + key
	}
	return key
}

// Lock is a single-owner lease held in Redis
type Lock struct {
	cache *RedisCache
	key   string
	token string
	ttl   time.Duration
}

// NewLock creates a lock handle. Nothing is acquired until Acquire.
func (c *RedisCache) NewLock(key string, ttl time.Duration) *Lock {
	return &Lock{
		cache: c,
		key:   c.buildKey("lock:" + key),
		token: uuid.New().String(),
		ttl:   ttl,
	}
}

// Acquire takes the lease and reports false when another owner holds it
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.cache.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release drops the lease if this handle still owns it
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.cache.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the named lock. It returns ErrLockHeld
// without running fn when another owner has it.
func (c *RedisCache) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock := c.NewLock(key, ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	return fn(ctx)
}
