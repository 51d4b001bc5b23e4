package data

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStatusKeyPrefix namespaces tiling status entries in a shared Redis.
const DefaultStatusKeyPrefix = "iview:tiling:"

// RedisTilingStatusCache implements core.CacheRepository on Redis.
// Keys are namespaced with a prefix so several deployments can share one instance.
type RedisTilingStatusCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTilingStatusCache creates a cache on client. An empty prefix selects DefaultStatusKeyPrefix.
func NewRedisTilingStatusCache(client redis.UniversalClient, prefix string) *RedisTilingStatusCache {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultStatusKeyPrefix
	}
	return &RedisTilingStatusCache{client: client, prefix: prefix}
}

func (r *RedisTilingStatusCache) key(k string) (string, error) {
	if k == "" {
		return "", errors.New("key cannot be empty")
	}
	return r.prefix + k, nil
}

// Set stores value under key. A zero ttl never expires.
func (r *RedisTilingStatusCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	k, err := r.key(key)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, k, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get returns the cached value, or nil when the key is missing or expired.
func (r *RedisTilingStatusCache) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := r.key(key)
	if err != nil {
		return nil, err
	}
	b, err := r.client.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return b, nil
}

// Delete removes key and reports whether it existed.
func (r *RedisTilingStatusCache) Delete(ctx context.Context, key string) (bool, error) {
	k, err := r.key(key)
	if err != nil {
		return false, err
	}
	n, err := r.client.Del(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

// Health pings Redis.
func (r *RedisTilingStatusCache) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// RedisConfig holds connection settings for NewRedisClient.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a Redis client for cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
