package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// casScript swaps the value only when the current value matches, keeping the
// remaining TTL. Runs server-side so concurrent validators cannot interleave
// between the read and the write.
var casScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
		return 1
	end
	return 0
`)

// pullScript returns the value and deletes the key in one round trip.
var pullScript = redis.NewScript(`
	local v = redis.call("GET", KEYS[1])
	if v then
		redis.call("DEL", KEYS[1])
	end
	return v
`)

// RedisCache implements Cache on a Redis client with a key prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed cache. An empty prefix defaults to "grc".
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "grc"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Dial connects to Redis at addr and verifies connectivity.
func Dial(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

// Get returns the value and whether the key exists.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return v, true, nil
}

// Put stores the value with a TTL.
func (c *RedisCache) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Pull returns the value and deletes the key atomically.
func (c *RedisCache) Pull(ctx context.Context, key string) (string, bool, error) {
	v, err := pullScript.Run(ctx, c.client, []string{c.key(key)}).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis pull failed: %w", err)
	}
	s, ok := v.(string)
	if !ok {
		return "", false, nil
	}
	return s, true, nil
}

// CompareAndSwap atomically replaces old with new when the stored value
// matches old, preserving the remaining TTL.
func (c *RedisCache) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	n, err := casScript.Run(ctx, c.client, []string{c.key(key)}, old, new).Int()
	if err != nil {
		return false, fmt.Errorf("redis cas failed: %w", err)
	}
	return n == 1, nil
}

// Delete removes a key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
