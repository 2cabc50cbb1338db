package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	// IncrWithExpiry increments key and starts its expiry window on first use.
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key, or zero if it has none.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// IncrWithExpiry sets the expiry only when the counter is new, so a steady
// stream of requests cannot keep a fixed window open forever.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.client.Expire(ctx, key, expiry).Err(); err != nil {
			return n, err
		}
		return n, nil
	}

	// Repair a counter left without expiry by a failed Expire.
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return n, err
	}
	if ttl == -1 {
		if err := c.client.Expire(ctx, key, expiry).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
