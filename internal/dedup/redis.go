package dedup

import (
	"context"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
)

const keyPrefix = "crawlbridge:dedup:"

// RedisDeduper reserves delivery keys with SET NX and a TTL, so replays are
// rejected across bridge instances and reservations age out on their own.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper wraps an existing client. The TTL bounds the replay
// window; it should comfortably exceed the provider's retry horizon.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

// Reserve atomically claims the key. SETNX returns false when another
// delivery already holds it.
func (d *RedisDeduper) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, keyPrefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve delivery key: %w", err)
	}
	return ok, nil
}

// Release frees the key so the provider's retry is processed as new.
func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release delivery key: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
