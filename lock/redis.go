package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock implements Service with Redis SETNX, the same primitive the
// teacher's cache repository uses for action-level locking.
type RedisLock struct {
	client *redis.Client
	prefix string
}

var _ Service = (*RedisLock)(nil)

// NewRedisLock wraps an existing *redis.Client. prefix namespaces lock
// keys (defaults to "lock:" when empty).
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	if prefix == "" {
		prefix = "lock:"
	}
	return &RedisLock{client: client, prefix: prefix}
}

func (l *RedisLock) lockKey(key string) string {
	return l.prefix + key
}

// Acquire sets lockKey(key) only if absent, with ttl as the key's
// expiration — SET key value NX EX ttl.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.lockKey(key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}
	return ok, nil
}

// Release deletes the lock key unconditionally.
func (l *RedisLock) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release lock %q: %w", key, err)
	}
	return nil
}

// Held reports whether the lock key currently exists.
func (l *RedisLock) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock %q: %w", key, err)
	}
	return n > 0, nil
}
