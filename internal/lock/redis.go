package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "claimlock:"

// RedisLocker takes locks with SET NX PX.
type RedisLocker struct {
	rdb   *redis.Client
	owner string
}

// NewRedisLocker creates a redis locker.
func NewRedisLocker(rdb *redis.Client, owner string) *RedisLocker {
	return &RedisLocker{rdb: rdb, owner: owner}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, redisKeyPrefix+key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock: %w", err)
	}
	return ok, nil
}

// Backend implements Locker.
func (l *RedisLocker) Backend() string { return "redis" }
