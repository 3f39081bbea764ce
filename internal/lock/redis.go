package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis lock key prefix.
const lockKeyPrefix = "sweep:lock:"

// RedisManager is a Redis-backed lock manager for multi-worker deployments.
type RedisManager struct {
	client *redis.Client
}

// NewRedisManager creates a Redis-backed lock manager.
func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{client: client}
}

// TryAcquire attempts to acquire a lock without blocking.
func (m *RedisManager) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (Lock, bool, error) {
	redisKey := lockKeyPrefix + key

	ok, err := m.client.SetNX(ctx, redisKey, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		return &redisLock{key: key, owner: owner, manager: m}, true, nil
	}
	return nil, false, nil
}

// Release releases a lock held by owner. A Lua script atomically checks the
// owner before deleting so an expired-and-reacquired lock is never released
// by the previous holder.
func (m *RedisManager) Release(ctx context.Context, key, owner string) error {
	redisKey := lockKeyPrefix + key

	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
	result, err := script.Run(ctx, m.client, []string{redisKey}, owner).Result()
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}

	count, isInt := result.(int64)
	if !isInt || count == 0 {
		return ErrLockNotHeld
	}
	return nil
}

type redisLock struct {
	key     string
	owner   string
	manager *RedisManager
}

func (l *redisLock) Key() string   { return l.key }
func (l *redisLock) Owner() string { return l.owner }

func (l *redisLock) Unlock(ctx context.Context) error {
	return l.manager.Release(ctx, l.key, l.owner)
}
