package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out leases so that one job runs at a time across instances.
type Locker interface {
	// TryLock takes the lease on key for ttl. ok is false when someone else
	// holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Extend pushes back the expiry of a held lease.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Unlock releases a lease taken with token.
	Unlock(ctx context.Context, key, token string) error
}

// LockKey returns the Redis key guarding job name.
func LockKey(name string) string {
	return "lock:job:" + name
}

// RedisLocker implements Locker with SET NX and Lua compare-and-delete.
type RedisLocker struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	extendScript  *redis.Script
}

// NewRedisLocker creates a locker on rdb.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{
		rdb:           rdb,
		releaseScript: redis.NewScript(LuaReleaseLock),
		extendScript:  redis.NewScript(LuaExtendLock),
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

func (l *RedisLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := l.extendScript.Run(ctx, l.rdb, []string{key}, token, ttl.Milliseconds()).Int()
	return n == 1, err
}

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	return l.releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
}
