package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/detention-letters/model"
)

// ErrRunInProgress is returned by TryLock while another run holds the lock.
var ErrRunInProgress = model.NewConflictError("a processing run is already in progress")

// UnlockFunc releases a lock taken by TryLock. Calling it more than once is
// harmless.
type UnlockFunc func(ctx context.Context) error

// Locker guards processing runs against overlap. TryLock never blocks
// waiting for a holder: it returns ErrRunInProgress instead.
type Locker interface {
	TryLock(ctx context.Context) (UnlockFunc, error)
}

// --- LocalLocker ---

// LocalLocker serialises runs within one process.
type LocalLocker struct {
	mu sync.Mutex
}

// NewLocalLocker creates an unlocked LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{}
}

// TryLock takes the lock if it is free.
func (l *LocalLocker) TryLock(_ context.Context) (UnlockFunc, error) {
	if !l.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(l.mu.Unlock)
		return nil
	}, nil
}

// --- RedisLocker ---

// releaseScript deletes the lock key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serialises runs across replicas with a SET NX PX lock. The TTL
// should exceed the longest expected run.
type RedisLocker struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisLocker creates a Redis-backed locker for key.
func NewRedisLocker(client redis.Cmdable, key string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

// TryLock sets the lock key to a fresh token if it is absent.
func (l *RedisLocker) TryLock(ctx context.Context) (UnlockFunc, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %q: %w", l.key, err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			if rerr := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); rerr != nil {
				err = fmt.Errorf("redis release %q: %w", l.key, rerr)
			}
		})
		return err
	}, nil
}

// HealthCheck pings Redis.
func (l *RedisLocker) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
