// Package locks serializes work on one account across workers and processes.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = errors.New("lock is held")

// Locker hands out exclusive, expiring locks.
type Locker interface {
	// TryLock acquires key for ttl or fails with ErrLocked. The returned
	// function releases the lock if it is still held by this caller.
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// UserKey and ClubKey name the lock held while an account is synced and
// bragged.
func UserKey(id uuid.UUID) string { return "user:" + id.String() }
func ClubKey(id uuid.UUID) string { return "club:" + id.String() }

// Wait acquires key, retrying while another holder owns it. It gives up with
// ErrLocked once wait has passed.
func Wait(ctx context.Context, l Locker, key string, ttl, wait time.Duration) (func(), error) {
	deadline := time.Now().Add(wait)
	backoff := 10 * time.Millisecond
	for {
		unlock, err := l.TryLock(ctx, key, ttl)
		if !errors.Is(err, ErrLocked) {
			return unlock, err
		}
		if time.Now().Add(backoff).After(deadline) {
			return nil, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, 500*time.Millisecond)
	}
}

// release deletes the key only if it still holds our token.
var release = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker keeps locks in Redis so several processes can share them.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	key = l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func() {
		// the caller's context may already be done
		_ = release.Run(context.Background(), l.client, []string{key}, token).Err()
	}, nil
}

// MemoryLocker keeps locks in process, for single-instance deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]time.Time{}, clock: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if expires, ok := l.held[key]; ok && now.Before(expires) {
		return nil, ErrLocked
	}
	expires := now.Add(ttl)
	l.held[key] = expires

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(expires) {
			delete(l.held, key)
		}
	}, nil
}
