package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sweepLockPrefix = "sweep:lock:"

// ErrLockHeld is returned when another replica holds the lock
var ErrLockHeld = errors.New("lock held by another owner")

// Deletes the key only if it still carries our token
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// SweepLocker hands out per-owner locks so two sweeper replicas never repair
// the same owner's schedules at the same time.
type SweepLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSweepLocker creates a locker whose locks expire after ttl
func NewSweepLocker(db *RedisDB, ttl time.Duration) *SweepLocker {
	return &SweepLocker{client: db.Client(), ttl: ttl}
}

// SweepLock is a held lock
type SweepLock struct {
	locker *SweepLocker
	key    string
	token  string
}

// Acquire takes the lock for owner or returns ErrLockHeld
func (l *SweepLocker) Acquire(ctx context.Context, owner string) (*SweepLock, error) {
	key := sweepLockPrefix + owner
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return &SweepLock{locker: l, key: key, token: token}, nil
}

// Release drops the lock if it has not expired and been taken by someone else
func (s *SweepLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, s.locker.client, []string{s.key}, s.token).Err(); err != nil {
		return fmt.Errorf("failed to release sweep lock: %w", err)
	}
	return nil
}
