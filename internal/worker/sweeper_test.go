package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/payment-scheduler/internal/service"
	"github.com/payment-scheduler/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSweeper records which owners were swept and returns canned repairs
type fakeSweeper struct {
	mu      sync.Mutex
	owners  []string
	repairs map[string][]service.SweepRepair
	fail    map[string]error
	swept   []string
	listErr error
	delay   time.Duration
}

func (f *fakeSweeper) StuckOwners(ctx context.Context, limit int) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if limit < len(f.owners) {
		return f.owners[:limit], nil
	}
	return f.owners, nil
}

func (f *fakeSweeper) SweepStuck(ctx context.Context, username string) (*service.SweepResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.swept = append(f.swept, username)
	f.mu.Unlock()

	if err := f.fail[username]; err != nil {
		return nil, err
	}
	return &service.SweepResult{Username: username, Repairs: f.repairs[username]}, nil
}

func (f *fakeSweeper) sweptOwners() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.swept...)
	sort.Strings(out)
	return out
}

func setupLocker(t *testing.T) *storage.SweepLocker {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return storage.NewSweepLocker(storage.NewRedisDBFromClient(client), 30*time.Second)
}

func TestNewSweeper_RequiresService(t *testing.T) {
	_, err := NewSweeper(&SweeperConfig{})
	assert.Error(t, err)

	s, err := NewSweeper(&SweeperConfig{Schedules: &fakeSweeper{}})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.interval)
	assert.Equal(t, 4, s.parallelism)
	assert.Equal(t, 100, s.ownerBatch)
}

func TestSweeper_RunOnceCountsOutcomes(t *testing.T) {
	fake := &fakeSweeper{
		owners: []string{"alice", "bob", "carol"},
		repairs: map[string][]service.SweepRepair{
			"alice": {
				{ScheduleID: "a1", Outcome: service.RepairApplied},
				{ScheduleID: "a2", Outcome: service.RepairSkipped},
			},
			"bob": {
				{ScheduleID: "b1", Outcome: service.RepairApplied},
				{ScheduleID: "b2", Outcome: service.RepairError, Error: "db down"},
			},
		},
		fail: map[string]error{"carol": errors.New("boom")},
	}

	s, err := NewSweeper(&SweeperConfig{Schedules: fake, Locker: setupLocker(t), Parallelism: 2})
	require.NoError(t, err)

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Owners)
	assert.Equal(t, int64(2), stats.Repaired)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(0), stats.LockHeld)
	assert.Equal(t, []string{"alice", "bob", "carol"}, fake.sweptOwners())
}

func TestSweeper_SkipsOwnersLockedElsewhere(t *testing.T) {
	locker := setupLocker(t)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "bob")
	require.NoError(t, err)

	fake := &fakeSweeper{owners: []string{"alice", "bob"}}
	s, err := NewSweeper(&SweeperConfig{Schedules: fake, Locker: locker})
	require.NoError(t, err)

	stats, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.LockHeld)
	assert.Equal(t, []string{"alice"}, fake.sweptOwners())

	// The sweeper released its own lock; bob's is untouched until released.
	lock, err := locker.Acquire(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
	_, err = locker.Acquire(ctx, "bob")
	assert.ErrorIs(t, err, storage.ErrLockHeld)

	require.NoError(t, held.Release(ctx))
	stats, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.LockHeld)
	assert.Equal(t, []string{"alice", "alice", "bob"}, fake.sweptOwners())
}

func TestSweeper_ListFailure(t *testing.T) {
	fake := &fakeSweeper{listErr: errors.New("store unavailable")}
	s, err := NewSweeper(&SweeperConfig{Schedules: fake})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Empty(t, fake.sweptOwners())
}

func TestSweeper_OwnerBatch(t *testing.T) {
	fake := &fakeSweeper{owners: []string{"a", "b", "c", "d"}}
	s, err := NewSweeper(&SweeperConfig{Schedules: fake, OwnerBatch: 2})
	require.NoError(t, err)

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Owners)
	assert.Equal(t, []string{"a", "b"}, fake.sweptOwners())
}

func TestSweeper_StartStop(t *testing.T) {
	fake := &fakeSweeper{owners: []string{"alice"}}
	s, err := NewSweeper(&SweeperConfig{Schedules: fake, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))

	assert.Eventually(t, func() bool {
		return len(fake.sweptOwners()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.Error(t, s.Stop(stopCtx))

	// Restart after a clean stop.
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(stopCtx))
}

func TestSweeper_StopsWithContext(t *testing.T) {
	fake := &fakeSweeper{}
	s, err := NewSweeper(&SweeperConfig{Schedules: fake, Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not exit after context cancellation")
	}
}
