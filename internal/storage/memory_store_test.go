package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryScheduleStore_CreateGet(t *testing.T) {
	store := NewMemoryScheduleStore()
	ctx := testContext(t)
	p := newTestSchedule("alice")

	require.NoError(t, store.Create(ctx, p))
	assert.Equal(t, int64(1), p.Version)
	assert.ErrorIs(t, store.Create(ctx, p), ErrConditionNotMet)

	got, err := store.Get(ctx, p.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, p.ScheduleID, got.ScheduleID)

	got.Recipients[0] = "mutated"
	again, _ := store.Get(ctx, p.ScheduleID)
	assert.NotEqual(t, "mutated", again.Recipients[0], "store must hand out copies")

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestMemoryScheduleStore_AcquireLease(t *testing.T) {
	now := testEpoch.Add(5 * time.Minute)
	recent := now.Add(-30 * time.Second)
	old := now.Add(-10 * time.Minute)
	holder := "exec-other"
	freshStart := now.Add(-30 * time.Second)
	staleStart := now.Add(-3 * time.Minute)

	tests := []struct {
		name   string
		mutate func(p *LeaseRequest, s *scheduleFixture)
		ok     bool
	}{
		{"due active schedule", nil, true},
		{"not due", func(_ *LeaseRequest, s *scheduleFixture) { s.p.NextExecutionAt = now.Add(time.Second) }, false},
		{"recently executed", func(_ *LeaseRequest, s *scheduleFixture) { s.p.LastExecutionAt = &recent }, false},
		{"executed long ago", func(_ *LeaseRequest, s *scheduleFixture) { s.p.LastExecutionAt = &old }, true},
		{"failed", func(_ *LeaseRequest, s *scheduleFixture) { s.p.Status = types.StatusFailed }, false},
		{"completed", func(_ *LeaseRequest, s *scheduleFixture) { s.p.Status = types.StatusCompleted }, false},
		{"fresh processing lease", func(_ *LeaseRequest, s *scheduleFixture) {
			s.p.Status = types.StatusProcessing
			s.p.ProcessingBy, s.p.ProcessingStarted = &holder, &freshStart
		}, false},
		{"stale processing lease", func(_ *LeaseRequest, s *scheduleFixture) {
			s.p.Status = types.StatusProcessing
			s.p.ProcessingBy, s.p.ProcessingStarted = &holder, &staleStart
		}, true},
		{"processing without takeover", func(r *LeaseRequest, s *scheduleFixture) {
			r.TakeoverStaleProcessing = false
			s.p.Status = types.StatusProcessing
			s.p.ProcessingBy, s.p.ProcessingStarted = &holder, &staleStart
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryScheduleStore()
			ctx := testContext(t)
			fx := &scheduleFixture{p: newTestSchedule("alice")}
			req := processingLease(fx.p.ScheduleID, "exec-1", now)
			if tt.mutate != nil {
				tt.mutate(&req, fx)
			}
			require.NoError(t, store.Create(ctx, fx.p))

			got, err := store.AcquireLease(ctx, req)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrConditionNotMet)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.StatusProcessing, got.Status)
			assert.Equal(t, "exec-1", *got.ProcessingBy)
			assert.True(t, got.ProcessingStarted.Equal(now))
			assert.Equal(t, int64(2), got.Version)
		})
	}
}

type scheduleFixture struct {
	p *models.ScheduledPayment
}

func TestMemoryScheduleStore_CompareAndSwap(t *testing.T) {
	store := NewMemoryScheduleStore()
	ctx := testContext(t)
	p := newTestSchedule("alice")
	require.NoError(t, store.Create(ctx, p))

	first, _ := store.Get(ctx, p.ScheduleID)
	second, _ := store.Get(ctx, p.ScheduleID)

	first.ExecutedCount = 1
	require.NoError(t, store.CompareAndSwap(ctx, first, first.Version))
	assert.Equal(t, int64(2), first.Version)

	second.ExecutedCount = 7
	assert.ErrorIs(t, store.CompareAndSwap(ctx, second, second.Version), ErrConditionNotMet)

	got, _ := store.Get(ctx, p.ScheduleID)
	assert.Equal(t, 1, got.ExecutedCount)

	missing := newTestSchedule("bob")
	assert.ErrorIs(t, store.CompareAndSwap(ctx, missing, 1), ErrScheduleNotFound)
	assert.ErrorIs(t, store.Replace(ctx, missing), ErrScheduleNotFound)

	second.ExecutedCount = 9
	require.NoError(t, store.Replace(ctx, second))
	got, _ = store.Get(ctx, p.ScheduleID)
	assert.Equal(t, 9, got.ExecutedCount)
	assert.Equal(t, int64(3), got.Version)
}

func TestMemoryScheduleStore_ConcurrentLeaseIsExclusive(t *testing.T) {
	store := NewMemoryScheduleStore()
	ctx := testContext(t)
	p := newTestSchedule("alice")
	require.NoError(t, store.Create(ctx, p))

	now := testEpoch.Add(time.Minute)
	const executors = 32

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < executors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.AcquireLease(ctx, processingLease(p.ScheduleID, fmt.Sprintf("exec-%d", i), now))
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestMemoryScheduleStore_Listings(t *testing.T) {
	store := NewMemoryScheduleStore()
	ctx := testContext(t)

	due := newTestSchedule("alice")
	later := newTestSchedule("alice")
	later.NextExecutionAt = testEpoch.Add(time.Hour)
	later.CreatedAt = due.CreatedAt.Add(time.Minute)

	stuckStart := testEpoch.Add(-10 * time.Minute)
	stuck := newTestSchedule("bob")
	stuck.Status = types.StatusProcessing
	stuck.ProcessingStarted = &stuckStart

	for _, p := range []*models.ScheduledPayment{due, later, stuck} {
		require.NoError(t, store.Create(ctx, p))
	}

	owned, _ := store.ListByOwner(ctx, "alice")
	require.Len(t, owned, 2)
	assert.Equal(t, later.ScheduleID, owned[0].ScheduleID, "newest first")

	dueList, _ := store.ListDue(ctx, testEpoch, 10)
	require.Len(t, dueList, 1)
	assert.Equal(t, due.ScheduleID, dueList[0].ScheduleID)

	stuckList, _ := store.ListStuck(ctx, "bob", testEpoch.Add(-5*time.Minute))
	require.Len(t, stuckList, 1)

	owners, _ := store.ListStuckOwners(ctx, testEpoch.Add(-5*time.Minute), 10)
	assert.Equal(t, []string{"bob"}, owners)

	none, _ := store.ListStuck(ctx, "bob", testEpoch.Add(-20*time.Minute))
	assert.Empty(t, none)
}

func TestMemoryExecutionLedger_InsertIfAbsent(t *testing.T) {
	ledger := NewMemoryExecutionLedger()
	ctx := testContext(t)

	rec := newTestExecution("sched-1", 1)
	inserted, err := ledger.Append(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *rec
	dup.Sequence = 99
	inserted, err = ledger.Append(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := ledger.Get(ctx, rec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Sequence, "first write wins")

	_, err = ledger.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	_, _ = ledger.Append(ctx, newTestExecution("sched-1", 2))
	_, _ = ledger.Append(ctx, newTestExecution("sched-2", 1))
	rows, _ := ledger.ListBySchedule(ctx, "sched-1")
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Sequence)
	assert.Equal(t, 2, rows[1].Sequence)
}
