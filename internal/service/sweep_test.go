package service

import (
	"context"
	"testing"
	"time"

	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/storage"
	"github.com/payment-scheduler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stuckSince(started time.Time, holder string) func(*models.ScheduledPayment) {
	return func(p *models.ScheduledPayment) {
		p.Status = types.StatusProcessing
		p.ProcessingBy = &holder
		p.ProcessingStarted = &started
	}
}

func TestSweepStuck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := testEpoch.Add(time.Hour)
	env.clock.Set(now)

	once := env.seed(t, types.FrequencyOnce, testEpoch, stuckSince(now.Add(-10*time.Minute), "exec-1"))
	weekly := env.seed(t, types.FrequencyWeekly, testEpoch, stuckSince(now.Add(-6*time.Minute), "exec-2"), func(p *models.ScheduledPayment) {
		p.ExecutedCount = 4
	})
	fresh := env.seed(t, types.FrequencyWeekly, testEpoch, stuckSince(now.Add(-4*time.Minute), "exec-3"))
	other := env.seed(t, types.FrequencyOnce, testEpoch, stuckSince(now.Add(-time.Hour), "exec-4"), func(p *models.ScheduledPayment) {
		p.Username = "bob"
	})

	res, err := env.svc.SweepStuck(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Repaired())

	byID := make(map[string]SweepRepair)
	for _, r := range res.Repairs {
		byID[r.ScheduleID] = r
	}

	r := byID[once.ScheduleID]
	assert.Equal(t, types.StatusProcessing, r.OldStatus)
	assert.Equal(t, types.StatusCompleted, r.NewStatus)
	assert.Equal(t, RepairApplied, r.Outcome)
	stored := env.get(t, once.ScheduleID)
	assert.Equal(t, types.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.ExecutedCount)
	assert.Nil(t, stored.ProcessingBy)

	r = byID[weekly.ScheduleID]
	assert.Equal(t, types.StatusActive, r.NewStatus)
	stored = env.get(t, weekly.ScheduleID)
	assert.Equal(t, types.StatusActive, stored.Status)
	assert.Equal(t, 5, stored.ExecutedCount)
	assert.Equal(t, now.AddDate(0, 0, 7), stored.NextExecutionAt)

	assert.NotContains(t, byID, fresh.ScheduleID)
	assert.Equal(t, types.StatusProcessing, env.get(t, fresh.ScheduleID).Status)
	assert.Equal(t, types.StatusProcessing, env.get(t, other.ScheduleID).Status)

	// Nothing left to repair.
	res, err = env.svc.SweepStuck(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, res.Repairs)

	owners, err := env.svc.StuckOwners(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, owners)
}

func TestSweepStuck_CeilingStillApplies(t *testing.T) {
	env := newTestEnv(t)
	now := testEpoch.Add(time.Hour)
	env.clock.Set(now)

	p := env.seed(t, types.FrequencyMonthly, testEpoch, stuckSince(now.Add(-10*time.Minute), "exec-1"), func(p *models.ScheduledPayment) {
		p.ExecutedCount = 1
		p.MaxExecutions = 2
	})

	res, err := env.svc.SweepStuck(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, res.Repairs, 1)
	assert.Equal(t, types.StatusCompleted, res.Repairs[0].NewStatus)
	assert.Equal(t, 2, env.get(t, p.ScheduleID).ExecutedCount)
}

func TestSweepStuck_ConcurrentWriteWins(t *testing.T) {
	store := &conflictingStore{MemoryScheduleStore: storage.NewMemoryScheduleStore(), conflicts: 1}
	env := newTestEnv(t)
	env.store = store.MemoryScheduleStore
	env.svc.store = store

	now := testEpoch.Add(time.Hour)
	env.clock.Set(now)
	p := env.seed(t, types.FrequencyOnce, testEpoch, stuckSince(now.Add(-10*time.Minute), "exec-1"))

	res, err := env.svc.SweepStuck(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, res.Repairs, 1)
	assert.Equal(t, RepairSkipped, res.Repairs[0].Outcome)
	assert.Equal(t, types.StatusProcessing, res.Repairs[0].NewStatus)
	assert.Equal(t, 0, res.Repaired())
	assert.Equal(t, types.StatusProcessing, env.get(t, p.ScheduleID).Status)
}
