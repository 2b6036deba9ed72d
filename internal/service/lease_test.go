package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/payment-scheduler/internal/errors"
	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartProcessing_MutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	p := env.seed(t, types.FrequencyWeekly, testEpoch)
	env.clock.Set(testEpoch.Add(5 * time.Minute))

	const callers = 32
	var (
		wg        sync.WaitGroup
		acquired  atomic.Int32
		mu        sync.Mutex
		refusals  []error
		winnerIDs []string
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			executor := fmt.Sprintf("exec-%d", i)
			_, err := env.svc.StartProcessing(context.Background(), p.ScheduleID, executor)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				acquired.Add(1)
				winnerIDs = append(winnerIDs, executor)
				return
			}
			refusals = append(refusals, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), acquired.Load())
	require.Len(t, refusals, callers-1)
	for _, err := range refusals {
		assertReason(t, err, types.ReasonAlreadyProcessing)
	}

	stored := env.get(t, p.ScheduleID)
	assert.Equal(t, types.StatusProcessing, stored.Status)
	require.NotNil(t, stored.ProcessingBy)
	assert.Equal(t, winnerIDs[0], *stored.ProcessingBy)
}

func TestStartProcessing_StaleTakeover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.seed(t, types.FrequencyDaily, testEpoch)

	first, err := env.svc.StartProcessing(ctx, p.ScheduleID, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(120*time.Second), first.ExpiresAt)

	env.clock.Set(testEpoch.Add(119 * time.Second))
	_, err = env.svc.StartProcessing(ctx, p.ScheduleID, "exec-2")
	assertReason(t, err, types.ReasonAlreadyProcessing)

	env.clock.Set(testEpoch.Add(121 * time.Second))
	second, err := env.svc.StartProcessing(ctx, p.ScheduleID, "exec-2")
	require.NoError(t, err)
	assert.Equal(t, "exec-2", second.Holder)

	stored := env.get(t, p.ScheduleID)
	assert.Equal(t, types.StatusProcessing, stored.Status)
	assert.Equal(t, "exec-2", *stored.ProcessingBy)
	assert.Equal(t, testEpoch.Add(121*time.Second), *stored.ProcessingStarted)
}

func TestStartProcessing_RefusalReasons(t *testing.T) {
	ctx := context.Background()
	recent := testEpoch.Add(-30 * time.Second)
	old := testEpoch.Add(-2 * time.Minute)

	tests := []struct {
		name   string
		next   time.Time
		mutate func(*models.ScheduledPayment)
		reason types.FailureReason
	}{
		{"not due", testEpoch.Add(time.Minute), nil, types.ReasonNotDue},
		{"recently executed", testEpoch, func(p *models.ScheduledPayment) { p.LastExecutionAt = &recent }, types.ReasonRecentlyExecuted},
		{"failed", testEpoch, func(p *models.ScheduledPayment) { p.Status = types.StatusFailed }, types.ReasonFailed},
		{"completed", testEpoch, func(p *models.ScheduledPayment) { p.Status = types.StatusCompleted }, types.ReasonCompleted},
		{"cancelled", testEpoch, func(p *models.ScheduledPayment) { p.Status = types.StatusCancelled }, types.ReasonCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			var mutators []func(*models.ScheduledPayment)
			if tt.mutate != nil {
				mutators = append(mutators, tt.mutate)
			}
			p := env.seed(t, types.FrequencyWeekly, tt.next, mutators...)

			_, err := env.svc.StartProcessing(ctx, p.ScheduleID, "exec-1")
			assertReason(t, err, tt.reason)
			assert.Equal(t, p.Status, env.get(t, p.ScheduleID).Status)
		})
	}

	t.Run("debounce window elapsed", func(t *testing.T) {
		env := newTestEnv(t)
		p := env.seed(t, types.FrequencyWeekly, testEpoch, func(p *models.ScheduledPayment) { p.LastExecutionAt = &old })

		_, err := env.svc.StartProcessing(ctx, p.ScheduleID, "exec-1")
		require.NoError(t, err)
	})

	t.Run("unknown schedule", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.StartProcessing(ctx, uuid.NewString(), "exec-1")
		assertCode(t, err, apperrors.CodeScheduleNotFound)
	})

	t.Run("missing executor", func(t *testing.T) {
		env := newTestEnv(t)
		p := env.seed(t, types.FrequencyWeekly, testEpoch)
		_, err := env.svc.StartProcessing(ctx, p.ScheduleID, "  ")
		assertCode(t, err, apperrors.CodeInvalidParameter)
	})
}

func TestClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("claim keeps status and honors freshness", func(t *testing.T) {
		env := newTestEnv(t)
		p := env.seed(t, types.FrequencyWeekly, testEpoch)

		res, err := env.svc.Claim(ctx, p.ScheduleID, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, types.LeaseClaim, res.Kind)
		assert.Equal(t, types.StatusActive, res.Status)
		assert.Equal(t, testEpoch.Add(60*time.Second), res.ExpiresAt)

		stored := env.get(t, p.ScheduleID)
		assert.Equal(t, "exec-1", *stored.ClaimedBy)
		assert.Nil(t, stored.ProcessingBy)

		env.clock.Advance(59 * time.Second)
		_, err = env.svc.Claim(ctx, p.ScheduleID, "exec-2")
		assertReason(t, err, types.ReasonAlreadyClaimed)

		env.clock.Advance(2 * time.Second)
		res, err = env.svc.Claim(ctx, p.ScheduleID, "exec-2")
		require.NoError(t, err)
		assert.Equal(t, "exec-2", res.Holder)
	})

	t.Run("claim requires active and due", func(t *testing.T) {
		env := newTestEnv(t)
		notDue := env.seed(t, types.FrequencyWeekly, testEpoch.Add(time.Hour))
		processing := env.seed(t, types.FrequencyWeekly, testEpoch, func(p *models.ScheduledPayment) {
			p.Status = types.StatusProcessing
		})

		_, err := env.svc.Claim(ctx, notDue.ScheduleID, "exec-1")
		assertReason(t, err, types.ReasonNotDue)

		_, err = env.svc.Claim(ctx, processing.ScheduleID, "exec-1")
		assertReason(t, err, types.ReasonWrongStatus)
	})
}

func TestTerminalIrreversibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.seed(t, types.FrequencyWeekly, testEpoch, func(p *models.ScheduledPayment) {
		p.Status = types.StatusFailed
		p.RetryCount = 3
	})

	_, err := env.svc.StartProcessing(ctx, p.ScheduleID, "exec-1")
	assertReason(t, err, types.ReasonFailed)

	_, err = env.svc.Claim(ctx, p.ScheduleID, "exec-1")
	assertReason(t, err, types.ReasonWrongStatus)

	for _, force := range []bool{false, true} {
		_, err = env.svc.CompleteExecution(ctx, CompleteRequest{
			ScheduleID:       p.ScheduleID,
			ExecutionDetails: ExecutionDetails{TransactionHash: txHash(1)},
			Force:            force,
		})
		assertCode(t, err, apperrors.CodeTerminalState)
	}

	_, err = env.svc.MarkFailed(ctx, p.ScheduleID, "still broken")
	assertCode(t, err, apperrors.CodeTerminalState)

	_, err = env.svc.Cancel(ctx, p.ScheduleID, "alice")
	assertCode(t, err, apperrors.CodeTerminalState)

	stored := env.get(t, p.ScheduleID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Equal(t, 0, stored.ExecutedCount)

	records, err := env.ledger.ListBySchedule(ctx, p.ScheduleID)
	require.NoError(t, err)
	assert.Empty(t, records)

	// The administrative override is the one way out.
	res, err := env.svc.ForceUpdate(ctx, ForceUpdateRequest{
		ScheduleID:       p.ScheduleID,
		ExecutionDetails: ExecutionDetails{TransactionHash: txHash(2)},
		ForceUpdate:      true,
		Actor:            "ops",
	})
	require.NoError(t, err)
	assert.True(t, res.WasForceUpdated)
	assert.Equal(t, types.StatusFailed, res.PreviousStatus)
	assert.Equal(t, types.StatusActive, res.FinalStatus)
}
