package schedule

import (
	"time"

	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/types"
)

// CycleOutcome is the result of advancing a schedule past one execution
type CycleOutcome struct {
	Status          types.ScheduleStatus
	ExecutedCount   int
	NextExecutionAt *time.Time // nil when completed
	Completed       bool
}

// ApplyExecution advances p in place as if one execution finished at
// executedAt. now stamps completedAt/updatedAt. Leases are released.
func (p Policy) ApplyExecution(sp *models.ScheduledPayment, executedAt, now time.Time) CycleOutcome {
	sp.ExecutedCount++
	return p.advance(sp, executedAt, executedAt, now)
}

// advance decides between completing and rescheduling from base. The
// execution count must already reflect the execution being recorded. A
// success resets the failure streak.
func (p Policy) advance(sp *models.ScheduledPayment, base, executedAt, now time.Time) CycleOutcome {
	lastExec := executedAt
	sp.LastExecutionAt = &lastExec
	sp.RetryCount = 0
	sp.ClearLeases()
	sp.UpdatedAt = now

	next := CalculateNextExecution(base, sp.Frequency)
	if p.shouldComplete(sp, base, next) {
		completedAt := now
		sp.Status = types.StatusCompleted
		sp.CompletedAt = &completedAt
		return CycleOutcome{Status: sp.Status, ExecutedCount: sp.ExecutedCount, Completed: true}
	}

	sp.Status = types.StatusActive
	sp.NextExecutionAt = next
	sp.CompletedAt = nil
	return CycleOutcome{Status: sp.Status, ExecutedCount: sp.ExecutedCount, NextExecutionAt: &next}
}

func (p Policy) shouldComplete(sp *models.ScheduledPayment, base, next time.Time) bool {
	if !sp.Frequency.IsRecurring() {
		return true
	}
	if sp.MaxExecutions > 0 && sp.ExecutedCount >= sp.MaxExecutions {
		return true
	}
	return next.Sub(base) > p.CompletionHorizon
}

// FailureOutcome is the result of recording one failed execution attempt
type FailureOutcome struct {
	RetryCount  int
	WillRetry   bool
	NextRetryAt *time.Time
}

// ApplyFailure records a failed attempt in place. Once MaxRetries is reached
// the schedule becomes failed, otherwise it is pushed back by RetryBackoff and
// its processing lease is released so it can be leased again when due.
func (p Policy) ApplyFailure(sp *models.ScheduledPayment, message string, now time.Time) FailureOutcome {
	sp.RetryCount++
	msg := message
	sp.LastError = &msg
	sp.UpdatedAt = now
	sp.ClearLeases()

	if sp.RetryCount >= p.MaxRetries {
		sp.Status = types.StatusFailed
		return FailureOutcome{RetryCount: sp.RetryCount}
	}

	next := now.Add(p.RetryBackoff)
	sp.NextExecutionAt = next
	if sp.Status == types.StatusProcessing {
		sp.Status = types.StatusActive
	}
	return FailureOutcome{RetryCount: sp.RetryCount, WillRetry: true, NextRetryAt: &next}
}

// IsStuck reports whether a processing schedule has outlived StuckAfter
func (p Policy) IsStuck(sp *models.ScheduledPayment, now time.Time) bool {
	if sp.Status != types.StatusProcessing || sp.ProcessingStarted == nil {
		return false
	}
	return sp.ProcessingStarted.Before(now.Add(-p.StuckAfter))
}

// ApplyStuckRepair repairs a stuck schedule in place, assuming the stuck
// execution went through: a once schedule is completed with a single
// execution, a recurring one is rescheduled from now.
func (p Policy) ApplyStuckRepair(sp *models.ScheduledPayment, now time.Time) CycleOutcome {
	if !sp.Frequency.IsRecurring() {
		sp.ExecutedCount = 1
	} else {
		sp.ExecutedCount++
	}
	return p.advance(sp, now, now, now)
}
