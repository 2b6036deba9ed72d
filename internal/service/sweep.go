package service

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/payment-scheduler/internal/errors"
	"github.com/payment-scheduler/internal/metrics"
	"github.com/payment-scheduler/internal/storage"
	"github.com/payment-scheduler/internal/types"
)

// Sweep repair outcomes
const (
	RepairApplied = "repaired"
	RepairSkipped = "skipped"
	RepairError   = "error"
)

// SweepRepair describes what the sweep did to one stuck schedule
type SweepRepair struct {
	ScheduleID    string               `json:"scheduleId"`
	OldStatus     types.ScheduleStatus `json:"oldStatus"`
	NewStatus     types.ScheduleStatus `json:"newStatus"`
	ExecutedCount int                  `json:"executedCount"`
	NextExecution *time.Time           `json:"nextExecution,omitempty"`
	Outcome       string               `json:"outcome"`
	Error         string               `json:"error,omitempty"`
}

// SweepResult lists the repairs made for one owner
type SweepResult struct {
	Username string        `json:"username"`
	SweptAt  time.Time     `json:"sweptAt"`
	Repairs  []SweepRepair `json:"repairs"`
}

// Repaired counts the schedules actually changed
func (r *SweepResult) Repaired() int {
	n := 0
	for _, rep := range r.Repairs {
		if rep.Outcome == RepairApplied {
			n++
		}
	}
	return n
}

// SweepStuck repairs an owner's schedules left in processing longer than
// the stuck threshold, assuming the stuck execution went through. Each
// repair is conditional on the version that was read, so a completion that
// lands meanwhile wins and the schedule is reported as skipped.
func (s *ScheduleService) SweepStuck(ctx context.Context, username string) (*SweepResult, error) {
	if username == "" {
		return nil, apperrors.NewInvalidParameterError("username", "must not be empty")
	}

	now := s.now()
	stuck, err := s.store.ListStuck(ctx, username, now.Add(-s.policy.StuckAfter))
	if err != nil {
		return nil, apperrors.NewDatabaseError("list stuck schedules", err)
	}

	result := &SweepResult{Username: username, SweptAt: now, Repairs: make([]SweepRepair, 0, len(stuck))}
	for _, current := range stuck {
		if !s.policy.IsStuck(current, now) {
			continue
		}

		next := current.Clone()
		outcome := s.policy.ApplyStuckRepair(next, now)
		repair := SweepRepair{
			ScheduleID:    current.ScheduleID,
			OldStatus:     current.Status,
			NewStatus:     outcome.Status,
			ExecutedCount: outcome.ExecutedCount,
			NextExecution: outcome.NextExecutionAt,
			Outcome:       RepairApplied,
		}

		logger := s.logger.ForSchedule(current.ScheduleID, "")
		if err := s.store.CompareAndSwap(ctx, next, current.Version); err != nil {
			repair.NewStatus = current.Status
			repair.ExecutedCount = current.ExecutedCount
			repair.NextExecution = nil
			if isConflict(err) || errors.Is(err, storage.ErrScheduleNotFound) {
				repair.Outcome = RepairSkipped
				logger.Debug("Stuck schedule changed during sweep, skipped")
			} else {
				repair.Outcome = RepairError
				repair.Error = err.Error()
				logger.WithError(err).Error("Failed to repair stuck schedule")
			}
		} else {
			logger.Audit("stuck_repair", map[string]interface{}{
				"previousStatus": current.Status,
				"status":         outcome.Status,
				"executedCount":  outcome.ExecutedCount,
				"stuckSince":     current.ProcessingStarted,
			})
		}

		metrics.SweepRepairs.WithLabelValues(repair.Outcome).Inc()
		result.Repairs = append(result.Repairs, repair)
	}

	return result, nil
}

// StuckOwners lists owners that currently have stuck schedules
func (s *ScheduleService) StuckOwners(ctx context.Context, limit int) ([]string, error) {
	owners, err := s.store.ListStuckOwners(ctx, s.now().Add(-s.policy.StuckAfter), limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list stuck owners", err)
	}
	return owners, nil
}
