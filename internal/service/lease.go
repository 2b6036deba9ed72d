package service

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/payment-scheduler/internal/errors"
	"github.com/payment-scheduler/internal/metrics"
	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/storage"
	"github.com/payment-scheduler/internal/types"
)

// LeaseResult is returned when an executor obtains a lease
type LeaseResult struct {
	ScheduleID string               `json:"scheduleId"`
	Kind       types.LeaseKind      `json:"kind"`
	Holder     string               `json:"holder"`
	LeasedAt   time.Time            `json:"leasedAt"`
	ExpiresAt  time.Time            `json:"expiresAt"`
	Status     types.ScheduleStatus `json:"status"`
}

// Claim takes the claim lease of a due active schedule. The claim does not
// change the schedule status.
func (s *ScheduleService) Claim(ctx context.Context, scheduleID, executorID string) (*LeaseResult, error) {
	now := s.now()
	return s.acquire(ctx, storage.LeaseRequest{
		ScheduleID:  scheduleID,
		Kind:        types.LeaseClaim,
		Holder:      executorID,
		At:          now,
		StaleBefore: s.policy.StaleBefore(types.LeaseClaim, now),
	})
}

// StartProcessing takes the processing lease of a due active schedule and
// moves it to processing. A processing schedule whose lease went stale can
// be taken over. A schedule executed within the debounce window is refused.
func (s *ScheduleService) StartProcessing(ctx context.Context, scheduleID, executorID string) (*LeaseResult, error) {
	now := s.now()
	return s.acquire(ctx, storage.LeaseRequest{
		ScheduleID:              scheduleID,
		Kind:                    types.LeaseProcessing,
		Holder:                  executorID,
		At:                      now,
		StaleBefore:             s.policy.StaleBefore(types.LeaseProcessing, now),
		LastExecutedBefore:      now.Add(-s.policy.ExecutionDebounce),
		TakeoverStaleProcessing: true,
		TransitionTo:            types.StatusProcessing,
	})
}

func (s *ScheduleService) acquire(ctx context.Context, req storage.LeaseRequest) (*LeaseResult, error) {
	op := string(req.Kind)
	if !isScheduleID(req.ScheduleID) {
		return nil, apperrors.NewScheduleNotFoundError(req.ScheduleID)
	}
	req.Holder = strings.TrimSpace(req.Holder)
	if req.Holder == "" || len(req.Holder) > maxExecutorID {
		return nil, apperrors.NewInvalidParameterError("executorId", "must be 1-128 characters")
	}

	logger := s.logger.ForSchedule(req.ScheduleID, req.Holder).WithField("lease", req.Kind)

	leased, err := s.store.AcquireLease(ctx, req)
	if err != nil {
		if !errors.Is(err, storage.ErrConditionNotMet) {
			metrics.LeaseAttempts.WithLabelValues(op, "error").Inc()
			return nil, s.storeError(op, req.ScheduleID, err)
		}

		// The conditional update already decided; the re-read only names a reason.
		reasonErr := s.diagnoseLease(ctx, req)
		metrics.LeaseAttempts.WithLabelValues(op, "rejected").Inc()
		logger.WithError(reasonErr).Debug("Lease refused")
		return nil, reasonErr
	}

	metrics.LeaseAttempts.WithLabelValues(op, "acquired").Inc()
	logger.WithField("status", leased.Status).Info("Lease acquired")

	return &LeaseResult{
		ScheduleID: leased.ScheduleID,
		Kind:       req.Kind,
		Holder:     req.Holder,
		LeasedAt:   req.At,
		ExpiresAt:  req.At.Add(s.policy.LeaseWindow(req.Kind)),
		Status:     leased.Status,
	}, nil
}

// diagnoseLease re-reads the schedule to explain a refused lease
func (s *ScheduleService) diagnoseLease(ctx context.Context, req storage.LeaseRequest) error {
	op := string(req.Kind)

	current, err := s.store.Get(ctx, req.ScheduleID)
	if err != nil {
		return s.storeError(op, req.ScheduleID, err)
	}
	return apperrors.NewPreconditionFailedError(op, s.leaseRefusal(req, current))
}

func (s *ScheduleService) leaseRefusal(req storage.LeaseRequest, p *models.ScheduledPayment) types.FailureReason {
	fresh := s.policy.IsLeaseFresh(req.Kind, p.ProcessingBy, p.ProcessingStarted, req.At)
	if req.Kind == types.LeaseClaim {
		fresh = s.policy.IsLeaseFresh(req.Kind, p.ClaimedBy, p.ClaimedAt, req.At)
		if p.Status != types.StatusActive {
			return types.ReasonWrongStatus
		}
		if fresh {
			return types.ReasonAlreadyClaimed
		}
	} else {
		switch p.Status {
		case types.StatusFailed:
			return types.ReasonFailed
		case types.StatusCompleted:
			return types.ReasonCompleted
		case types.StatusCancelled:
			return types.ReasonCancelled
		}
		if fresh {
			return types.ReasonAlreadyProcessing
		}
	}

	if p.NextExecutionAt.After(req.At) {
		return types.ReasonNotDue
	}
	if !req.LastExecutedBefore.IsZero() && p.LastExecutionAt != nil && !p.LastExecutionAt.Before(req.LastExecutedBefore) {
		return types.ReasonRecentlyExecuted
	}
	return types.ReasonConcurrentUpdate
}
