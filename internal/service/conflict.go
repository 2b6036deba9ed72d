package service

import (
	"context"
	"errors"

	apperrors "github.com/payment-scheduler/internal/errors"
	"github.com/payment-scheduler/internal/metrics"
	"github.com/payment-scheduler/internal/retry"
	"github.com/payment-scheduler/internal/storage"
	"github.com/payment-scheduler/internal/types"
)

func isConflict(err error) bool {
	return errors.Is(err, storage.ErrConditionNotMet)
}

func permanent(err error) error {
	return retry.Permanent(err)
}

// withConflictRetry runs a read-modify-write cycle again whenever its
// compare-and-swap lost against a concurrent writer.
func (s *ScheduleService) withConflictRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := retry.ConflictRetryConfig(s.conflictRetries, isConflict)
	return retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			metrics.ConflictRetries.WithLabelValues(op).Inc()
		}
		return fn(ctx)
	})
}

func (s *ScheduleService) permanentStoreError(op, scheduleID string, err error) error {
	return permanent(s.storeError(op, scheduleID, err))
}

// finalError maps whatever a conflict-retried cycle returned
func (s *ScheduleService) finalError(op, scheduleID string, err error) error {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}
	if isConflict(err) {
		return apperrors.NewPreconditionFailedError(op, types.ReasonConcurrentUpdate)
	}
	return s.storeError(op, scheduleID, err)
}
