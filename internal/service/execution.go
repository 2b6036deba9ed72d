package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/payment-scheduler/internal/chain"
	apperrors "github.com/payment-scheduler/internal/errors"
	"github.com/payment-scheduler/internal/logging"
	"github.com/payment-scheduler/internal/metrics"
	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/schedule"
	"github.com/payment-scheduler/internal/storage"
	"github.com/payment-scheduler/internal/types"
	"github.com/shopspring/decimal"
)

var weiPerGwei = decimal.New(1, 9)

// ExecutionDetails is what an executor reports about one on-chain execution
type ExecutionDetails struct {
	ExecutionID     string          `json:"executionId,omitempty"`
	ExecutorID      string          `json:"executorId,omitempty"`
	TransactionHash string          `json:"transactionHash"`
	ExecutedAt      time.Time       `json:"executedAt"`
	GasUsed         uint64          `json:"gasUsed"`
	GasPrice        decimal.Decimal `json:"gasPrice"`
	TotalCost       decimal.Decimal `json:"totalCost"`
}

// CompleteRequest reports a finished execution
type CompleteRequest struct {
	ScheduleID string `json:"-"`
	ExecutionDetails
	// Force skips the processing-status check, never the failed check
	Force bool `json:"force"`
}

// CompletionResult describes the schedule after a completion
type CompletionResult struct {
	ScheduleID     string               `json:"scheduleId"`
	ExecutionID    string               `json:"executionId"`
	FinalStatus    types.ScheduleStatus `json:"finalStatus"`
	ExecutionCount int                  `json:"executionCount"`
	NextExecution  *time.Time           `json:"nextExecution"`
	Duplicate      bool                 `json:"duplicate"`
}

// CompleteExecution records a confirmed execution and advances the schedule
// to its next cycle or to completed. Reporting the same execution id again
// returns the recorded outcome without advancing anything.
func (s *ScheduleService) CompleteExecution(ctx context.Context, req CompleteRequest) (*CompletionResult, error) {
	const op = "complete"

	details, err := s.normalizeDetails(req.ScheduleID, req.ExecutionDetails)
	if err != nil {
		return nil, err
	}
	logger := s.logger.ForSchedule(req.ScheduleID, details.ExecutorID).WithField("executionId", details.ExecutionID)

	if dup, err := s.recordedOutcome(ctx, req.ScheduleID, details.ExecutionID); err != nil || dup != nil {
		return dup, err
	}

	if s.verifier != nil {
		if err := s.verify(ctx, &details); err != nil {
			logger.WithError(err).Warn("Execution could not be confirmed on chain")
			return nil, err
		}
	}

	var (
		updated *models.ScheduledPayment
		applied *models.ScheduledPayment
		outcome schedule.CycleOutcome
	)
	err = s.withConflictRetry(ctx, op, func(ctx context.Context) error {
		current, err := s.store.Get(ctx, req.ScheduleID)
		if err != nil {
			return s.permanentStoreError(op, req.ScheduleID, err)
		}
		// A concurrent report of this execution won the swap first.
		if isLastExecution(current, details.ExecutionID) {
			applied = current
			return nil
		}
		if current.Status == types.StatusFailed {
			return permanent(apperrors.NewTerminalStateError(req.ScheduleID, current.Status))
		}
		if !req.Force && current.Status != types.StatusProcessing {
			return permanent(apperrors.NewPreconditionFailedError(op, types.ReasonNotProcessing))
		}

		next := current.Clone()
		outcome = s.policy.ApplyExecution(next, details.ExecutedAt, s.now())
		next.LastExecutionID = &details.ExecutionID
		if err := s.store.CompareAndSwap(ctx, next, current.Version); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, s.finalError(op, req.ScheduleID, err)
	}
	if applied != nil {
		logger.Info("Execution already applied by a concurrent report")
		return replayedOutcome(applied, details.ExecutionID), nil
	}

	path := "normal"
	if req.Force {
		path = "forced"
	}
	if err := s.appendRecord(ctx, logger, updated, details, req.Force); err != nil {
		return nil, err
	}
	s.observeCompletion(outcome, details, path)

	logger.WithFields(map[string]interface{}{
		"status":        outcome.Status,
		"executedCount": outcome.ExecutedCount,
		"force":         req.Force,
	}).Info("Execution completed")

	return &CompletionResult{
		ScheduleID:     req.ScheduleID,
		ExecutionID:    details.ExecutionID,
		FinalStatus:    outcome.Status,
		ExecutionCount: outcome.ExecutedCount,
		NextExecution:  outcome.NextExecutionAt,
	}, nil
}

// ForceUpdateRequest is the administrative override of a completion
type ForceUpdateRequest struct {
	ScheduleID string `json:"-"`
	ExecutionDetails
	ForceUpdate bool   `json:"forceUpdate"`
	Actor       string `json:"-"`
}

// ForceUpdateResult describes the schedule after a forced update
type ForceUpdateResult struct {
	ScheduleID      string               `json:"scheduleId"`
	ExecutionID     string               `json:"executionId"`
	PreviousStatus  types.ScheduleStatus `json:"previousStatus"`
	FinalStatus     types.ScheduleStatus `json:"finalStatus"`
	ExecutionCount  int                  `json:"executionCount"`
	NextExecution   *time.Time           `json:"nextExecution"`
	WasForceUpdated bool                 `json:"wasForceUpdated"`
}

// ForceUpdate applies a completion regardless of status or leases and writes
// it without a version check. A concurrent lifecycle write may be lost. It
// is the only path out of failed.
func (s *ScheduleService) ForceUpdate(ctx context.Context, req ForceUpdateRequest) (*ForceUpdateResult, error) {
	const op = "force_update"

	if !req.ForceUpdate {
		return nil, apperrors.NewInvalidParameterError("forceUpdate", "must be true")
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, apperrors.NewForbiddenError("force update requires an administrator")
	}

	details, err := s.normalizeDetails(req.ScheduleID, req.ExecutionDetails)
	if err != nil {
		return nil, err
	}
	logger := s.logger.ForSchedule(req.ScheduleID, details.ExecutorID).WithField("executionId", details.ExecutionID)

	if dup, err := s.recordedOutcome(ctx, req.ScheduleID, details.ExecutionID); err != nil || dup != nil {
		if err != nil {
			return nil, err
		}
		return &ForceUpdateResult{
			ScheduleID:     dup.ScheduleID,
			ExecutionID:    dup.ExecutionID,
			PreviousStatus: dup.FinalStatus,
			FinalStatus:    dup.FinalStatus,
			ExecutionCount: dup.ExecutionCount,
			NextExecution:  dup.NextExecution,
		}, nil
	}

	current, err := s.store.Get(ctx, req.ScheduleID)
	if err != nil {
		return nil, s.storeError(op, req.ScheduleID, err)
	}
	if isLastExecution(current, details.ExecutionID) {
		dup := replayedOutcome(current, details.ExecutionID)
		return &ForceUpdateResult{
			ScheduleID:     dup.ScheduleID,
			ExecutionID:    dup.ExecutionID,
			PreviousStatus: dup.FinalStatus,
			FinalStatus:    dup.FinalStatus,
			ExecutionCount: dup.ExecutionCount,
			NextExecution:  dup.NextExecution,
		}, nil
	}

	next := current.Clone()
	outcome := s.policy.ApplyExecution(next, details.ExecutedAt, s.now())
	next.LastExecutionID = &details.ExecutionID
	if err := s.store.Replace(ctx, next); err != nil {
		return nil, s.storeError(op, req.ScheduleID, err)
	}

	logger.Audit(op, map[string]interface{}{
		"actor":          req.Actor,
		"previousStatus": current.Status,
		"status":         outcome.Status,
		"executedCount":  outcome.ExecutedCount,
		"txHash":         details.TransactionHash,
	})

	if err := s.appendRecord(ctx, logger, next, details, true); err != nil {
		return nil, err
	}
	s.observeCompletion(outcome, details, "force_update")

	return &ForceUpdateResult{
		ScheduleID:      req.ScheduleID,
		ExecutionID:     details.ExecutionID,
		PreviousStatus:  current.Status,
		FinalStatus:     outcome.Status,
		ExecutionCount:  outcome.ExecutedCount,
		NextExecution:   outcome.NextExecutionAt,
		WasForceUpdated: true,
	}, nil
}

// FailureResult describes the schedule after a failed attempt
type FailureResult struct {
	ScheduleID  string               `json:"scheduleId"`
	Status      types.ScheduleStatus `json:"status"`
	RetryCount  int                  `json:"retryCount"`
	WillRetry   bool                 `json:"willRetry"`
	NextRetryAt *time.Time           `json:"nextRetryAt"`
}

// MarkFailed records a failed execution attempt. After MaxRetries failures
// the schedule becomes failed for good, otherwise it is due again after the
// flat retry backoff.
func (s *ScheduleService) MarkFailed(ctx context.Context, scheduleID, message string) (*FailureResult, error) {
	const op = "fail"

	if !isScheduleID(scheduleID) {
		return nil, apperrors.NewScheduleNotFoundError(scheduleID)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, apperrors.NewInvalidParameterError("errorMessage", "must not be empty")
	}
	if len(message) > maxErrorMessage {
		message = message[:maxErrorMessage]
	}

	var outcome schedule.FailureOutcome
	var status types.ScheduleStatus
	err := s.withConflictRetry(ctx, op, func(ctx context.Context) error {
		current, err := s.store.Get(ctx, scheduleID)
		if err != nil {
			return s.permanentStoreError(op, scheduleID, err)
		}
		switch current.Status {
		case types.StatusFailed:
			return permanent(apperrors.NewTerminalStateError(scheduleID, current.Status))
		case types.StatusCompleted:
			return permanent(apperrors.NewPreconditionFailedError(op, types.ReasonCompleted))
		case types.StatusCancelled:
			return permanent(apperrors.NewPreconditionFailedError(op, types.ReasonCancelled))
		}

		next := current.Clone()
		outcome = s.policy.ApplyFailure(next, message, s.now())
		if err := s.store.CompareAndSwap(ctx, next, current.Version); err != nil {
			return err
		}
		status = next.Status
		return nil
	})
	if err != nil {
		return nil, s.finalError(op, scheduleID, err)
	}

	metrics.ExecutionFailures.WithLabelValues(boolLabel(outcome.WillRetry)).Inc()
	logger := s.logger.ForSchedule(scheduleID, "").WithFields(map[string]interface{}{
		"retryCount": outcome.RetryCount,
		"error":      message,
	})
	if outcome.WillRetry {
		logger.WithField("nextRetryAt", outcome.NextRetryAt).Info("Execution failed, retry scheduled")
	} else {
		logger.Warn("Execution failed, retries exhausted")
	}

	return &FailureResult{
		ScheduleID:  scheduleID,
		Status:      status,
		RetryCount:  outcome.RetryCount,
		WillRetry:   outcome.WillRetry,
		NextRetryAt: outcome.NextRetryAt,
	}, nil
}

// normalizeDetails validates reported details and fills derived fields
func (s *ScheduleService) normalizeDetails(scheduleID string, d ExecutionDetails) (ExecutionDetails, error) {
	if !isScheduleID(scheduleID) {
		return d, apperrors.NewScheduleNotFoundError(scheduleID)
	}
	if !chain.IsValidTxHash(d.TransactionHash) {
		return d, apperrors.NewInvalidParameterError("transactionHash", "must be a 0x-prefixed 32-byte hex hash")
	}
	d.TransactionHash = strings.ToLower(d.TransactionHash)
	d.ExecutorID = strings.TrimSpace(d.ExecutorID)
	if len(d.ExecutorID) > maxExecutorID {
		return d, apperrors.NewInvalidParameterError("executorId", "must be at most 128 characters")
	}

	if d.ExecutionID == "" {
		d.ExecutionID = ExecutionID(scheduleID, d.TransactionHash)
	} else if id, err := uuid.Parse(d.ExecutionID); err != nil {
		return d, apperrors.NewInvalidParameterError("executionId", "must be a UUID")
	} else {
		d.ExecutionID = id.String()
	}

	now := s.now()
	if d.ExecutedAt.IsZero() {
		d.ExecutedAt = now
	}
	d.ExecutedAt = d.ExecutedAt.UTC()
	if d.ExecutedAt.After(now.Add(maxClockSkew)) {
		return d, apperrors.NewInvalidParameterError("executedAt", "must not be in the future")
	}
	if d.GasPrice.IsNegative() || d.TotalCost.IsNegative() {
		return d, apperrors.NewInvalidParameterError("totalCost", "cost metrics must not be negative")
	}
	return d, nil
}

// ExecutionID derives the idempotency key of an execution from its schedule
// and transaction.
func ExecutionID(scheduleID, txHash string) string {
	return uuid.NewSHA1(executionNamespace, []byte(scheduleID+":"+strings.ToLower(txHash))).String()
}

// recordedOutcome returns the stored outcome when executionID is already in
// the ledger, and nil when it is not.
func (s *ScheduleService) recordedOutcome(ctx context.Context, scheduleID, executionID string) (*CompletionResult, error) {
	rec, err := s.ledger.Get(ctx, executionID)
	if errors.Is(err, storage.ErrExecutionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("read execution ledger", err)
	}
	if rec.ScheduleID != scheduleID {
		return nil, apperrors.NewInvalidParameterError("executionId", "already recorded for another schedule")
	}

	metrics.ExecutionsDuplicate.Inc()
	result := &CompletionResult{
		ScheduleID:     scheduleID,
		ExecutionID:    executionID,
		FinalStatus:    types.ScheduleStatus(rec.FinalStatus),
		ExecutionCount: rec.Sequence,
		Duplicate:      true,
	}
	if current, err := s.store.Get(ctx, scheduleID); err == nil && current.Status == types.StatusActive {
		next := current.NextExecutionAt
		result.NextExecution = &next
	}
	return result, nil
}

// isLastExecution reports whether executionID is the execution p last advanced on
func isLastExecution(p *models.ScheduledPayment, executionID string) bool {
	return p.LastExecutionID != nil && *p.LastExecutionID == executionID
}

// replayedOutcome describes p as the result of the execution it already
// recorded. The ledger row may still be in flight.
func replayedOutcome(p *models.ScheduledPayment, executionID string) *CompletionResult {
	metrics.ExecutionsDuplicate.Inc()
	result := &CompletionResult{
		ScheduleID:     p.ScheduleID,
		ExecutionID:    executionID,
		FinalStatus:    p.Status,
		ExecutionCount: p.ExecutedCount,
		Duplicate:      true,
	}
	if p.Status == types.StatusActive {
		next := p.NextExecutionAt
		result.NextExecution = &next
	}
	return result
}

func (s *ScheduleService) verify(ctx context.Context, d *ExecutionDetails) error {
	conf, err := s.verifier.Verify(ctx, d.TransactionHash)
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrNotMined), errors.Is(err, chain.ErrReverted):
		return apperrors.NewTransactionNotConfirmedError(d.TransactionHash, err.Error())
	default:
		return apperrors.NewProviderError("chain_rpc", err)
	}

	d.GasUsed = conf.GasUsed
	d.GasPrice = conf.GasPrice
	d.TotalCost = conf.TotalCost
	return nil
}

func (s *ScheduleService) appendRecord(ctx context.Context, logger *logging.Logger, p *models.ScheduledPayment, d ExecutionDetails, forced bool) error {
	rec := &models.ExecutionRecord{
		ExecutionID:     d.ExecutionID,
		ScheduleID:      p.ScheduleID,
		Username:        p.Username,
		ExecutorID:      d.ExecutorID,
		TokenSymbol:     p.TokenSymbol,
		ContractAddress: p.ContractAddress,
		Recipients:      append([]string(nil), p.Recipients...),
		Amounts:         append([]decimal.Decimal(nil), p.Amounts...),
		TransactionHash: d.TransactionHash,
		GasUsed:         d.GasUsed,
		GasPrice:        d.GasPrice,
		TotalCost:       d.TotalCost,
		ExecutedAt:      d.ExecutedAt,
		Sequence:        p.ExecutedCount,
		Forced:          forced,
		FinalStatus:     string(p.Status),
		RecordedAt:      s.now(),
	}

	inserted, err := s.ledger.Append(ctx, rec)
	if err != nil {
		// The schedule has already advanced; the ledger row is lost.
		logger.WithError(err).Error("Schedule advanced but execution record was not written")
		return apperrors.NewDatabaseError("append execution record", err)
	}
	if !inserted {
		logger.Warn("Execution record already present")
	}
	return nil
}

func (s *ScheduleService) observeCompletion(outcome schedule.CycleOutcome, d ExecutionDetails, path string) {
	metrics.ExecutionsCompleted.WithLabelValues(string(outcome.Status), path).Inc()
	if d.TotalCost.IsPositive() {
		gwei, _ := d.TotalCost.Div(weiPerGwei).Float64()
		metrics.ExecutionGasCost.Observe(gwei)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
