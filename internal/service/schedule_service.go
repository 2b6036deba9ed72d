// Package service implements the scheduled payment lifecycle: leasing due
// schedules to executors, recording their outcomes and repairing schedules
// whose executor went away.
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
	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/schedule"
	"github.com/payment-scheduler/internal/storage"
	"github.com/payment-scheduler/internal/types"
	"github.com/shopspring/decimal"
)

// ScheduleStore is the schedule persistence the service needs. Every
// mutation must be a single conditional write.
type ScheduleStore interface {
	Create(ctx context.Context, p *models.ScheduledPayment) error
	Get(ctx context.Context, scheduleID string) (*models.ScheduledPayment, error)
	AcquireLease(ctx context.Context, req storage.LeaseRequest) (*models.ScheduledPayment, error)
	CompareAndSwap(ctx context.Context, next *models.ScheduledPayment, expectedVersion int64) error
	Replace(ctx context.Context, next *models.ScheduledPayment) error
	ListByOwner(ctx context.Context, username string) ([]*models.ScheduledPayment, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledPayment, error)
	ListStuck(ctx context.Context, username string, startedBefore time.Time) ([]*models.ScheduledPayment, error)
	ListStuckOwners(ctx context.Context, startedBefore time.Time, limit int) ([]string, error)
}

// ExecutionLedger is the append-only execution history
type ExecutionLedger interface {
	Append(ctx context.Context, rec *models.ExecutionRecord) (bool, error)
	Get(ctx context.Context, executionID string) (*models.ExecutionRecord, error)
	ListBySchedule(ctx context.Context, scheduleID string) ([]*models.ExecutionRecord, error)
}

// ReceiptVerifier confirms a reported transaction on chain
type ReceiptVerifier interface {
	Verify(ctx context.Context, txHash string) (*chain.Confirmation, error)
}

const (
	defaultDueLimit   = 100
	maxDueLimit       = 500
	maxErrorMessage   = 1000
	maxExecutorID     = 128
	maxClockSkew      = time.Minute
	defaultConflicts  = 3
	maxRecipients     = 50
	maxTokenSymbolLen = 16
)

// executionNamespace derives execution ids from schedule id and tx hash
var executionNamespace = uuid.MustParse("6f1c1f4e-5d0b-4b8e-9a43-2d7c52f0a9b1")

// ScheduleService owns every state transition of a scheduled payment
type ScheduleService struct {
	store           ScheduleStore
	ledger          ExecutionLedger
	verifier        ReceiptVerifier
	policy          schedule.Policy
	conflictRetries int
	now             func() time.Time
	logger          *logging.Logger
}

// Option configures a ScheduleService
type Option func(*ScheduleService)

// WithVerifier checks every normal completion against the chain
func WithVerifier(v ReceiptVerifier) Option {
	return func(s *ScheduleService) { s.verifier = v }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *ScheduleService) { s.now = now }
}

// WithLogger sets the service logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *ScheduleService) { s.logger = logger }
}

// WithConflictRetries bounds how often a version conflict is retried
func WithConflictRetries(n int) Option {
	return func(s *ScheduleService) {
		if n > 0 {
			s.conflictRetries = n
		}
	}
}

// NewScheduleService creates a new schedule service
func NewScheduleService(store ScheduleStore, ledger ExecutionLedger, policy schedule.Policy, opts ...Option) *ScheduleService {
	s := &ScheduleService{
		store:           store,
		ledger:          ledger,
		policy:          policy,
		conflictRetries: defaultConflicts,
		now:             func() time.Time { return time.Now().UTC() },
		logger:          logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the lifecycle windows in use
func (s *ScheduleService) Policy() schedule.Policy {
	return s.policy
}

// CreateRequest describes a new schedule
type CreateRequest struct {
	Username         string          `json:"-"`
	WalletAddress    string          `json:"walletAddress"`
	ChainID          int64           `json:"chainId"`
	TokenSymbol      string          `json:"tokenSymbol"`
	ContractAddress  string          `json:"contractAddress,omitempty"`
	Recipients       []string        `json:"recipients"`
	Amounts          []string        `json:"amounts"`
	Frequency        types.Frequency `json:"frequency"`
	FirstExecutionAt time.Time       `json:"firstExecutionAt"`
	MaxExecutions    int             `json:"maxExecutions"`
}

// Create validates req and stores a new active schedule
func (s *ScheduleService) Create(ctx context.Context, req CreateRequest) (*models.ScheduledPayment, error) {
	if strings.TrimSpace(req.Username) == "" {
		return nil, apperrors.NewInvalidParameterError("username", "must not be empty")
	}
	if !chain.IsValidAddress(req.WalletAddress) {
		return nil, apperrors.NewInvalidParameterError("walletAddress", "must be a 0x-prefixed 20-byte hex address")
	}
	if req.ContractAddress != "" && !chain.IsValidAddress(req.ContractAddress) {
		return nil, apperrors.NewInvalidParameterError("contractAddress", "must be a 0x-prefixed 20-byte hex address")
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.TokenSymbol))
	if symbol == "" || len(symbol) > maxTokenSymbolLen {
		return nil, apperrors.NewInvalidParameterError("tokenSymbol", "must be 1-16 characters")
	}
	if !req.Frequency.Valid() {
		return nil, apperrors.NewInvalidParameterError("frequency", "must be one of once, daily, weekly, monthly, yearly")
	}
	if req.MaxExecutions < 0 {
		return nil, apperrors.NewInvalidParameterError("maxExecutions", "must not be negative")
	}

	if len(req.Recipients) == 0 || len(req.Recipients) > maxRecipients {
		return nil, apperrors.NewInvalidParameterError("recipients", "must contain between 1 and 50 addresses")
	}
	if len(req.Recipients) != len(req.Amounts) {
		return nil, apperrors.NewInvalidParameterError("amounts", "must have one amount per recipient")
	}

	recipients := make([]string, len(req.Recipients))
	amounts := make([]decimal.Decimal, len(req.Amounts))
	for i, r := range req.Recipients {
		if !chain.IsValidAddress(r) {
			return nil, apperrors.NewInvalidParameterError("recipients", "invalid address "+r)
		}
		recipients[i] = chain.NormalizeAddress(r)

		amount, err := decimal.NewFromString(req.Amounts[i])
		if err != nil || !amount.IsPositive() {
			return nil, apperrors.NewInvalidParameterError("amounts", "must be positive decimal strings")
		}
		amounts[i] = amount
	}

	now := s.now()
	first := req.FirstExecutionAt
	if first.IsZero() {
		first = now
	}

	p := &models.ScheduledPayment{
		ScheduleID:      uuid.NewString(),
		Username:        req.Username,
		WalletAddress:   chain.NormalizeAddress(req.WalletAddress),
		ChainID:         req.ChainID,
		TokenSymbol:     symbol,
		Recipients:      recipients,
		Amounts:         amounts,
		Frequency:       req.Frequency,
		Status:          types.StatusActive,
		NextExecutionAt: first.UTC(),
		MaxExecutions:   req.MaxExecutions,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.ContractAddress != "" {
		p.ContractAddress = chain.NormalizeAddress(req.ContractAddress)
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, apperrors.NewDatabaseError("create schedule", err)
	}

	s.logger.ForSchedule(p.ScheduleID, "").WithFields(map[string]interface{}{
		"username":  p.Username,
		"frequency": p.Frequency,
		"nextRun":   p.NextExecutionAt,
	}).Info("Schedule created")

	return p, nil
}

// Get returns a schedule by id
func (s *ScheduleService) Get(ctx context.Context, scheduleID string) (*models.ScheduledPayment, error) {
	if !isScheduleID(scheduleID) {
		return nil, apperrors.NewScheduleNotFoundError(scheduleID)
	}
	p, err := s.store.Get(ctx, scheduleID)
	if err != nil {
		return nil, s.storeError("get schedule", scheduleID, err)
	}
	return p, nil
}

// ListByOwner returns every schedule of an owner
func (s *ScheduleService) ListByOwner(ctx context.Context, username string) ([]*models.ScheduledPayment, error) {
	if username == "" {
		return nil, apperrors.NewInvalidParameterError("username", "must not be empty")
	}
	list, err := s.store.ListByOwner(ctx, username)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list schedules", err)
	}
	return list, nil
}

// ListDue returns active schedules due now, oldest first
func (s *ScheduleService) ListDue(ctx context.Context, limit int) ([]*models.ScheduledPayment, error) {
	if limit <= 0 {
		limit = defaultDueLimit
	}
	if limit > maxDueLimit {
		limit = maxDueLimit
	}
	list, err := s.store.ListDue(ctx, s.now(), limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list due schedules", err)
	}
	return list, nil
}

// ListExecutions returns the ledger rows of a schedule in execution order
func (s *ScheduleService) ListExecutions(ctx context.Context, scheduleID string) ([]*models.ExecutionRecord, error) {
	if _, err := s.Get(ctx, scheduleID); err != nil {
		return nil, err
	}
	records, err := s.ledger.ListBySchedule(ctx, scheduleID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list executions", err)
	}
	return records, nil
}

// Cancel moves an owner's active schedule to cancelled. A processing
// schedule can only be cancelled once its lease has gone stale.
func (s *ScheduleService) Cancel(ctx context.Context, scheduleID, owner string) (*models.ScheduledPayment, error) {
	if !isScheduleID(scheduleID) {
		return nil, apperrors.NewScheduleNotFoundError(scheduleID)
	}

	var result *models.ScheduledPayment
	err := s.withConflictRetry(ctx, "cancel", func(ctx context.Context) error {
		current, err := s.store.Get(ctx, scheduleID)
		if err != nil {
			return s.permanentStoreError("cancel", scheduleID, err)
		}
		if current.Username != owner {
			return permanent(apperrors.NewForbiddenError("schedule belongs to another user"))
		}

		now := s.now()
		switch current.Status {
		case types.StatusFailed:
			return permanent(apperrors.NewTerminalStateError(scheduleID, current.Status))
		case types.StatusCompleted:
			return permanent(apperrors.NewPreconditionFailedError("cancel", types.ReasonCompleted))
		case types.StatusCancelled:
			return permanent(apperrors.NewPreconditionFailedError("cancel", types.ReasonCancelled))
		case types.StatusProcessing:
			if s.policy.IsLeaseFresh(types.LeaseProcessing, current.ProcessingBy, current.ProcessingStarted, now) {
				return permanent(apperrors.NewPreconditionFailedError("cancel", types.ReasonAlreadyProcessing))
			}
		}

		next := current.Clone()
		cancelledAt := now
		next.Status = types.StatusCancelled
		next.CancelledAt = &cancelledAt
		next.UpdatedAt = now
		next.ClearLeases()

		if err := s.store.CompareAndSwap(ctx, next, current.Version); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, s.finalError("cancel", scheduleID, err)
	}

	s.logger.ForSchedule(scheduleID, "").WithField("username", owner).Info("Schedule cancelled")
	return result, nil
}

func isScheduleID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// storeError translates store sentinels into categorized errors
func (s *ScheduleService) storeError(op, scheduleID string, err error) error {
	var catErr *apperrors.CategorizedError
	switch {
	case errors.As(err, &catErr):
		return catErr
	case errors.Is(err, storage.ErrScheduleNotFound):
		return apperrors.NewScheduleNotFoundError(scheduleID)
	default:
		return apperrors.NewDatabaseError(op, err)
	}
}
