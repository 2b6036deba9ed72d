package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/types"
	"github.com/shopspring/decimal"
)

const scheduleColumns = `schedule_id, username, wallet_address, chain_id, token_symbol, contract_address,
	recipients, amounts, frequency, status, next_execution_at, last_execution_at, executed_count,
	max_executions, retry_count, claimed_by, claimed_at, processing_by, processing_started,
	last_error, completed_at, cancelled_at, created_at, updated_at, version, last_execution_id`

// ScheduleRepository handles scheduled payment persistence in Postgres.
// Lease acquisition is a single UPDATE ... WHERE <predicate> RETURNING, so
// the predicate and the write are one atomic statement.
type ScheduleRepository struct {
	db *PostgresDB
}

// NewScheduleRepository creates a new schedule repository
func NewScheduleRepository(db *PostgresDB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Create inserts a new schedule
func (r *ScheduleRepository) Create(ctx context.Context, p *models.ScheduledPayment) error {
	if p.Version == 0 {
		p.Version = 1
	}

	query := `
		INSERT INTO scheduled_payments (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		p.ScheduleID,
		p.Username,
		p.WalletAddress,
		p.ChainID,
		p.TokenSymbol,
		p.ContractAddress,
		p.Recipients,
		amountsToText(p.Amounts),
		string(p.Frequency),
		string(p.Status),
		p.NextExecutionAt,
		p.LastExecutionAt,
		p.ExecutedCount,
		p.MaxExecutions,
		p.RetryCount,
		p.ClaimedBy,
		p.ClaimedAt,
		p.ProcessingBy,
		p.ProcessingStarted,
		p.LastError,
		p.CompletedAt,
		p.CancelledAt,
		p.CreatedAt,
		p.UpdatedAt,
		p.Version,
		p.LastExecutionID,
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}

	return nil
}

// Get retrieves a schedule by id
func (r *ScheduleRepository) Get(ctx context.Context, scheduleID string) (*models.ScheduledPayment, error) {
	query := `SELECT ` + scheduleColumns + ` FROM scheduled_payments WHERE schedule_id = $1`

	p, err := scanSchedule(r.db.Pool().QueryRow(ctx, query, scheduleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	return p, nil
}

// AcquireLease sets the lease of req.Kind if the lease predicate holds
func (r *ScheduleRepository) AcquireLease(ctx context.Context, req LeaseRequest) (*models.ScheduledPayment, error) {
	holderCol, atCol := "processing_by", "processing_started"
	if req.Kind == types.LeaseClaim {
		holderCol, atCol = "claimed_by", "claimed_at"
	}

	statusClause := "status = 'active'"
	if req.TakeoverStaleProcessing {
		statusClause = "status IN ('active', 'processing')"
	}

	var debounce *time.Time
	if !req.LastExecutedBefore.IsZero() {
		debounce = &req.LastExecutedBefore
	}

	query := fmt.Sprintf(`
		UPDATE scheduled_payments
		SET %[1]s = $2,
			%[2]s = $3,
			status = COALESCE(NULLIF($4::text, ''), status),
			version = version + 1,
			updated_at = $3
		WHERE schedule_id = $1
			AND %[3]s
			AND status <> 'failed'
			AND next_execution_at <= $3
			AND (%[1]s IS NULL OR %[1]s = '' OR %[2]s IS NULL OR %[2]s < $5)
			AND ($6::timestamptz IS NULL OR last_execution_at IS NULL OR last_execution_at < $6)
		RETURNING `+scheduleColumns, holderCol, atCol, statusClause)

	p, err := scanSchedule(r.db.Pool().QueryRow(ctx, query,
		req.ScheduleID,
		req.Holder,
		req.At,
		string(req.TransitionTo),
		req.StaleBefore,
		debounce,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConditionNotMet
		}
		return nil, fmt.Errorf("failed to acquire %s lease: %w", req.Kind, err)
	}

	return p, nil
}

// CompareAndSwap writes next only if the stored version is still expectedVersion
func (r *ScheduleRepository) CompareAndSwap(ctx context.Context, next *models.ScheduledPayment, expectedVersion int64) error {
	query := updateStatement + ` AND version = $22`

	result, err := r.db.Pool().Exec(ctx, query, append(updateArgs(next, expectedVersion+1), expectedVersion)...)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}

	if result.RowsAffected() == 0 {
		if _, err := r.Get(ctx, next.ScheduleID); err != nil {
			return err
		}
		return ErrConditionNotMet
	}

	next.Version = expectedVersion + 1
	return nil
}

// Replace overwrites the mutable fields of a schedule unconditionally
func (r *ScheduleRepository) Replace(ctx context.Context, next *models.ScheduledPayment) error {
	query := `
		UPDATE scheduled_payments
		SET status = $2, next_execution_at = $3, last_execution_at = $4, executed_count = $5,
			retry_count = $6, claimed_by = $7, claimed_at = $8, processing_by = $9,
			processing_started = $10, last_error = $11, completed_at = $12, cancelled_at = $13,
			updated_at = $14, last_execution_id = $15, version = version + 1
		WHERE schedule_id = $1
		RETURNING version
	`

	err := r.db.Pool().QueryRow(ctx, query,
		next.ScheduleID,
		string(next.Status),
		next.NextExecutionAt,
		next.LastExecutionAt,
		next.ExecutedCount,
		next.RetryCount,
		next.ClaimedBy,
		next.ClaimedAt,
		next.ProcessingBy,
		next.ProcessingStarted,
		next.LastError,
		next.CompletedAt,
		next.CancelledAt,
		next.UpdatedAt,
		next.LastExecutionID,
	).Scan(&next.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrScheduleNotFound
		}
		return fmt.Errorf("failed to replace schedule: %w", err)
	}

	return nil
}

// ListByOwner returns all schedules of an owner, newest first
func (r *ScheduleRepository) ListByOwner(ctx context.Context, username string) ([]*models.ScheduledPayment, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM scheduled_payments
		WHERE username = $1
		ORDER BY created_at DESC`

	return r.list(ctx, "list schedules by owner", query, username)
}

// ListDue returns active schedules due at now, oldest first
func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledPayment, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM scheduled_payments
		WHERE status = 'active' AND next_execution_at <= $1
		ORDER BY next_execution_at ASC
		LIMIT $2`

	return r.list(ctx, "list due schedules", query, now, limit)
}

// ListStuck returns an owner's processing schedules started before startedBefore
func (r *ScheduleRepository) ListStuck(ctx context.Context, username string, startedBefore time.Time) ([]*models.ScheduledPayment, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM scheduled_payments
		WHERE username = $1 AND status = 'processing' AND processing_started < $2
		ORDER BY processing_started ASC`

	return r.list(ctx, "list stuck schedules", query, username, startedBefore)
}

// ListStuckOwners returns owners that have at least one stuck schedule
func (r *ScheduleRepository) ListStuckOwners(ctx context.Context, startedBefore time.Time, limit int) ([]string, error) {
	query := `
		SELECT DISTINCT username
		FROM scheduled_payments
		WHERE status = 'processing' AND processing_started < $1
		ORDER BY username
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan stuck owner: %w", err)
		}
		owners = append(owners, owner)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stuck owners: %w", err)
	}

	return owners, nil
}

func (r *ScheduleRepository) list(ctx context.Context, op, query string, args ...interface{}) ([]*models.ScheduledPayment, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer rows.Close()

	var schedules []*models.ScheduledPayment
	for rows.Next() {
		p, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}

const updateStatement = `
	UPDATE scheduled_payments
	SET status = $2, next_execution_at = $3, last_execution_at = $4, executed_count = $5,
		retry_count = $6, claimed_by = $7, claimed_at = $8, processing_by = $9,
		processing_started = $10, last_error = $11, completed_at = $12, cancelled_at = $13,
		updated_at = $14, max_executions = $15, frequency = $16, token_symbol = $17,
		contract_address = $18, recipients = $19, version = $20, last_execution_id = $21
	WHERE schedule_id = $1`

func updateArgs(p *models.ScheduledPayment, newVersion int64) []interface{} {
	return []interface{}{
		p.ScheduleID,
		string(p.Status),
		p.NextExecutionAt,
		p.LastExecutionAt,
		p.ExecutedCount,
		p.RetryCount,
		p.ClaimedBy,
		p.ClaimedAt,
		p.ProcessingBy,
		p.ProcessingStarted,
		p.LastError,
		p.CompletedAt,
		p.CancelledAt,
		p.UpdatedAt,
		p.MaxExecutions,
		string(p.Frequency),
		p.TokenSymbol,
		p.ContractAddress,
		p.Recipients,
		newVersion,
		p.LastExecutionID,
	}
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*models.ScheduledPayment, error) {
	var p models.ScheduledPayment
	var amounts []string
	var frequency, status string

	err := row.Scan(
		&p.ScheduleID,
		&p.Username,
		&p.WalletAddress,
		&p.ChainID,
		&p.TokenSymbol,
		&p.ContractAddress,
		&p.Recipients,
		&amounts,
		&frequency,
		&status,
		&p.NextExecutionAt,
		&p.LastExecutionAt,
		&p.ExecutedCount,
		&p.MaxExecutions,
		&p.RetryCount,
		&p.ClaimedBy,
		&p.ClaimedAt,
		&p.ProcessingBy,
		&p.ProcessingStarted,
		&p.LastError,
		&p.CompletedAt,
		&p.CancelledAt,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.Version,
		&p.LastExecutionID,
	)
	if err != nil {
		return nil, err
	}

	p.Frequency = types.Frequency(frequency)
	p.Status = types.ScheduleStatus(status)
	p.Amounts, err = amountsFromText(amounts)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", p.ScheduleID, err)
	}

	return &p, nil
}

func amountsToText(amounts []decimal.Decimal) []string {
	out := make([]string, len(amounts))
	for i, a := range amounts {
		out[i] = a.String()
	}
	return out
}

func amountsFromText(amounts []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(amounts))
	for i, a := range amounts {
		d, err := decimal.NewFromString(a)
		if err != nil {
			return nil, fmt.Errorf("invalid stored amount %q: %w", a, err)
		}
		out[i] = d
	}
	return out, nil
}
