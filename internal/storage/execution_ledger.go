package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/payment-scheduler/internal/models"
	"github.com/shopspring/decimal"
)

const executionColumns = `execution_id, schedule_id, username, executor_id, token_symbol, contract_address,
	recipients, amounts, transaction_hash, gas_used, gas_price, total_cost, executed_at, sequence,
	forced, final_status, recorded_at`

// numeric columns are read back as text so decimal parses them without loss
const executionSelectColumns = `execution_id, schedule_id, username, executor_id, token_symbol, contract_address,
	recipients, amounts, transaction_hash, gas_used, gas_price::text, total_cost::text, executed_at, sequence,
	forced, final_status, recorded_at`

// ExecutionRepository is the Postgres execution ledger. Rows are keyed by
// execution id and never updated.
type ExecutionRepository struct {
	db *PostgresDB
}

// NewExecutionRepository creates a new execution ledger repository
func NewExecutionRepository(db *PostgresDB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Append inserts rec unless a row with the same execution id exists.
// It reports whether a row was written.
func (r *ExecutionRepository) Append(ctx context.Context, rec *models.ExecutionRecord) (bool, error) {
	query := `
		INSERT INTO execution_records (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (execution_id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		rec.ExecutionID,
		rec.ScheduleID,
		rec.Username,
		rec.ExecutorID,
		rec.TokenSymbol,
		rec.ContractAddress,
		rec.Recipients,
		amountsToText(rec.Amounts),
		rec.TransactionHash,
		int64(rec.GasUsed), // #nosec G115 - gas values fit in int64
		rec.GasPrice.String(),
		rec.TotalCost.String(),
		rec.ExecutedAt,
		rec.Sequence,
		rec.Forced,
		rec.FinalStatus,
		rec.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append execution record: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// Get retrieves a ledger row by execution id
func (r *ExecutionRepository) Get(ctx context.Context, executionID string) (*models.ExecutionRecord, error) {
	query := `SELECT ` + executionSelectColumns + ` FROM execution_records WHERE execution_id = $1`

	rec, err := scanExecution(r.db.Pool().QueryRow(ctx, query, executionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to get execution record: %w", err)
	}

	return rec, nil
}

// ListBySchedule returns a schedule's ledger rows in execution order
func (r *ExecutionRepository) ListBySchedule(ctx context.Context, scheduleID string) ([]*models.ExecutionRecord, error) {
	query := `SELECT ` + executionSelectColumns + `
		FROM execution_records
		WHERE schedule_id = $1
		ORDER BY sequence ASC, recorded_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	var records []*models.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}

	return records, nil
}

func scanExecution(row rowScanner) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	var amounts []string
	var gasUsed int64
	var gasPrice, totalCost string

	err := row.Scan(
		&rec.ExecutionID,
		&rec.ScheduleID,
		&rec.Username,
		&rec.ExecutorID,
		&rec.TokenSymbol,
		&rec.ContractAddress,
		&rec.Recipients,
		&amounts,
		&rec.TransactionHash,
		&gasUsed,
		&gasPrice,
		&totalCost,
		&rec.ExecutedAt,
		&rec.Sequence,
		&rec.Forced,
		&rec.FinalStatus,
		&rec.RecordedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.GasUsed = uint64(gasUsed) // #nosec G115 - stored from a uint64
	if rec.Amounts, err = amountsFromText(amounts); err != nil {
		return nil, err
	}
	if rec.GasPrice, err = decimal.NewFromString(gasPrice); err != nil {
		return nil, fmt.Errorf("invalid stored gas price %q: %w", gasPrice, err)
	}
	if rec.TotalCost, err = decimal.NewFromString(totalCost); err != nil {
		return nil, fmt.Errorf("invalid stored total cost %q: %w", totalCost, err)
	}

	return &rec, nil
}
