package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/payment-scheduler/internal/logging"
	"github.com/payment-scheduler/internal/metrics"
	"github.com/payment-scheduler/internal/models"
)

// ExecutionArchive mirrors ledger rows into ClickHouse for reporting
type ExecutionArchive struct {
	db *ClickHouseDB
}

// NewExecutionArchive creates a new ClickHouse execution archive
func NewExecutionArchive(db *ClickHouseDB) *ExecutionArchive {
	return &ExecutionArchive{db: db}
}

// Archive writes records in one batch. Re-archiving a row is harmless, the
// table collapses duplicates by execution_id.
func (a *ExecutionArchive) Archive(ctx context.Context, records ...*models.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := a.db.Conn().PrepareBatch(ctx, `
		INSERT INTO execution_archive (
			execution_id, schedule_id, username, executor_id, token_symbol, contract_address,
			recipients, amounts, total_amount, transaction_hash, gas_used, gas_price, total_cost,
			executed_at, sequence, forced, final_status, recorded_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		var forced uint8
		if rec.Forced {
			forced = 1
		}

		if err := batch.Append(
			rec.ExecutionID,
			rec.ScheduleID,
			rec.Username,
			rec.ExecutorID,
			rec.TokenSymbol,
			rec.ContractAddress,
			rec.Recipients,
			amountsToText(rec.Amounts),
			models.SumAmounts(rec.Amounts),
			rec.TransactionHash,
			rec.GasUsed,
			rec.GasPrice,
			rec.TotalCost,
			rec.ExecutedAt,
			uint32(rec.Sequence), // #nosec G115 - execution counts are small
			forced,
			rec.FinalStatus,
			rec.RecordedAt,
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// ledgerWriter is the part of a ledger ArchivingLedger decorates
type ledgerWriter interface {
	Append(ctx context.Context, rec *models.ExecutionRecord) (bool, error)
	Get(ctx context.Context, executionID string) (*models.ExecutionRecord, error)
	ListBySchedule(ctx context.Context, scheduleID string) ([]*models.ExecutionRecord, error)
}

// archiver is satisfied by ExecutionArchive
type archiver interface {
	Archive(ctx context.Context, records ...*models.ExecutionRecord) error
}

// ArchivingLedger forwards newly inserted ledger rows to the archive. The
// Postgres ledger stays the source of truth; archive failures are logged and
// counted but never fail the append.
type ArchivingLedger struct {
	ledgerWriter
	archive archiver
	timeout time.Duration
}

// NewArchivingLedger wraps ledger so new rows are mirrored to archive
func NewArchivingLedger(ledger ledgerWriter, archive archiver) *ArchivingLedger {
	return &ArchivingLedger{ledgerWriter: ledger, archive: archive, timeout: 5 * time.Second}
}

// Append inserts rec and archives it if it was new
func (l *ArchivingLedger) Append(ctx context.Context, rec *models.ExecutionRecord) (bool, error) {
	inserted, err := l.ledgerWriter.Append(ctx, rec)
	if err != nil || !inserted {
		return inserted, err
	}

	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := l.archive.Archive(archiveCtx, rec); err != nil {
		metrics.ArchiveErrors.Inc()
		logging.FromContext(ctx).ForSchedule(rec.ScheduleID, rec.ExecutorID).
			WithField("executionId", rec.ExecutionID).
			ErrorWithErr("Failed to archive execution record", err)
	}

	return true, nil
}
