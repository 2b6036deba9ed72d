package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionRecord is an append-only ledger row for one completed execution
type ExecutionRecord struct {
	ExecutionID     string            `json:"executionId" db:"execution_id"`
	ScheduleID      string            `json:"scheduleId" db:"schedule_id"`
	Username        string            `json:"username" db:"username"`
	ExecutorID      string            `json:"executorId,omitempty" db:"executor_id"`
	TokenSymbol     string            `json:"tokenSymbol" db:"token_symbol"`
	ContractAddress string            `json:"contractAddress,omitempty" db:"contract_address"`
	Recipients      []string          `json:"recipients" db:"recipients"`
	Amounts         []decimal.Decimal `json:"amounts" db:"amounts"`
	TransactionHash string            `json:"transactionHash" db:"transaction_hash"`
	GasUsed         uint64            `json:"gasUsed" db:"gas_used"`
	GasPrice        decimal.Decimal   `json:"gasPrice" db:"gas_price"`
	TotalCost       decimal.Decimal   `json:"totalCost" db:"total_cost"`
	ExecutedAt      time.Time         `json:"executedAt" db:"executed_at"`
	Sequence        int               `json:"sequence" db:"sequence"`
	Forced          bool              `json:"forced" db:"forced"`
	FinalStatus     string            `json:"finalStatus" db:"final_status"`
	RecordedAt      time.Time         `json:"recordedAt" db:"recorded_at"`
}
