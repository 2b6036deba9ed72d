package models

import (
	"time"

	"github.com/payment-scheduler/internal/types"
	"github.com/shopspring/decimal"
)

// ScheduledPayment represents a payment schedule in the database
type ScheduledPayment struct {
	ScheduleID      string               `json:"scheduleId" db:"schedule_id"`
	Username        string               `json:"username" db:"username"`
	WalletAddress   string               `json:"walletAddress" db:"wallet_address"`
	ChainID         int64                `json:"chainId" db:"chain_id"`
	TokenSymbol     string               `json:"tokenSymbol" db:"token_symbol"`
	ContractAddress string               `json:"contractAddress,omitempty" db:"contract_address"`
	Recipients      []string             `json:"recipients" db:"recipients"`
	Amounts         []decimal.Decimal    `json:"amounts" db:"amounts"`
	Frequency       types.Frequency      `json:"frequency" db:"frequency"`
	Status          types.ScheduleStatus `json:"status" db:"status"`

	NextExecutionAt time.Time  `json:"nextExecutionAt" db:"next_execution_at"`
	LastExecutionAt *time.Time `json:"lastExecutionAt,omitempty" db:"last_execution_at"`
	LastExecutionID *string    `json:"lastExecutionId,omitempty" db:"last_execution_id"`
	ExecutedCount   int        `json:"executedCount" db:"executed_count"`
	MaxExecutions   int        `json:"maxExecutions" db:"max_executions"` // 0 means unbounded
	RetryCount      int        `json:"retryCount" db:"retry_count"`

	ClaimedBy         *string    `json:"claimedBy,omitempty" db:"claimed_by"`
	ClaimedAt         *time.Time `json:"claimedAt,omitempty" db:"claimed_at"`
	ProcessingBy      *string    `json:"processingBy,omitempty" db:"processing_by"`
	ProcessingStarted *time.Time `json:"processingStarted,omitempty" db:"processing_started"`

	LastError   *string    `json:"lastError,omitempty" db:"last_error"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty" db:"cancelled_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
	Version     int64      `json:"version" db:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state
func (p *ScheduledPayment) Clone() *ScheduledPayment {
	if p == nil {
		return nil
	}
	c := *p
	c.Recipients = append([]string(nil), p.Recipients...)
	c.Amounts = append([]decimal.Decimal(nil), p.Amounts...)
	c.LastExecutionAt = cloneTime(p.LastExecutionAt)
	c.LastExecutionID = cloneString(p.LastExecutionID)
	c.ClaimedBy = cloneString(p.ClaimedBy)
	c.ClaimedAt = cloneTime(p.ClaimedAt)
	c.ProcessingBy = cloneString(p.ProcessingBy)
	c.ProcessingStarted = cloneTime(p.ProcessingStarted)
	c.LastError = cloneString(p.LastError)
	c.CompletedAt = cloneTime(p.CompletedAt)
	c.CancelledAt = cloneTime(p.CancelledAt)
	return &c
}

// ClearLeases drops both soft lock pairs
func (p *ScheduledPayment) ClearLeases() {
	p.ClaimedBy = nil
	p.ClaimedAt = nil
	p.ProcessingBy = nil
	p.ProcessingStarted = nil
}

// TotalAmount sums the per-recipient amounts
func (p *ScheduledPayment) TotalAmount() decimal.Decimal {
	return SumAmounts(p.Amounts)
}

// SumAmounts adds up a list of amounts
func SumAmounts(amounts []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
