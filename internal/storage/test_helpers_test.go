package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/types"
	"github.com/shopspring/decimal"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// newTestSchedule returns an active weekly schedule due at testEpoch
func newTestSchedule(owner string) *models.ScheduledPayment {
	return &models.ScheduledPayment{
		ScheduleID:      uuid.NewString(),
		Username:        owner,
		WalletAddress:   "0x52908400098527886E0F7030069857D2E4169EE7",
		ChainID:         1,
		TokenSymbol:     "USDC",
		ContractAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Recipients:      []string{"0xde709f2102306220921060314715629080e2fb77"},
		Amounts:         []decimal.Decimal{decimal.RequireFromString("12.50")},
		Frequency:       types.FrequencyWeekly,
		Status:          types.StatusActive,
		NextExecutionAt: testEpoch,
		CreatedAt:       testEpoch.Add(-time.Hour),
		UpdatedAt:       testEpoch.Add(-time.Hour),
	}
}

func newTestExecution(scheduleID string, seq int) *models.ExecutionRecord {
	return &models.ExecutionRecord{
		ExecutionID:     uuid.NewString(),
		ScheduleID:      scheduleID,
		Username:        "alice",
		ExecutorID:      "exec-1",
		TokenSymbol:     "USDC",
		Recipients:      []string{"0xde709f2102306220921060314715629080e2fb77"},
		Amounts:         []decimal.Decimal{decimal.RequireFromString("12.50")},
		TransactionHash: "0x8d1c9a5b2f7e3d4c6b0a9e8f7d6c5b4a39281706f5e4d3c2b1a0998877665544",
		GasUsed:         21000,
		GasPrice:        decimal.NewFromInt(2_000_000_000),
		TotalCost:       decimal.NewFromInt(42_000_000_000_000),
		ExecutedAt:      testEpoch.Add(10 * time.Minute),
		Sequence:        seq,
		FinalStatus:     string(types.StatusActive),
		RecordedAt:      testEpoch.Add(10 * time.Minute),
	}
}

func processingLease(scheduleID, holder string, at time.Time) LeaseRequest {
	return LeaseRequest{
		ScheduleID:              scheduleID,
		Kind:                    types.LeaseProcessing,
		Holder:                  holder,
		At:                      at,
		StaleBefore:             at.Add(-120 * time.Second),
		LastExecutedBefore:      at.Add(-60 * time.Second),
		TakeoverStaleProcessing: true,
		TransitionTo:            types.StatusProcessing,
	}
}
