// Package chain verifies reported executions against the chain and validates
// on-chain identifiers.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/payment-scheduler/internal/circuitbreaker"
	"github.com/payment-scheduler/internal/metrics"
	"github.com/payment-scheduler/internal/retry"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotMined is returned when the node has no receipt for the hash yet
	ErrNotMined = errors.New("transaction not mined")
	// ErrReverted is returned when the receipt shows a failed transaction
	ErrReverted = errors.New("transaction reverted")
)

// ReceiptClient is the subset of ethclient.Client the verifier needs
type ReceiptClient interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

var _ ReceiptClient = (*ethclient.Client)(nil)

// Confirmation is what a successful receipt says about an execution
type Confirmation struct {
	TransactionHash string
	BlockNumber     uint64
	GasUsed         uint64
	GasPrice        decimal.Decimal // wei
	TotalCost       decimal.Decimal // wei
}

// Verifier checks transaction receipts through a circuit breaker
type Verifier struct {
	client  ReceiptClient
	breaker *circuitbreaker.CircuitBreaker
	retry   *retry.RetryConfig
	timeout time.Duration
}

// VerifierConfig configures a Verifier
type VerifierConfig struct {
	RequestTimeout   time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
	Retry            *retry.RetryConfig
}

// Dial connects to rpcURL and returns a verifier using it
func Dial(ctx context.Context, rpcURL string, cfg VerifierConfig) (*Verifier, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain RPC: %w", err)
	}
	return NewVerifier(client, cfg), nil
}

// NewVerifier creates a verifier around an existing client
func NewVerifier(client ReceiptClient, cfg VerifierConfig) *Verifier {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultRetryConfig()
	}

	retryCfg := *cfg.Retry
	retryCfg.Retryable = isTransient

	breaker := circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Name:             "chain_rpc",
		MaxFailures:      cfg.BreakerThreshold,
		Timeout:          cfg.BreakerTimeout,
		HalfOpenMaxCalls: 1,
		IsFailure:        isTransient,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			open := 0.0
			if to != circuitbreaker.StateClosed {
				open = 1
			}
			metrics.ChainBreakerState.WithLabelValues(name).Set(open)
		},
	})

	return &Verifier{client: client, breaker: breaker, retry: &retryCfg, timeout: cfg.RequestTimeout}
}

// Verify fetches the receipt of txHash and requires it to show success
func (v *Verifier) Verify(ctx context.Context, txHash string) (*Confirmation, error) {
	if !IsValidTxHash(txHash) {
		return nil, fmt.Errorf("invalid transaction hash %q", txHash)
	}
	hash := common.HexToHash(txHash)

	var receipt *types.Receipt
	err := retry.Do(ctx, v.retry, func(ctx context.Context, attempt int) error {
		return v.breaker.Execute(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, v.timeout)
			defer cancel()

			r, err := v.client.TransactionReceipt(callCtx, hash)
			if err != nil {
				if errors.Is(err, ethereum.NotFound) {
					return ErrNotMined
				}
				return err
			}
			receipt = r
			return nil
		})
	})
	if err != nil {
		metrics.ReceiptChecks.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.ReceiptChecks.WithLabelValues("reverted").Inc()
		return nil, ErrReverted
	}

	metrics.ReceiptChecks.WithLabelValues("confirmed").Inc()
	return confirmationFromReceipt(txHash, receipt), nil
}

func confirmationFromReceipt(txHash string, r *types.Receipt) *Confirmation {
	price := decimal.Zero
	if r.EffectiveGasPrice != nil {
		price = decimal.NewFromBigInt(r.EffectiveGasPrice, 0)
	}

	var block uint64
	if r.BlockNumber != nil {
		block = r.BlockNumber.Uint64()
	}

	return &Confirmation{
		TransactionHash: txHash,
		BlockNumber:     block,
		GasUsed:         r.GasUsed,
		GasPrice:        price,
		TotalCost:       price.Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(r.GasUsed), 0)),
	}
}

// isTransient reports errors that say nothing about the transaction itself
func isTransient(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrNotMined) &&
		!errors.Is(err, ErrReverted) &&
		!errors.Is(err, circuitbreaker.ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotMined):
		return "not_mined"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return "breaker_open"
	default:
		return "rpc_error"
	}
}
