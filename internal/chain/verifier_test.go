package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/payment-scheduler/internal/circuitbreaker"
	"github.com/payment-scheduler/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "0x8d1c9a5b2f7e3d4c6b0a9e8f7d6c5b4a39281706f5e4d3c2b1a0998877665544"

type fakeReceiptClient struct {
	calls    int
	errs     []error
	receipt  *types.Receipt
	lastHash common.Hash
}

func (f *fakeReceiptClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.lastHash = hash
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.receipt, nil
}

func testVerifier(client ReceiptClient) *Verifier {
	return NewVerifier(client, VerifierConfig{
		RequestTimeout:   time.Second,
		BreakerThreshold: 3,
		BreakerTimeout:   time.Minute,
		Retry:            &retry.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
}

func successReceipt() *types.Receipt {
	return &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		GasUsed:           21000,
		EffectiveGasPrice: big.NewInt(2_000_000_000),
		BlockNumber:       big.NewInt(19_000_000),
	}
}

func TestVerifier_Confirmed(t *testing.T) {
	client := &fakeReceiptClient{receipt: successReceipt()}

	conf, err := testVerifier(client).Verify(context.Background(), testHash)
	require.NoError(t, err)

	assert.Equal(t, common.HexToHash(testHash), client.lastHash)
	assert.Equal(t, uint64(21000), conf.GasUsed)
	assert.Equal(t, "2000000000", conf.GasPrice.String())
	assert.Equal(t, "42000000000000", conf.TotalCost.String())
	assert.Equal(t, uint64(19_000_000), conf.BlockNumber)
}

func TestVerifier_Reverted(t *testing.T) {
	r := successReceipt()
	r.Status = types.ReceiptStatusFailed

	_, err := testVerifier(&fakeReceiptClient{receipt: r}).Verify(context.Background(), testHash)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestVerifier_NotMinedIsNotRetried(t *testing.T) {
	client := &fakeReceiptClient{errs: []error{ethereum.NotFound}}

	_, err := testVerifier(client).Verify(context.Background(), testHash)
	assert.ErrorIs(t, err, ErrNotMined)
	assert.Equal(t, 1, client.calls)
}

func TestVerifier_TransientErrorRetried(t *testing.T) {
	client := &fakeReceiptClient{
		errs:    []error{errors.New("connection reset")},
		receipt: successReceipt(),
	}

	_, err := testVerifier(client).Verify(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestVerifier_BreakerOpensOnRepeatedRPCFailures(t *testing.T) {
	rpcDown := errors.New("503 service unavailable")
	client := &fakeReceiptClient{errs: []error{rpcDown, rpcDown, rpcDown, rpcDown}}
	v := testVerifier(client)

	_, err := v.Verify(context.Background(), testHash)
	assert.ErrorIs(t, err, rpcDown)

	_, err = v.Verify(context.Background(), testHash)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 3, client.calls)
}

func TestVerifier_InvalidHash(t *testing.T) {
	client := &fakeReceiptClient{}
	_, err := testVerifier(client).Verify(context.Background(), "0x1234")
	assert.Error(t, err)
	assert.Zero(t, client.calls)
}

func TestValidation(t *testing.T) {
	assert.True(t, IsValidAddress("0x52908400098527886E0F7030069857D2E4169EE7"))
	assert.False(t, IsValidAddress("52908400098527886E0F7030069857D2E4169EE7"))
	assert.False(t, IsValidAddress("0x1234"))
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7",
		NormalizeAddress("0x52908400098527886e0f7030069857d2e4169ee7"))

	assert.True(t, IsValidTxHash(testHash))
	assert.False(t, IsValidTxHash(testHash[:len(testHash)-1]))
	assert.False(t, IsValidTxHash("0x"+string(make([]byte, 64))))
}
