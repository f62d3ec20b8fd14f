package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	"github.com/ggonzalez94/defi-keeper/internal/signer"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testManager = common.HexToAddress("0xdb9B1e94B5b69Df7e401DDbedE43491141047dB3")
	testTarget  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeEVMClient struct {
	mu sync.Mutex

	chainID    *big.Int
	tipCap     *big.Int
	tipErr     error
	baseFee    *big.Int
	headerErr  error
	gas        uint64
	gasErr     error
	nonce      uint64
	callResult []byte
	callErr    error
	calls      []ethereum.CallMsg
	sent       []*types.Transaction
	sendErr    error
	receipts   map[common.Hash]*types.Receipt
}

func newFakeEVMClient() *fakeEVMClient {
	return &fakeEVMClient{
		chainID:  big.NewInt(10143),
		tipCap:   big.NewInt(3),
		baseFee:  big.NewInt(10),
		gas:      100_000,
		receipts: map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeEVMClient) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeEVMClient) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.callResult, f.callErr
}

func (f *fakeEVMClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(42), nil
}

func (f *fakeEVMClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, f.gasErr
}

func (f *fakeEVMClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return f.tipCap, f.tipErr
}

func (f *fakeEVMClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	if f.headerErr != nil {
		return nil, f.headerErr
	}
	return &types.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeEVMClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEVMClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVMClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

var errBoom = errors.New("boom")

func testSigner(t *testing.T) *signer.LocalSigner {
	t.Helper()
	s, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: testKeyHex})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	return s
}

func testRedemption(delegate common.Address) delegation.Redemption {
	return delegation.Redemption{
		Delegation: delegation.Delegation{
			Delegator: common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Delegate:  delegate,
			Signature: []byte{0x01, 0x02},
			Scope:     delegation.Scope{AllowedTargets: []common.Address{testTarget}},
		},
		Executions: []delegation.Execution{{Target: testTarget, Value: new(big.Int), Payload: []byte{0xde, 0xad, 0xbe, 0xef}}},
	}
}
