package execution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	"github.com/ggonzalez94/defi-keeper/internal/ledger"
	"github.com/ggonzalez94/defi-keeper/internal/registry"
	"github.com/ggonzalez94/defi-keeper/internal/store"
)

var (
	testDelegator = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testDelegate  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testContracts = func() registry.Contracts {
		c, _ := registry.ContractsForChain(10143)
		return c
	}()
)

// fullScopeDelegation grants every call the engine can emit.
func fullScopeDelegation() delegation.Delegation {
	sel := func(id []byte) delegation.Selector {
		var s delegation.Selector
		copy(s[:], id)
		return s
	}
	return delegation.Delegation{
		Delegator: testDelegator,
		Delegate:  testDelegate,
		Signature: []byte{0x01},
		Scope: delegation.Scope{
			AllowedTargets: []common.Address{
				testContracts.MagmaStaking, testContracts.KintsuStakedMonad, testContracts.WMON,
				testContracts.Permit2, testContracts.UniversalRouter, testContracts.GMON,
				common.HexToAddress("0x00000000000000000000000000000000000000a1"),
			},
			AllowedSelectors: []delegation.Selector{
				sel(magmaABI.Methods["depositMon"].ID),
				sel(magmaABI.Methods["withdrawMon"].ID),
				sel(kintsuABI.Methods["deposit"].ID),
				sel(kintsuABI.Methods["requestUnlock"].ID),
				sel(kintsuABI.Methods["redeem"].ID),
				sel(wrappedABI.Methods["deposit"].ID),
				sel(wrappedABI.Methods["withdraw"].ID),
				sel(erc20ABI.Methods["approve"].ID),
				sel(permit2ABI.Methods["approve"].ID),
				sel(routerABI.Methods["execute"].ID),
			},
		},
	}
}

// fakeCaller answers allowance reads by selector.
type fakeCaller struct {
	mu         sync.Mutex
	calls      int
	erc20      *big.Int
	erc20Err   error
	permit2    *big.Int
	permit2Exp *big.Int
	permit2Err error
}

func (f *fakeCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if len(call.Data) < 4 {
		return nil, errors.New("short calldata")
	}
	switch hex.EncodeToString(call.Data[:4]) {
	case hex.EncodeToString(erc20ABI.Methods["allowance"].ID):
		if f.erc20Err != nil {
			return nil, f.erc20Err
		}
		return erc20ABI.Methods["allowance"].Outputs.Pack(orZero(f.erc20))
	case hex.EncodeToString(permit2ABI.Methods["allowance"].ID):
		if f.permit2Err != nil {
			return nil, f.permit2Err
		}
		return permit2ABI.Methods["allowance"].Outputs.Pack(orZero(f.permit2), orZero(f.permit2Exp), new(big.Int))
	default:
		return nil, fmt.Errorf("unexpected call %x", call.Data[:4])
	}
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// fakeChannel accepts every submission as req-N and answers receipts through
// receipt, which defaults to immediate success.
type fakeChannel struct {
	mu        sync.Mutex
	submitted []delegation.Redemption
	submitErr map[int]error
	feeErr    error
	receipt   func(requestID string, poll int) (*ledger.Receipt, error)
	polls     map[string]int
}

func (f *fakeChannel) FeeParameters(context.Context) (ledger.FeeParams, error) {
	if f.feeErr != nil {
		return ledger.FeeParams{}, f.feeErr
	}
	return ledger.FeeParams{MaxFeePerGas: big.NewInt(3), MaxPriorityFeePerGas: big.NewInt(1)}, nil
}

func (f *fakeChannel) Submit(_ context.Context, r delegation.Redemption, _ ledger.FeeParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.submitted)
	if err, ok := f.submitErr[n]; ok {
		return "", err
	}
	f.submitted = append(f.submitted, r)
	return fmt.Sprintf("req-%d", n), nil
}

func (f *fakeChannel) Receipt(_ context.Context, requestID string) (*ledger.Receipt, error) {
	f.mu.Lock()
	if f.polls == nil {
		f.polls = map[string]int{}
	}
	f.polls[requestID]++
	poll := f.polls[requestID]
	f.mu.Unlock()
	if f.receipt != nil {
		return f.receipt(requestID, poll)
	}
	return &ledger.Receipt{Success: true, TxHash: "0xtx-" + requestID}, nil
}

func (f *fakeChannel) submissions() []delegation.Redemption {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delegation.Redemption(nil), f.submitted...)
}

type fakeRecords struct {
	mu         sync.Mutex
	records    map[string]store.AutomationRecord
	activities []store.Activity
}

func (f *fakeRecords) Load(_ context.Context, accountID string) (store.AutomationRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[accountID]
	return r, ok, nil
}

func (f *fakeRecords) AppendActivity(_ context.Context, a store.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, a)
	return nil
}
