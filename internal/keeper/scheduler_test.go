package keeper

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/execution"
	"github.com/ggonzalez94/defi-keeper/internal/policy"
	"github.com/ggonzalez94/defi-keeper/internal/registry"
	"github.com/ggonzalez94/defi-keeper/internal/store"
	"github.com/gofrs/flock"
)

var testContracts = func() registry.Contracts {
	c, _ := registry.ContractsForChain(10143)
	return c
}()

type fakeRecords struct {
	records []store.AutomationRecord
	err     error
}

func (f fakeRecords) List(context.Context, bool) ([]store.AutomationRecord, error) {
	return f.records, f.err
}

type balanceKey struct{ token, owner common.Address }

type fakeBalances struct {
	values map[balanceKey]*big.Int
	fail   map[common.Address]bool
}

func (f fakeBalances) TokenBalance(_ context.Context, token, owner common.Address) (*big.Int, error) {
	if f.fail[owner] {
		return nil, errors.New("rpc down")
	}
	if v, ok := f.values[balanceKey{token, owner}]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

type executedOp struct {
	account string
	op      execution.Operation
	opts    execution.ExecOptions
}

type fakeExecutor struct {
	mu         sync.Mutex
	ops        []executedOp
	activities []store.Activity
	panicFor   string
	failFor    string
}

func (f *fakeExecutor) ExecuteOperation(_ context.Context, accountID string, op execution.Operation, opts execution.ExecOptions) (execution.OperationResponse, error) {
	if accountID == f.panicFor {
		panic("encoder exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, executedOp{account: accountID, op: op, opts: opts})
	if accountID == f.failFor {
		return execution.OperationResponse{
			Operations: []execution.SettlementResult{{RequestID: "req", Status: execution.StatusTimedOut, Error: "timed out"}},
			Error:      "timed out",
		}, nil
	}
	return execution.OperationResponse{
		Success:    true,
		Operations: []execution.SettlementResult{{RequestID: "req", TxHash: "0xfeed", Status: execution.StatusConfirmed}},
	}, nil
}

func (f *fakeExecutor) RecordActivity(_ context.Context, activity store.Activity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, activity)
}

func (f *fakeExecutor) opsFor(account string) []execution.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []execution.Operation
	for _, e := range f.ops {
		if e.account == account {
			out = append(out, e.op)
		}
	}
	return out
}

func owner(b byte) common.Address {
	return common.BytesToAddress([]byte{b})
}

func record(id string, delegator common.Address) store.AutomationRecord {
	sel, _ := delegation.ParseSelector("0xa9059cbb")
	return store.AutomationRecord{
		AccountID: id,
		Delegation: &delegation.Delegation{
			Delegator: delegator,
			Delegate:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
			Signature: []byte{0x01},
			Scope: delegation.Scope{
				AllowedTargets:   []common.Address{testContracts.MagmaStaking},
				AllowedSelectors: []delegation.Selector{sel},
			},
		},
		AutomationEnabled: true,
	}
}

func tokens(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1e18))
}

func newTestScheduler(records Records, balances BalanceReader, exec Executor) *Scheduler {
	return &Scheduler{
		Records:     records,
		Balances:    balances,
		Executor:    exec,
		Policy:      policy.Default(),
		Contracts:   testContracts,
		SlippageBps: 100,
		Now:         func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
}

func TestRunCycleIsolatesAccountFailures(t *testing.T) {
	good := owner(0x01)
	broken := owner(0x02)
	panicky := owner(0x03)
	balanced := owner(0x04)
	bal := fakeBalances{
		values: map[balanceKey]*big.Int{
			{testContracts.GMON, good}:                  tokens(80),
			{testContracts.KintsuStakedMonad, good}:     tokens(20),
			{testContracts.GMON, panicky}:               tokens(90),
			{testContracts.GMON, balanced}:              tokens(50),
			{testContracts.KintsuStakedMonad, balanced}: tokens(50),
		},
		fail: map[common.Address]bool{broken: true},
	}
	exec := &fakeExecutor{panicFor: "panicky"}
	noDelegation := store.AutomationRecord{AccountID: "empty", AutomationEnabled: true}
	recs := fakeRecords{records: []store.AutomationRecord{
		record("broken", broken),
		record("panicky", panicky),
		noDelegation,
		record("balanced", balanced),
		record("good", good),
	}}

	report, err := newTestScheduler(recs, bal, exec).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.Processed != 5 || report.Acted != 1 || report.Failed != 2 || report.Skipped != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(exec.opsFor("good")) != 2 {
		t.Fatalf("account after failures should still be processed, got %d ops", len(exec.opsFor("good")))
	}
	if report.Accounts[1].Error == "" {
		t.Fatalf("panic should be reported as an error")
	}
	if len(exec.activities) != 1 {
		t.Fatalf("expected one rebalance activity, got %d", len(exec.activities))
	}
	a := exec.activities[0]
	if a.Kind != store.ActivityRebalance || !a.Automated || a.AccountID != "good" || a.TxHash != "0xfeed" {
		t.Fatalf("unexpected activity: %+v", a)
	}
}

func TestRunCycleMagmaToKintsuSteps(t *testing.T) {
	acct := owner(0x05)
	bal := fakeBalances{values: map[balanceKey]*big.Int{
		{testContracts.GMON, acct}:              tokens(80),
		{testContracts.KintsuStakedMonad, acct}: tokens(20),
	}}
	exec := &fakeExecutor{}
	s := newTestScheduler(fakeRecords{records: []store.AutomationRecord{record("a", acct)}}, bal, exec)
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	ops := exec.opsFor("a")
	if len(ops) != 2 {
		t.Fatalf("expected two steps, got %d", len(ops))
	}
	unstake, ok := ops[0].(execution.UnstakeMagma)
	if !ok || unstake.Amount.Cmp(tokens(30)) != 0 {
		t.Fatalf("expected unstake of 30, got %#v", ops[0])
	}
	stake, ok := ops[1].(execution.StakeKintsu)
	if !ok || stake.Receiver != acct {
		t.Fatalf("expected kintsu stake to owner, got %#v", ops[1])
	}
	// 1% slippage.
	want := new(big.Int).Div(new(big.Int).Mul(tokens(30), big.NewInt(99)), big.NewInt(100))
	if stake.Amount.Cmp(want) != 0 {
		t.Fatalf("expected stake %s, got %s", want, stake.Amount)
	}
	if exec.ops[0].opts.Delegation == nil || !exec.ops[0].opts.Automated || !exec.ops[0].opts.SkipActivity {
		t.Fatalf("keeper steps should run automated with the stored delegation: %+v", exec.ops[0].opts)
	}
}

func TestRunCycleKintsuToMagmaSteps(t *testing.T) {
	acct := owner(0x06)
	bal := fakeBalances{values: map[balanceKey]*big.Int{
		{testContracts.GMON, acct}:              tokens(10),
		{testContracts.KintsuStakedMonad, acct}: tokens(30),
	}}
	exec := &fakeExecutor{}
	s := newTestScheduler(fakeRecords{records: []store.AutomationRecord{record("a", acct)}}, bal, exec)
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	ops := exec.opsFor("a")
	if len(ops) != 2 {
		t.Fatalf("expected two steps, got %d", len(ops))
	}
	swap, ok := ops[0].(execution.InstantUnstakeKintsu)
	if !ok {
		t.Fatalf("expected instant unstake, got %#v", ops[0])
	}
	if swap.AmountIn.Cmp(tokens(10)) != 0 || !swap.Unwrap || swap.Recipient != acct || swap.Fee != 3000 {
		t.Fatalf("unexpected swap: %+v", swap)
	}
	if swap.Deadline.Int64() != 1_700_000_000+20*60 {
		t.Fatalf("unexpected deadline %s", swap.Deadline)
	}
	stake, ok := ops[1].(execution.StakeMagma)
	if !ok || stake.Amount.Cmp(swap.MinOut) != 0 {
		t.Fatalf("magma stake should use the swap's min out, got %#v", ops[1])
	}
}

func TestRunCycleStopsAccountOnUnsettledStep(t *testing.T) {
	acct := owner(0x07)
	bal := fakeBalances{values: map[balanceKey]*big.Int{{testContracts.GMON, acct}: tokens(10)}}
	exec := &fakeExecutor{failFor: "a"}
	s := newTestScheduler(fakeRecords{records: []store.AutomationRecord{record("a", acct)}}, bal, exec)
	report, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.Failed != 1 || report.Acted != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(exec.opsFor("a")) != 1 {
		t.Fatalf("second step must not run after an unsettled first step")
	}
	if len(exec.activities) != 0 {
		t.Fatalf("no activity for an unfinished rebalance")
	}
}

func TestRunCycleListFailure(t *testing.T) {
	s := newTestScheduler(fakeRecords{err: errors.New("db locked")}, fakeBalances{}, &fakeExecutor{})
	_, err := s.RunCycle(context.Background())
	if !clierr.HasCode(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestRunCycleRefusesWhenLockHeld(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "keeper.lock")
	held := flock.New(lockPath)
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("failed to take lock: %v", err)
	}
	defer func() { _ = held.Unlock() }()

	s := newTestScheduler(fakeRecords{}, fakeBalances{}, &fakeExecutor{})
	s.LockPath = lockPath
	_, err := s.RunCycle(context.Background())
	if !clierr.HasCode(err, clierr.CodeBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}
}

func TestMinOut(t *testing.T) {
	s := &Scheduler{SlippageBps: 50}
	if got := s.minOut(big.NewInt(10_000)); got.Int64() != 9_950 {
		t.Fatalf("expected 9950, got %s", got)
	}
	s.SlippageBps = -1
	if got := s.minOut(big.NewInt(10_000)); got.Int64() != 9_950 {
		t.Fatalf("invalid slippage should fall back to default, got %s", got)
	}
	s.SlippageBps = 0
	if got := s.minOut(big.NewInt(10_000)); got.Int64() != 10_000 {
		t.Fatalf("zero slippage should keep amount, got %s", got)
	}
}

func TestStartStop(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(fakeRecords{}, fakeBalances{}, exec)
	s.Interval = 10 * time.Millisecond
	s.Start(context.Background())
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()
}
