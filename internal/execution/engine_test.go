package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/ledger"
	"github.com/ggonzalez94/defi-keeper/internal/store"
	"go.uber.org/zap"
)

type engineFixture struct {
	engine  *Engine
	caller  *fakeCaller
	channel *fakeChannel
	records *fakeRecords
}

func newEngineFixture(d *delegation.Delegation) engineFixture {
	caller := &fakeCaller{}
	channel := &fakeChannel{}
	records := &fakeRecords{records: map[string]store.AutomationRecord{}}
	if d != nil {
		records.records["acct-1"] = store.AutomationRecord{AccountID: "acct-1", Delegation: d, AutomationEnabled: true}
	}
	resolver := NewResolver(caller, zap.NewNop())
	resolver.Now = func() time.Time { return allowanceNow }
	return engineFixture{
		engine: &Engine{
			Contracts: testContracts,
			Resolver:  resolver,
			Tracker:   newTestTracker(channel, SubmitSequential),
			Records:   records,
			Logger:    zap.NewNop(),
			Now:       func() time.Time { return allowanceNow },
		},
		caller:  caller,
		channel: channel,
		records: records,
	}
}

func TestExecuteSwapPutsApprovalsBeforeAction(t *testing.T) {
	d := fullScopeDelegation()
	f := newEngineFixture(&d)
	resp, err := f.engine.Execute(context.Background(), OperationRequest{
		AccountID: "acct-1",
		Operation: "instant_unstake_kintsu",
		Fields:    map[string]string{"amount_in": "1", "min_out": "0.99", "unwrap": "true"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	subs := f.channel.submissions()
	if len(subs) != 4 {
		t.Fatalf("expected approve, permit2 approve, swap, unwrap; got %d submissions", len(subs))
	}
	want := [][]byte{
		erc20ABI.Methods["approve"].ID,
		permit2ABI.Methods["approve"].ID,
		routerABI.Methods["execute"].ID,
		wrappedABI.Methods["withdraw"].ID,
	}
	for i, sel := range want {
		if !bytes.Equal(subs[i].Executions[0].Payload[:4], sel) {
			t.Fatalf("submission %d: unexpected selector %x", i, subs[i].Executions[0].Payload[:4])
		}
	}
	if subs[0].Executions[0].Target != testContracts.KintsuStakedMonad {
		t.Fatalf("expected sMON approval first, got %s", subs[0].Executions[0].Target.Hex())
	}
	if len(f.records.activities) != 1 || f.records.activities[0].Kind != string(KindInstantUnstakeKintsu) {
		t.Fatalf("expected one activity, got %+v", f.records.activities)
	}
	if f.records.activities[0].TxHash == "" || f.records.activities[0].Automated {
		t.Fatalf("unexpected activity %+v", f.records.activities[0])
	}
}

func TestExecuteScopeViolationSubmitsNothing(t *testing.T) {
	d := fullScopeDelegation()
	d.Scope.AllowedSelectors = d.Scope.AllowedSelectors[:1] // depositMon only
	f := newEngineFixture(&d)
	_, err := f.engine.Execute(context.Background(), OperationRequest{
		AccountID: "acct-1",
		Operation: "direct_swap",
		Fields:    map[string]string{"from_token": "WMON", "to_token": "SMON", "amount_in": "1", "min_out": "0.9"},
	})
	if !clierr.HasCode(err, clierr.CodeScope) {
		t.Fatalf("expected scope violation, got %v", err)
	}
	if len(f.channel.submissions()) != 0 {
		t.Fatal("expected nothing submitted")
	}
	if f.caller.callCount() != 0 {
		t.Fatal("expected no allowance reads for an out-of-scope action")
	}
}

func TestExecuteScopeViolationOnApproval(t *testing.T) {
	d := fullScopeDelegation()
	// Drop the ERC20 approve grant; the swap itself stays in scope.
	kept := d.Scope.AllowedSelectors[:0]
	for _, sel := range d.Scope.AllowedSelectors {
		if !bytes.Equal(sel[:], erc20ABI.Methods["approve"].ID) {
			kept = append(kept, sel)
		}
	}
	d.Scope.AllowedSelectors = kept
	f := newEngineFixture(&d)
	_, err := f.engine.Execute(context.Background(), OperationRequest{
		AccountID: "acct-1",
		Operation: "direct_swap",
		Fields:    map[string]string{"from_token": "WMON", "to_token": "SMON", "amount_in": "1", "min_out": "0.9"},
	})
	if !clierr.HasCode(err, clierr.CodeScope) {
		t.Fatalf("expected scope violation, got %v", err)
	}
	if len(f.channel.submissions()) != 0 {
		t.Fatal("expected the batch to be rejected whole")
	}
}

func TestExecuteUnknownOperationBeforeAnyIO(t *testing.T) {
	f := newEngineFixture(nil)
	_, err := f.engine.Execute(context.Background(), OperationRequest{AccountID: "acct-1", Operation: "borrow"})
	if !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if f.caller.callCount() != 0 || len(f.channel.submissions()) != 0 {
		t.Fatal("expected no network activity")
	}
}

func TestExecuteMissingDelegation(t *testing.T) {
	f := newEngineFixture(nil)
	_, err := f.engine.Execute(context.Background(), OperationRequest{AccountID: "acct-1", Operation: "stake_magma", Fields: map[string]string{"amount": "1"}})
	if !clierr.HasCode(err, clierr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExecuteTimeoutIsAResultNotAnError(t *testing.T) {
	d := fullScopeDelegation()
	f := newEngineFixture(&d)
	f.channel.receipt = func(string, int) (*ledger.Receipt, error) { return nil, nil }
	f.engine.Tracker.Timeout = 20 * time.Millisecond

	resp, err := f.engine.Execute(context.Background(), OperationRequest{
		Operation:  "stake_magma",
		Fields:     map[string]string{"amount": "2"},
		Delegation: &d,
	})
	if err != nil {
		t.Fatalf("expected structured result, got error %v", err)
	}
	if resp.Success || resp.Error == "" {
		t.Fatalf("expected unsuccessful response with error text, got %+v", resp)
	}
	if len(resp.Operations) != 1 || resp.Operations[0].Status != StatusTimedOut || resp.Operations[0].RequestID == "" {
		t.Fatalf("unexpected operations %+v", resp.Operations)
	}
	if len(f.records.activities) != 0 {
		t.Fatal("expected no activity without an account id")
	}
}

func TestPlanDoesNotSubmit(t *testing.T) {
	d := fullScopeDelegation()
	f := newEngineFixture(&d)
	f.caller.erc20 = maxUint256
	f.caller.permit2 = maxUint160
	plan, err := f.engine.Plan(context.Background(), OperationRequest{
		AccountID: "acct-1",
		Operation: "direct_swap",
		Fields:    map[string]string{"from_token": "WMON", "to_token": "SMON", "amount_in": "1", "min_out": "0.9"},
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Batch) != 1 || len(plan.Allowances) != 2 {
		t.Fatalf("expected swap only with both allowances satisfied, got %+v", plan)
	}
	if len(f.channel.submissions()) != 0 {
		t.Fatal("plan must not submit")
	}
}

func TestExecuteOperationAutomatedSkipsActivity(t *testing.T) {
	d := fullScopeDelegation()
	f := newEngineFixture(&d)
	resp, err := f.engine.ExecuteOperation(context.Background(), "acct-1", StakeMagma{Amount: big.NewInt(1)}, ExecOptions{Automated: true, SkipActivity: true})
	if err != nil || !resp.Success {
		t.Fatalf("unexpected result %+v err=%v", resp, err)
	}
	if len(f.records.activities) != 0 {
		t.Fatalf("expected no activity, got %+v", f.records.activities)
	}
}

func TestOperationRequestInlineFields(t *testing.T) {
	body := `{
		"accountId": "acct-1",
		"operation": "DirectSwap",
		"fromToken": "WMON",
		"toToken": "USDC",
		"amountIn": "1.5",
		"fee": 500,
		"deadline": 1900000000000000000000,
		"unwrap": true
	}`
	var req OperationRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.AccountID != "acct-1" || req.Operation != "DirectSwap" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Fields["fee"] != "500" || req.Fields["amountIn"] != "1.5" || req.Fields["unwrap"] != "true" {
		t.Fatalf("unexpected fields %+v", req.Fields)
	}
	if req.Fields["deadline"] != "1900000000000000000000" {
		t.Fatalf("large integers must keep their literal form, got %q", req.Fields["deadline"])
	}
	if req.Delegation != nil {
		t.Fatal("expected no delegation")
	}
}
