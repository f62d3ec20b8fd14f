package delegation

import (
	"bytes"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
)

var (
	testTarget = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testOther  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func testDelegation() Delegation {
	return Delegation{
		Delegator: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Delegate:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Signature: hexutil.Bytes{0x01, 0x02, 0x03},
		Scope: Scope{
			AllowedTargets:   []common.Address{testTarget},
			AllowedSelectors: []Selector{{0x09, 0x5e, 0xa7, 0xb3}},
		},
	}
}

func TestScopeValidateRejectsUnlistedTarget(t *testing.T) {
	d := testDelegation()
	err := d.Scope.Validate([]Execution{
		{Target: testTarget, Payload: []byte{0x09, 0x5e, 0xa7, 0xb3, 0x00}},
		{Target: testOther, Payload: []byte{0x09, 0x5e, 0xa7, 0xb3}},
	})
	if err == nil {
		t.Fatal("expected scope violation")
	}
	if !clierr.HasCode(err, clierr.CodeScope) {
		t.Fatalf("expected scope code, got %v", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte("execution 1")) {
		t.Fatalf("expected error to name the offending index, got %q", err.Error())
	}
}

func TestScopeValidateRejectsUnlistedSelector(t *testing.T) {
	d := testDelegation()
	err := d.Scope.Validate([]Execution{{Target: testTarget, Payload: []byte{0xde, 0xad, 0xbe, 0xef}}})
	if !clierr.HasCode(err, clierr.CodeScope) {
		t.Fatalf("expected scope violation, got %v", err)
	}
}

func TestScopeValidateEmptyPayloadNeedsZeroSelector(t *testing.T) {
	d := testDelegation()
	execs := []Execution{{Target: testTarget, Value: big.NewInt(1)}}
	if err := d.Scope.Validate(execs); err == nil {
		t.Fatal("expected plain transfer to be rejected without zero selector grant")
	}
	d.Scope.AllowedSelectors = append(d.Scope.AllowedSelectors, Selector{})
	if err := d.Scope.Validate(execs); err != nil {
		t.Fatalf("expected zero selector grant to allow transfer, got %v", err)
	}
}

func TestEmptyScopeFailsClosed(t *testing.T) {
	if err := (Scope{}).Validate([]Execution{{Target: testTarget, Payload: []byte{1, 2, 3, 4}}}); err == nil {
		t.Fatal("expected empty scope to reject every execution")
	}
}

func TestDelegationValidate(t *testing.T) {
	d := testDelegation()
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Signature = nil
	if err := d.Validate(); !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for unsigned delegation, got %v", err)
	}
}

func TestSelectorJSON(t *testing.T) {
	var scope Scope
	if err := json.Unmarshal([]byte(`{"allowed_targets":["0x00000000000000000000000000000000000000aa"],"allowed_selectors":["0x095ea7b3"]}`), &scope); err != nil {
		t.Fatalf("unmarshal scope: %v", err)
	}
	if len(scope.AllowedSelectors) != 1 || scope.AllowedSelectors[0].String() != "0x095ea7b3" {
		t.Fatalf("unexpected selectors: %+v", scope.AllowedSelectors)
	}
	if _, err := ParseSelector("0x0102"); err == nil {
		t.Fatal("expected short selector to fail")
	}
}

func TestSingleExecutionCalldataIsPacked(t *testing.T) {
	payload := []byte{0xaa, 0xbb}
	out, err := ExecutionCalldata([]Execution{{Target: testTarget, Value: big.NewInt(5), Payload: payload}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(out) != 20+32+len(payload) {
		t.Fatalf("unexpected packed length %d", len(out))
	}
	if common.BytesToAddress(out[:20]) != testTarget {
		t.Fatalf("unexpected target prefix %x", out[:20])
	}
	if new(big.Int).SetBytes(out[20:52]).Int64() != 5 {
		t.Fatalf("unexpected value word %x", out[20:52])
	}
	if !bytes.Equal(out[52:], payload) {
		t.Fatalf("unexpected payload suffix %x", out[52:])
	}
}

func TestBatchExecutionCalldataRoundTrips(t *testing.T) {
	execs := []Execution{
		{Target: testTarget, Payload: []byte{1, 2, 3, 4}},
		{Target: testOther, Value: big.NewInt(7), Payload: []byte{5, 6, 7, 8}},
	}
	out, err := ExecutionCalldata(execs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	values, err := abi.Arguments{{Type: executionTupleType}}.Unpack(out)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	decoded := *abi.ConvertType(values[0], new([]abiExecution)).(*[]abiExecution)
	if len(decoded) != 2 || decoded[1].Target != testOther || decoded[1].Value.Int64() != 7 {
		t.Fatalf("unexpected decoded executions: %+v", decoded)
	}
	if (Redemption{Executions: execs}).Mode() != ModeBatch {
		t.Fatal("expected batch mode for two executions")
	}
}

func TestRedemptionCalldataUsesRedeemDelegations(t *testing.T) {
	r := Redemption{
		Delegation: testDelegation(),
		Executions: []Execution{{Target: testTarget, Payload: []byte{0x09, 0x5e, 0xa7, 0xb3}}},
	}
	data, err := r.Calldata()
	if err != nil {
		t.Fatalf("calldata: %v", err)
	}
	method := delegationManagerABI.Methods["redeemDelegations"]
	if !bytes.Equal(data[:4], method.ID) {
		t.Fatalf("unexpected selector %x", data[:4])
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack args: %v", err)
	}
	modes := args[1].([][32]byte)
	if len(modes) != 1 || modes[0] != ModeSingle {
		t.Fatalf("unexpected modes %x", modes)
	}
	contexts := args[0].([][]byte)
	chain, err := abi.Arguments{{Type: delegationTupleType}}.Unpack(contexts[0])
	if err != nil {
		t.Fatalf("unpack permission context: %v", err)
	}
	if chain == nil {
		t.Fatal("expected decoded delegation chain")
	}
}

func TestExecutionCalldataRejectsEmpty(t *testing.T) {
	if _, err := ExecutionCalldata(nil); err == nil {
		t.Fatal("expected empty executions to fail")
	}
}
