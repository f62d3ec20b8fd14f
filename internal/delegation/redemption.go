package delegation

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-keeper/internal/registry"
)

// ERC-7579 execution modes: call type in the first byte, default exec type.
var (
	ModeSingle = [32]byte{}
	ModeBatch  = [32]byte{0x01}
)

var (
	delegationManagerABI = mustABI(registry.DelegationManagerABI)

	delegationTupleType = mustType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "delegate", Type: "address"},
		{Name: "delegator", Type: "address"},
		{Name: "authority", Type: "bytes32"},
		{Name: "caveats", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "enforcer", Type: "address"},
			{Name: "terms", Type: "bytes"},
			{Name: "args", Type: "bytes"},
		}},
		{Name: "salt", Type: "uint256"},
		{Name: "signature", Type: "bytes"},
	})

	executionTupleType = mustType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "callData", Type: "bytes"},
	})
)

type abiCaveat struct {
	Enforcer common.Address
	Terms    []byte
	Args     []byte
}

type abiDelegation struct {
	Delegate  common.Address
	Delegator common.Address
	Authority [32]byte
	Caveats   []abiCaveat
	Salt      *big.Int
	Signature []byte
}

type abiExecution struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// Redemption is one redeemDelegations call carrying a single permission
// context and one or more executions.
type Redemption struct {
	Delegation Delegation
	Executions []Execution
}

// Mode is single for one execution and batch otherwise.
func (r Redemption) Mode() [32]byte {
	if len(r.Executions) == 1 {
		return ModeSingle
	}
	return ModeBatch
}

// PermissionContext is abi.encode(Delegation[]) for a one-link chain.
func PermissionContext(d Delegation) ([]byte, error) {
	caveats := make([]abiCaveat, 0, len(d.Caveats))
	for _, c := range d.Caveats {
		caveats = append(caveats, abiCaveat{Enforcer: c.Enforcer, Terms: nonNil(c.Terms), Args: nonNil(c.Args)})
	}
	chain := []abiDelegation{{
		Delegate:  d.Delegate,
		Delegator: d.Delegator,
		Authority: d.authority(),
		Caveats:   caveats,
		Salt:      d.salt(),
		Signature: nonNil(d.Signature),
	}}
	return abi.Arguments{{Type: delegationTupleType}}.Pack(chain)
}

// ExecutionCalldata encodes executions the way the delegator account decodes
// them for the given mode.
func ExecutionCalldata(execs []Execution) ([]byte, error) {
	switch len(execs) {
	case 0:
		return nil, fmt.Errorf("redemption has no executions")
	case 1:
		e := execs[0]
		out := make([]byte, 0, 20+32+len(e.Payload))
		out = append(out, e.Target.Bytes()...)
		out = append(out, common.LeftPadBytes(e.value().Bytes(), 32)...)
		out = append(out, e.Payload...)
		return out, nil
	default:
		batch := make([]abiExecution, 0, len(execs))
		for _, e := range execs {
			batch = append(batch, abiExecution{Target: e.Target, Value: e.value(), CallData: nonNil(e.Payload)})
		}
		return abi.Arguments{{Type: executionTupleType}}.Pack(batch)
	}
}

// Calldata is the redeemDelegations calldata submitted to the DelegationManager.
func (r Redemption) Calldata() ([]byte, error) {
	permission, err := PermissionContext(r.Delegation)
	if err != nil {
		return nil, fmt.Errorf("encode permission context: %w", err)
	}
	execData, err := ExecutionCalldata(r.Executions)
	if err != nil {
		return nil, fmt.Errorf("encode execution calldata: %w", err)
	}
	data, err := delegationManagerABI.Pack("redeemDelegations", [][]byte{permission}, [][32]byte{r.Mode()}, [][]byte{execData})
	if err != nil {
		return nil, fmt.Errorf("pack redeemDelegations: %w", err)
	}
	return data, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}
