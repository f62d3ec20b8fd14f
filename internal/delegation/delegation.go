// Package delegation models a signed capability grant and the redemption
// payload the DelegationManager expects when a delegate acts under it.
package delegation

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
)

// RootAuthority marks a delegation that is not chained off another delegation.
var RootAuthority = common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

// Execution is one low-level call: target, native value and calldata.
type Execution struct {
	Target  common.Address `json:"target"`
	Value   *big.Int       `json:"value"`
	Payload hexutil.Bytes  `json:"payload"`
}

// Selector returns the leading four bytes of the payload. Payloads shorter than
// four bytes (plain value transfers) map to the zero selector.
func (e Execution) Selector() Selector {
	var sel Selector
	if len(e.Payload) >= 4 {
		copy(sel[:], e.Payload[:4])
	}
	return sel
}

func (e Execution) value() *big.Int {
	if e.Value == nil {
		return new(big.Int)
	}
	return e.Value
}

type Selector [4]byte

func (s Selector) String() string { return "0x" + hex.EncodeToString(s[:]) }

func (s Selector) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Selector) UnmarshalText(text []byte) error {
	parsed, err := ParseSelector(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseSelector(raw string) (Selector, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	buf, err := hex.DecodeString(clean)
	if err != nil || len(buf) != 4 {
		return Selector{}, fmt.Errorf("invalid function selector %q", raw)
	}
	var sel Selector
	copy(sel[:], buf)
	return sel, nil
}

// Scope is the set of targets and selectors the delegate may invoke.
type Scope struct {
	AllowedTargets   []common.Address `json:"allowed_targets"`
	AllowedSelectors []Selector       `json:"allowed_selectors"`
}

func (s Scope) AllowsTarget(target common.Address) bool {
	for _, allowed := range s.AllowedTargets {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s Scope) AllowsSelector(sel Selector) bool {
	for _, allowed := range s.AllowedSelectors {
		if allowed == sel {
			return true
		}
	}
	return false
}

type Caveat struct {
	Enforcer common.Address `json:"enforcer"`
	Terms    hexutil.Bytes  `json:"terms"`
	Args     hexutil.Bytes  `json:"args"`
}

// Delegation is immutable once issued. The engine reads it and never rewrites it.
type Delegation struct {
	Delegator common.Address `json:"delegator"`
	Delegate  common.Address `json:"delegate"`
	Authority common.Hash    `json:"authority"`
	Caveats   []Caveat       `json:"caveats"`
	Salt      *hexutil.Big   `json:"salt"`
	Signature hexutil.Bytes  `json:"signature"`
	Scope     Scope          `json:"scope"`
}

func (d Delegation) Validate() error {
	if d.Delegator == (common.Address{}) {
		return clierr.New(clierr.CodeUsage, "delegation is missing delegator")
	}
	if d.Delegate == (common.Address{}) {
		return clierr.New(clierr.CodeUsage, "delegation is missing delegate")
	}
	if len(d.Signature) == 0 {
		return clierr.New(clierr.CodeUsage, "delegation is missing signature")
	}
	if len(d.Scope.AllowedTargets) == 0 || len(d.Scope.AllowedSelectors) == 0 {
		return clierr.New(clierr.CodeUsage, "delegation scope grants no targets or selectors")
	}
	return nil
}

func (d Delegation) authority() common.Hash {
	if d.Authority == (common.Hash{}) {
		return RootAuthority
	}
	return d.Authority
}

func (d Delegation) salt() *big.Int {
	if d.Salt == nil {
		return new(big.Int)
	}
	return d.Salt.ToInt()
}

// Validate rejects the first execution whose target or selector the scope does
// not grant. Checking fails closed: an empty scope permits nothing.
func (s Scope) Validate(execs []Execution) error {
	for i, exec := range execs {
		sel := exec.Selector()
		if !s.AllowsTarget(exec.Target) {
			return clierr.New(clierr.CodeScope, fmt.Sprintf("execution %d targets %s which is outside the delegation scope", i, exec.Target.Hex()))
		}
		if !s.AllowsSelector(sel) {
			return clierr.New(clierr.CodeScope, fmt.Sprintf("execution %d calls selector %s on %s which is outside the delegation scope", i, sel, exec.Target.Hex()))
		}
	}
	return nil
}
