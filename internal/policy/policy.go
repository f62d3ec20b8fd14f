// Package policy decides when an account's position should be rebalanced
// between two liquid staking protocols.
package policy

import (
	"fmt"

	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/shopspring/decimal"
)

// ProtocolID names one side of the split.
type ProtocolID string

const (
	ProtocolMagma  ProtocolID = "magma"
	ProtocolKintsu ProtocolID = "kintsu"
)

var (
	half = decimal.NewFromFloat(0.5)

	DefaultTolerance = decimal.RequireFromString("0.05")
	DefaultMinTotal  = decimal.RequireFromString("0.01")
	DefaultMinMove   = decimal.RequireFromString("0.001")
)

// Policy targets a 50/50 split of A and B within ±Tolerance. Balances and
// thresholds are in whole tokens.
type Policy struct {
	A         ProtocolID      `json:"a" yaml:"a"`
	B         ProtocolID      `json:"b" yaml:"b"`
	Tolerance decimal.Decimal `json:"tolerance" yaml:"tolerance"`
	MinTotal  decimal.Decimal `json:"min_total" yaml:"min_total"`
	MinMove   decimal.Decimal `json:"min_move" yaml:"min_move"`
}

// RebalanceAction is the outcome of one evaluation. Amount is only
// meaningful when Act is true.
type RebalanceAction struct {
	Act    bool            `json:"act"`
	From   ProtocolID      `json:"from,omitempty"`
	To     ProtocolID      `json:"to,omitempty"`
	Amount decimal.Decimal `json:"amount"`
	RatioA decimal.Decimal `json:"ratio_a"`
	Reason string          `json:"reason"`
}

func Default() Policy {
	return Policy{
		A:         ProtocolMagma,
		B:         ProtocolKintsu,
		Tolerance: DefaultTolerance,
		MinTotal:  DefaultMinTotal,
		MinMove:   DefaultMinMove,
	}
}

func (p Policy) Validate() error {
	if p.A == "" || p.B == "" || p.A == p.B {
		return clierr.New(clierr.CodeUsage, "rebalance policy needs two distinct protocols")
	}
	if p.Tolerance.IsNegative() || p.Tolerance.GreaterThanOrEqual(half) {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("rebalance tolerance must be in [0, 0.5), got %s", p.Tolerance))
	}
	if p.MinTotal.IsNegative() || p.MinMove.IsNegative() {
		return clierr.New(clierr.CodeUsage, "rebalance thresholds must not be negative")
	}
	return nil
}

// Evaluate is pure: the same balances always yield the same action.
func (p Policy) Evaluate(balanceA, balanceB decimal.Decimal) RebalanceAction {
	if balanceA.IsNegative() || balanceB.IsNegative() {
		return RebalanceAction{Reason: "negative balance"}
	}
	total := balanceA.Add(balanceB)
	if total.LessThan(p.MinTotal) || total.IsZero() {
		return RebalanceAction{Reason: fmt.Sprintf("total %s below minimum %s", total, p.MinTotal)}
	}
	ratioA := balanceA.Div(total)
	target := total.Mul(half)

	var action RebalanceAction
	switch {
	case ratioA.GreaterThan(half.Add(p.Tolerance)):
		action = RebalanceAction{From: p.A, To: p.B, Amount: balanceA.Sub(target)}
	case ratioA.LessThan(half.Sub(p.Tolerance)):
		action = RebalanceAction{From: p.B, To: p.A, Amount: balanceB.Sub(target)}
	default:
		return RebalanceAction{RatioA: ratioA, Reason: "within tolerance"}
	}
	action.RatioA = ratioA
	if action.Amount.LessThan(p.MinMove) {
		return RebalanceAction{RatioA: ratioA, Reason: fmt.Sprintf("move %s below minimum %s", action.Amount, p.MinMove)}
	}
	action.Act = true
	action.Reason = fmt.Sprintf("ratio %s outside %s±%s", ratioA.StringFixed(4), half.StringFixed(2), p.Tolerance)
	return action
}
