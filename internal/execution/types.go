package execution

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-keeper/internal/delegation"
)

// Execution is one call ready to be carried by a redemption.
type Execution = delegation.Execution

type SettlementStatus string

type SubmitMode string

const (
	StatusPending   SettlementStatus = "pending"
	StatusConfirmed SettlementStatus = "confirmed"
	StatusReverted  SettlementStatus = "reverted"
	StatusTimedOut  SettlementStatus = "timed_out"
	// StatusFailed marks a group whose submission call errored; nothing landed.
	StatusFailed SettlementStatus = "failed"
	// StatusSkipped marks a group never submitted because an earlier one did not confirm.
	StatusSkipped SettlementStatus = "skipped"
)

func (s SettlementStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusReverted, StatusTimedOut:
		return true
	default:
		return false
	}
}

const (
	SubmitSequential SubmitMode = "sequential"
	SubmitAtomic     SubmitMode = "atomic"
)

func ParseSubmitMode(raw string) (SubmitMode, bool) {
	switch SubmitMode(raw) {
	case "", SubmitSequential:
		return SubmitSequential, true
	case SubmitAtomic:
		return SubmitAtomic, true
	default:
		return "", false
	}
}

type AllowanceStatus struct {
	Token     common.Address `json:"token"`
	Spender   common.Address `json:"spender"`
	Current   *big.Int       `json:"current"`
	Needed    *big.Int       `json:"needed"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Satisfied bool           `json:"satisfied"`
}

type SubmissionResult struct {
	RequestID string         `json:"request_id"`
	Target    common.Address `json:"target"`
}

type SettlementResult struct {
	RequestID  string           `json:"request_id,omitempty"`
	TxHash     string           `json:"tx_id,omitempty"`
	Target     common.Address   `json:"target"`
	Status     SettlementStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
	Executions int              `json:"executions"`
}

// Confirmed reports whether every result in the list confirmed.
func Confirmed(results []SettlementResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Status != StatusConfirmed {
			return false
		}
	}
	return true
}
