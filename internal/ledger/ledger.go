// Package ledger talks to the chain: reads through an RPC node and submits
// delegation redemptions either as plain transactions from an EOA delegate or
// as ERC-4337 user operations from a smart-account delegate.
package ledger

import (
	"context"
	"math/big"

	"github.com/ggonzalez94/defi-keeper/internal/delegation"
)

// FeeParams are EIP-1559 fee caps in wei.
type FeeParams struct {
	MaxFeePerGas         *big.Int `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas *big.Int `json:"max_priority_fee_per_gas"`
}

// Receipt is the terminal outcome of a submission.
type Receipt struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash"`
	Reason  string `json:"reason,omitempty"`
}

// Channel submits redemptions asynchronously. Submit returns as soon as the
// channel accepted the request; Receipt returns nil while it is still pending.
type Channel interface {
	FeeParameters(ctx context.Context) (FeeParams, error)
	Submit(ctx context.Context, r delegation.Redemption, fees FeeParams) (string, error)
	Receipt(ctx context.Context, requestID string) (*Receipt, error)
}
