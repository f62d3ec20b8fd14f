// Package signer holds the delegate's signing key. One key signs every
// redemption the engine submits, whether as an EOA transaction or as the
// owner signature of a smart-account user operation.
package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
	// SignMessage signs payload with the EIP-191 personal-message prefix and
	// returns a 65-byte signature with v in {27, 28}.
	SignMessage(payload []byte) ([]byte, error)
}
