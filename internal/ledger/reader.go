package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/registry"
)

var (
	erc20ABI      = mustABI(registry.ERC20MinimalABI)
	entryPointABI = mustABI(registry.EntryPointABI)
)

// ChainReader performs the read-only calls the keeper and bundler channel need.
type ChainReader struct {
	Client EVMClient
}

func (r ChainReader) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	balance, err := r.Client.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
	}
	return balance, nil
}

func (r ChainReader) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack balanceOf", err)
	}
	out, err := r.Client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read token balance", err)
	}
	return unpackUint(erc20ABI, "balanceOf", out)
}

// EntryPointNonce reads the ERC-4337 nonce for sender under key 0.
func (r ChainReader) EntryPointNonce(ctx context.Context, entryPoint, sender common.Address) (*big.Int, error) {
	data, err := entryPointABI.Pack("getNonce", sender, new(big.Int))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack getNonce", err)
	}
	out, err := r.Client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read entry point nonce", err)
	}
	return unpackUint(entryPointABI, "getNonce", out)
}

func unpackUint(parsed abi.ABI, method string, out []byte) (*big.Int, error) {
	values, err := parsed.Unpack(method, out)
	if err != nil || len(values) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode "+method, err)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("decode %s: unexpected type %T", method, values[0]))
	}
	return v, nil
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
