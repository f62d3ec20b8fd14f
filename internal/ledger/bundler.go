package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/httpx"
	"github.com/ggonzalez94/defi-keeper/internal/registry"
	"github.com/ggonzalez94/defi-keeper/internal/signer"
	"go.uber.org/zap"
)

var (
	smartAccountABI = mustABI(registry.SmartAccountABI)

	// Placeholder signature for gas estimation; same length as a real one.
	dummySignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

	packedUserOpArgs = abiArgs("address", "uint256", "bytes32", "bytes32", "bytes32", "uint256", "bytes32", "bytes32")
	userOpHashArgs   = abiArgs("bytes32", "address", "uint256")
)

// UserOperation is the ERC-4337 v0.7 user operation in its JSON-RPC form.
// Factory and paymaster fields are omitted: the delegate account is deployed
// and pays its own gas.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// Hash is the EntryPoint v0.7 userOpHash.
func (op UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := packedUserOpArgs.Pack(
		op.Sender,
		bigOf(op.Nonce),
		crypto.Keccak256Hash(nil),
		crypto.Keccak256Hash(op.CallData),
		packUint128Pair(bigOf(op.VerificationGasLimit), bigOf(op.CallGasLimit)),
		bigOf(op.PreVerificationGas),
		packUint128Pair(bigOf(op.MaxPriorityFeePerGas), bigOf(op.MaxFeePerGas)),
		crypto.Keccak256Hash(nil),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack user operation: %w", err)
	}
	outer, err := userOpHashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack user operation hash: %w", err)
	}
	return crypto.Keccak256Hash(outer), nil
}

type gasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

type gasPriceTier struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

type userOpReceipt struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Receipt struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipt"`
}

// BundlerChannel submits redemptions as user operations from a smart-account
// delegate whose owner key is Signer. The request id is the userOpHash.
type BundlerChannel struct {
	HTTP              *httpx.Client
	URL               string
	Client            EVMClient
	Signer            signer.Signer
	EntryPoint        common.Address
	DelegationManager common.Address
	Logger            *zap.Logger

	chainOnce sync.Once
	chainID   *big.Int
	chainErr  error
}

// FeeParameters prefers the bundler's own gas price quote and falls back to
// the chain's fee market.
func (c *BundlerChannel) FeeParameters(ctx context.Context) (FeeParams, error) {
	var tiers map[string]gasPriceTier
	err := c.HTTP.CallRPC(ctx, c.URL, "pimlico_getUserOperationGasPrice", nil, &tiers)
	if err == nil {
		if tier, ok := tiers["standard"]; ok && tier.MaxFeePerGas != nil && tier.MaxPriorityFeePerGas != nil {
			return FeeParams{MaxFeePerGas: tier.MaxFeePerGas.ToInt(), MaxPriorityFeePerGas: tier.MaxPriorityFeePerGas.ToInt()}, nil
		}
	}
	c.logger().Debug("bundler gas price unavailable, using chain fees", zap.Error(err))
	return ChainFees(ctx, c.Client)
}

func (c *BundlerChannel) Submit(ctx context.Context, r delegation.Redemption, fees FeeParams) (string, error) {
	if c.Signer == nil {
		return "", clierr.New(clierr.CodeSigner, "missing smart account owner signer")
	}
	callData, err := c.accountCallData(r)
	if err != nil {
		return "", err
	}
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return "", err
	}
	sender := r.Delegation.Delegate

	lock := nonceLock(chainID, sender)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := ChainReader{Client: c.Client}.EntryPointNonce(ctx, c.EntryPoint, sender)
	if err != nil {
		return "", err
	}
	op := UserOperation{
		Sender:               sender,
		Nonce:                (*hexutil.Big)(nonce),
		CallData:             callData,
		CallGasLimit:         (*hexutil.Big)(new(big.Int)),
		VerificationGasLimit: (*hexutil.Big)(new(big.Int)),
		PreVerificationGas:   (*hexutil.Big)(new(big.Int)),
		MaxFeePerGas:         (*hexutil.Big)(fees.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(fees.MaxPriorityFeePerGas),
		Signature:            dummySignature,
	}
	var estimate gasEstimate
	if err := c.HTTP.CallRPC(ctx, c.URL, "eth_estimateUserOperationGas", []any{op, c.EntryPoint}, &estimate); err != nil {
		return "", clierr.Wrap(clierr.CodeSubmission, "estimate user operation gas", err)
	}
	if estimate.CallGasLimit == nil || estimate.VerificationGasLimit == nil || estimate.PreVerificationGas == nil {
		return "", clierr.New(clierr.CodeSubmission, "bundler returned incomplete gas estimate")
	}
	op.CallGasLimit = estimate.CallGasLimit
	op.VerificationGasLimit = estimate.VerificationGasLimit
	op.PreVerificationGas = estimate.PreVerificationGas

	hash, err := op.Hash(c.EntryPoint, chainID)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "hash user operation", err)
	}
	sig, err := c.Signer.SignMessage(hash.Bytes())
	if err != nil {
		return "", clierr.Wrap(clierr.CodeSigner, "sign user operation", err)
	}
	op.Signature = sig

	var requestID string
	if err := c.HTTP.CallRPC(ctx, c.URL, "eth_sendUserOperation", []any{op, c.EntryPoint}, &requestID); err != nil {
		return "", clierr.Wrap(clierr.CodeSubmission, "send user operation", err)
	}
	if !strings.EqualFold(requestID, hash.Hex()) {
		c.logger().Warn("bundler returned unexpected user operation hash", zap.String("local", hash.Hex()), zap.String("bundler", requestID))
	}
	return requestID, nil
}

func (c *BundlerChannel) Receipt(ctx context.Context, requestID string) (*Receipt, error) {
	var out *userOpReceipt
	if err := c.HTTP.CallRPC(ctx, c.URL, "eth_getUserOperationReceipt", []any{requestID}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	receipt := &Receipt{Success: out.Success, TxHash: out.Receipt.TransactionHash.Hex()}
	if !out.Success {
		receipt.Reason = out.Reason
		if receipt.Reason == "" {
			receipt.Reason = "user operation reverted"
		}
	}
	return receipt, nil
}

// accountCallData wraps the redemption in the account's single-mode execute:
// DelegationManager ‖ value 0 ‖ redeemDelegations calldata.
func (c *BundlerChannel) accountCallData(r delegation.Redemption) ([]byte, error) {
	redeem, err := r.Calldata()
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode redemption", err)
	}
	inner, err := delegation.ExecutionCalldata([]delegation.Execution{{Target: c.DelegationManager, Value: new(big.Int), Payload: redeem}})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode account execution", err)
	}
	data, err := smartAccountABI.Pack("execute", delegation.ModeSingle, inner)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack account execute", err)
	}
	return data, nil
}

func (c *BundlerChannel) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.chainOnce.Do(func() {
		c.chainID, c.chainErr = c.Client.ChainID(ctx)
	})
	if c.chainErr != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", c.chainErr)
	}
	return c.chainID, nil
}

func (c *BundlerChannel) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func packUint128Pair(high, low *big.Int) [32]byte {
	var out [32]byte
	h := common.LeftPadBytes(high.Bytes(), 16)
	l := common.LeftPadBytes(low.Bytes(), 16)
	copy(out[:16], h[len(h)-16:])
	copy(out[16:], l[len(l)-16:])
	return out
}

func bigOf(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}

func abiArgs(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}
