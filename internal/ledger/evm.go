package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/signer"
	"go.uber.org/zap"
)

// EVMClient is the subset of *ethclient.Client the engine uses.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var (
	fallbackTipCap  = big.NewInt(2_000_000_000)
	fallbackBaseFee = big.NewInt(1_000_000_000)
)

func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	return client, nil
}

// ChainFees reads the node's tip suggestion and latest base fee and caps the
// fee at twice the base fee plus tip.
func ChainFees(ctx context.Context, client EVMClient) (FeeParams, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = new(big.Int).Set(fallbackTipCap)
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeParams{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = fallbackBaseFee
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return FeeParams{MaxFeePerGas: feeCap, MaxPriorityFeePerGas: tipCap}, nil
}

// nonceLocks serializes submissions per chain and sender within a process.
var nonceLocks sync.Map

func nonceLock(chainID *big.Int, sender common.Address) *sync.Mutex {
	key := fmt.Sprintf("%s:%s", chainID.String(), sender.Hex())
	lock, _ := nonceLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// EVMChannel submits redemptions as EIP-1559 transactions signed by an EOA
// delegate. The request id is the transaction hash.
type EVMChannel struct {
	Client            EVMClient
	Signer            signer.Signer
	DelegationManager common.Address
	GasMultiplier     float64
	Logger            *zap.Logger

	chainOnce sync.Once
	chainID   *big.Int
	chainErr  error
}

func (c *EVMChannel) FeeParameters(ctx context.Context) (FeeParams, error) {
	return ChainFees(ctx, c.Client)
}

func (c *EVMChannel) Submit(ctx context.Context, r delegation.Redemption, fees FeeParams) (string, error) {
	if c.Signer == nil {
		return "", clierr.New(clierr.CodeSigner, "missing delegate signer")
	}
	if r.Delegation.Delegate != c.Signer.Address() {
		return "", clierr.New(clierr.CodeSigner, fmt.Sprintf("delegation names delegate %s but signer is %s", r.Delegation.Delegate.Hex(), c.Signer.Address().Hex()))
	}
	data, err := r.Calldata()
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "encode redemption", err)
	}
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return "", err
	}
	sender := c.Signer.Address()
	target := c.DelegationManager
	msg := ethereum.CallMsg{From: sender, To: &target, Value: new(big.Int), Data: data}

	lock := nonceLock(chainID, sender)
	lock.Lock()
	defer lock.Unlock()

	gasLimit, err := c.Client.EstimateGas(ctx, msg)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeSubmission, "estimate gas", err)
	}
	multiplier := c.GasMultiplier
	if multiplier <= 1 {
		multiplier = 1.2
	}
	gasLimit = uint64(float64(gasLimit) * multiplier)

	nonce, err := c.Client.PendingNonceAt(ctx, sender)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       gasLimit,
		To:        &target,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := c.Signer.SignTx(chainID, tx)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := c.Client.SendTransaction(ctx, signed); err != nil {
		return "", clierr.Wrap(clierr.CodeSubmission, "broadcast transaction", err)
	}
	c.logger().Debug("redemption broadcast", zap.String("tx_hash", signed.Hash().Hex()), zap.Uint64("nonce", nonce))
	return signed.Hash().Hex(), nil
}

func (c *EVMChannel) Receipt(ctx context.Context, requestID string) (*Receipt, error) {
	return transactionReceipt(ctx, c.Client, common.HexToHash(requestID))
}

func transactionReceipt(ctx context.Context, client EVMClient, hash common.Hash) (*Receipt, error) {
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if receipt == nil {
		return nil, nil
	}
	out := &Receipt{Success: receipt.Status == types.ReceiptStatusSuccessful, TxHash: receipt.TxHash.Hex()}
	if !out.Success {
		out.Reason = "transaction reverted on-chain"
	}
	return out, nil
}

func (c *EVMChannel) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.chainOnce.Do(func() {
		c.chainID, c.chainErr = c.Client.ChainID(ctx)
	})
	if c.chainErr != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", c.chainErr)
	}
	return c.chainID, nil
}

func (c *EVMChannel) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
