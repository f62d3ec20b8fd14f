package execution

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/registry"
)

// Universal Router command byte for an exact-input V3 swap.
const commandV3SwapExactIn byte = 0x00

var (
	erc20ABI      = mustABI(registry.ERC20MinimalABI)
	wrappedABI    = mustABI(registry.WrappedNativeABI)
	magmaABI      = mustABI(registry.MagmaStakingABI)
	kintsuABI     = mustABI(registry.KintsuStakedMonadABI)
	permit2ABI    = mustABI(registry.Permit2ABI)
	routerABI     = mustABI(registry.UniversalRouterABI)
	v3SwapExactIn = mustArguments("address", "uint256", "uint256", "bytes", "bool")
	zeroValue     = new(big.Int)
)

// EncodeContext carries the deployments calls are addressed to.
type EncodeContext struct {
	Contracts registry.Contracts
	Account   common.Address
}

// Encode maps an operation to the executions that perform it. It touches no
// network and has no side effects.
func Encode(op Operation, ec EncodeContext) ([]Execution, error) {
	if op == nil {
		return nil, clierr.New(clierr.CodeUsage, "operation is required")
	}
	c := ec.Contracts
	switch o := op.(type) {
	case StakeMagma:
		return single(c.MagmaStaking, o.Amount, magmaABI, "depositMon")
	case UnstakeMagma:
		return single(c.MagmaStaking, zeroValue, magmaABI, "withdrawMon", o.Amount)
	case StakeKintsu:
		return single(c.KintsuStakedMonad, o.Amount, kintsuABI, "deposit", new(big.Int), o.Receiver)
	case RequestUnlockKintsu:
		return single(c.KintsuStakedMonad, zeroValue, kintsuABI, "requestUnlock", o.Amount, new(big.Int))
	case RedeemKintsu:
		return single(c.KintsuStakedMonad, zeroValue, kintsuABI, "redeem", o.UnlockIndex, o.Receiver)
	case WrapNative:
		return single(c.WMON, o.Amount, wrappedABI, "deposit")
	case UnwrapWrapped:
		return single(c.WMON, zeroValue, wrappedABI, "withdraw", o.Amount)
	case DirectSwap:
		swap, err := encodeSwap(c.UniversalRouter, o.FromToken, o.ToToken, o.Fee, o.Recipient, o.AmountIn, o.MinOut, o.Deadline)
		if err != nil {
			return nil, err
		}
		return []Execution{swap}, nil
	case InstantUnstakeKintsu:
		swap, err := encodeSwap(c.UniversalRouter, c.KintsuStakedMonad, c.WMON, o.Fee, o.Recipient, o.AmountIn, o.MinOut, o.Deadline)
		if err != nil {
			return nil, err
		}
		out := []Execution{swap}
		if o.Unwrap {
			unwrap, err := single(c.WMON, zeroValue, wrappedABI, "withdraw", o.MinOut)
			if err != nil {
				return nil, err
			}
			out = append(out, unwrap...)
		}
		return out, nil
	default:
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported operation %T", op))
	}
}

// SwapPath is the packed V3 path tokenIn ‖ fee(3 bytes, big-endian) ‖ tokenOut.
func SwapPath(tokenIn, tokenOut common.Address, fee uint32) []byte {
	path := make([]byte, 0, 43)
	path = append(path, tokenIn.Bytes()...)
	path = append(path, byte(fee>>16), byte(fee>>8), byte(fee))
	path = append(path, tokenOut.Bytes()...)
	return path
}

// SwapInput is the tokenIn spent by a swap-bearing operation, or false for
// operations that move native value or protocol shares directly.
func SwapInput(op Operation, c registry.Contracts) (common.Address, *big.Int, bool) {
	switch o := op.(type) {
	case DirectSwap:
		return o.FromToken, o.AmountIn, true
	case InstantUnstakeKintsu:
		return c.KintsuStakedMonad, o.AmountIn, true
	default:
		return common.Address{}, nil, false
	}
}

func encodeSwap(router, tokenIn, tokenOut common.Address, fee uint32, recipient common.Address, amountIn, minOut, deadline *big.Int) (Execution, error) {
	path := SwapPath(tokenIn, tokenOut, fee)
	input, err := v3SwapExactIn.Pack(recipient, amountIn, minOut, path, true)
	if err != nil {
		return Execution{}, clierr.Wrap(clierr.CodeInternal, "pack swap input", err)
	}
	data, err := routerABI.Pack("execute", []byte{commandV3SwapExactIn}, [][]byte{input}, deadline)
	if err != nil {
		return Execution{}, clierr.Wrap(clierr.CodeInternal, "pack router execute", err)
	}
	return Execution{Target: router, Value: new(big.Int), Payload: data}, nil
}

func single(target common.Address, value *big.Int, parsed abi.ABI, method string, args ...any) ([]Execution, error) {
	if target == (common.Address{}) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("no contract configured for %s", method))
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack "+method+" calldata", err)
	}
	return []Execution{{Target: target, Value: new(big.Int).Set(value), Payload: data}}, nil
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustArguments(types ...string) abi.Arguments {
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
