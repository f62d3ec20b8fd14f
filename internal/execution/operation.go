package execution

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/id"
)

type Kind string

const (
	KindStakeMagma           Kind = "stake_magma"
	KindUnstakeMagma         Kind = "unstake_magma"
	KindStakeKintsu          Kind = "stake_kintsu"
	KindRequestUnlockKintsu  Kind = "request_unlock_kintsu"
	KindRedeemKintsu         Kind = "redeem_kintsu"
	KindDirectSwap           Kind = "direct_swap"
	KindInstantUnstakeKintsu Kind = "instant_unstake_kintsu"
	KindWrapNative           Kind = "wrap_native"
	KindUnwrapWrapped        Kind = "unwrap_wrapped"
)

var kinds = []Kind{
	KindStakeMagma, KindUnstakeMagma, KindStakeKintsu, KindRequestUnlockKintsu, KindRedeemKintsu,
	KindDirectSwap, KindInstantUnstakeKintsu, KindWrapNative, KindUnwrapWrapped,
}

// Kinds lists every supported operation tag.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// ParseKind accepts snake_case, kebab-case and CamelCase spellings of a tag.
func ParseKind(raw string) (Kind, error) {
	norm := normalizeKey(raw)
	if norm == "" {
		return "", clierr.New(clierr.CodeUsage, "operation is required")
	}
	for _, k := range kinds {
		if normalizeKey(string(k)) == norm {
			return k, nil
		}
	}
	return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported operation %q", raw))
}

// Operation is a closed set: only the variants in this file implement it.
type Operation interface {
	Kind() Kind
	Validate() error
	isOperation()
}

type StakeMagma struct{ Amount *big.Int }

type UnstakeMagma struct{ Amount *big.Int }

type StakeKintsu struct {
	Amount   *big.Int
	Receiver common.Address
}

type RequestUnlockKintsu struct{ Amount *big.Int }

type RedeemKintsu struct {
	UnlockIndex *big.Int
	Receiver    common.Address
}

type DirectSwap struct {
	FromToken common.Address
	ToToken   common.Address
	AmountIn  *big.Int
	MinOut    *big.Int
	Fee       uint32
	Recipient common.Address
	Deadline  *big.Int
}

type InstantUnstakeKintsu struct {
	AmountIn  *big.Int
	MinOut    *big.Int
	Fee       uint32
	Recipient common.Address
	Deadline  *big.Int
	Unwrap    bool
}

type WrapNative struct{ Amount *big.Int }

type UnwrapWrapped struct{ Amount *big.Int }

func (StakeMagma) Kind() Kind           { return KindStakeMagma }
func (UnstakeMagma) Kind() Kind         { return KindUnstakeMagma }
func (StakeKintsu) Kind() Kind          { return KindStakeKintsu }
func (RequestUnlockKintsu) Kind() Kind  { return KindRequestUnlockKintsu }
func (RedeemKintsu) Kind() Kind         { return KindRedeemKintsu }
func (DirectSwap) Kind() Kind           { return KindDirectSwap }
func (InstantUnstakeKintsu) Kind() Kind { return KindInstantUnstakeKintsu }
func (WrapNative) Kind() Kind           { return KindWrapNative }
func (UnwrapWrapped) Kind() Kind        { return KindUnwrapWrapped }

func (StakeMagma) isOperation()           {}
func (UnstakeMagma) isOperation()         {}
func (StakeKintsu) isOperation()          {}
func (RequestUnlockKintsu) isOperation()  {}
func (RedeemKintsu) isOperation()         {}
func (DirectSwap) isOperation()           {}
func (InstantUnstakeKintsu) isOperation() {}
func (WrapNative) isOperation()           {}
func (UnwrapWrapped) isOperation()        {}

var (
	maxUint96  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))
	maxFeeTier = uint32(1<<24 - 1)
)

func (o StakeMagma) Validate() error   { return positive("amount", o.Amount, id.MaxUint256) }
func (o UnstakeMagma) Validate() error { return positive("amount", o.Amount, id.MaxUint256) }
func (o WrapNative) Validate() error   { return positive("amount", o.Amount, id.MaxUint256) }
func (o UnwrapWrapped) Validate() error {
	return positive("amount", o.Amount, id.MaxUint256)
}

func (o StakeKintsu) Validate() error {
	if err := positive("amount", o.Amount, id.MaxUint256); err != nil {
		return err
	}
	return required("receiver", o.Receiver)
}

func (o RequestUnlockKintsu) Validate() error {
	return positive("amount", o.Amount, maxUint96)
}

func (o RedeemKintsu) Validate() error {
	if o.UnlockIndex == nil || o.UnlockIndex.Sign() < 0 || o.UnlockIndex.Cmp(id.MaxUint256) > 0 {
		return clierr.New(clierr.CodeUsage, "unlock_index must be a non-negative integer")
	}
	return required("receiver", o.Receiver)
}

func (o DirectSwap) Validate() error {
	if err := required("from_token", o.FromToken); err != nil {
		return err
	}
	if err := required("to_token", o.ToToken); err != nil {
		return err
	}
	if o.FromToken == o.ToToken {
		return clierr.New(clierr.CodeUsage, "from_token and to_token must differ")
	}
	return validateSwapLeg(o.AmountIn, o.MinOut, o.Fee, o.Recipient, o.Deadline)
}

func (o InstantUnstakeKintsu) Validate() error {
	return validateSwapLeg(o.AmountIn, o.MinOut, o.Fee, o.Recipient, o.Deadline)
}

func validateSwapLeg(amountIn, minOut *big.Int, fee uint32, recipient common.Address, deadline *big.Int) error {
	if err := positive("amount_in", amountIn, id.MaxUint256); err != nil {
		return err
	}
	// A zero floor would also make the trailing unwrap withdraw nothing.
	if err := positive("min_out", minOut, id.MaxUint256); err != nil {
		return err
	}
	if fee == 0 || fee > maxFeeTier {
		return clierr.New(clierr.CodeUsage, "fee must be a positive uint24 fee tier")
	}
	if err := required("recipient", recipient); err != nil {
		return err
	}
	if deadline == nil || deadline.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, "deadline must be a positive unix timestamp")
	}
	return nil
}

func positive(field string, v, max *big.Int) error {
	if v == nil {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is required", field))
	}
	if v.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be greater than zero", field))
	}
	if v.Cmp(max) > 0 {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("%s exceeds %d-bit range", field, max.BitLen()))
	}
	return nil
}

func required(field string, addr common.Address) error {
	if addr == (common.Address{}) {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is required", field))
	}
	return nil
}

// ParseOptions supplies what a loosely-typed request may leave out.
type ParseOptions struct {
	ChainID int64
	// Account fills receiver and recipient when a request omits them.
	Account        common.Address
	Now            time.Time
	DeadlineWindow time.Duration
	DefaultFee     uint32
}

func (o ParseOptions) withDefaults() ParseOptions {
	if o.ChainID == 0 {
		o.ChainID = id.MonadTestnetChainID
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.DeadlineWindow <= 0 {
		o.DeadlineWindow = 20 * time.Minute
	}
	if o.DefaultFee == 0 {
		o.DefaultFee = 3000
	}
	return o
}

// ParseOperation builds a typed operation from request fields. Amounts are
// decimal token amounts; unlock indexes and deadlines are integers. Keys are
// matched case-insensitively with underscores ignored, so minOut and min_out
// are the same field.
func ParseOperation(kind string, fields map[string]string, opts ParseOptions) (Operation, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	f := normalizeFields(fields)

	var op Operation
	switch k {
	case KindStakeMagma:
		amount, err := f.amount("amount", 18)
		if err != nil {
			return nil, err
		}
		op = StakeMagma{Amount: amount}
	case KindUnstakeMagma:
		amount, err := f.amount("amount", 18)
		if err != nil {
			return nil, err
		}
		op = UnstakeMagma{Amount: amount}
	case KindStakeKintsu:
		amount, err := f.amount("amount", 18)
		if err != nil {
			return nil, err
		}
		receiver, err := f.address("receiver", opts.Account)
		if err != nil {
			return nil, err
		}
		op = StakeKintsu{Amount: amount, Receiver: receiver}
	case KindRequestUnlockKintsu:
		amount, err := f.amount("amount", 18)
		if err != nil {
			return nil, err
		}
		op = RequestUnlockKintsu{Amount: amount}
	case KindRedeemKintsu:
		index, err := f.integer("unlock_index", nil)
		if err != nil {
			return nil, err
		}
		receiver, err := f.address("receiver", opts.Account)
		if err != nil {
			return nil, err
		}
		op = RedeemKintsu{UnlockIndex: index, Receiver: receiver}
	case KindDirectSwap:
		from, err := id.ParseToken(f.get("from_token"), opts.ChainID)
		if err != nil {
			return nil, err
		}
		to, err := id.ParseToken(f.get("to_token"), opts.ChainID)
		if err != nil {
			return nil, err
		}
		amountIn, err := f.amount("amount_in", from.Decimals)
		if err != nil {
			return nil, err
		}
		minOut, err := f.amount("min_out", to.Decimals)
		if err != nil {
			return nil, err
		}
		fee, err := f.fee(opts.DefaultFee)
		if err != nil {
			return nil, err
		}
		recipient, err := f.address("recipient", opts.Account)
		if err != nil {
			return nil, err
		}
		deadline, err := f.integer("deadline", big.NewInt(opts.Now.Add(opts.DeadlineWindow).Unix()))
		if err != nil {
			return nil, err
		}
		op = DirectSwap{FromToken: from.Address, ToToken: to.Address, AmountIn: amountIn, MinOut: minOut, Fee: fee, Recipient: recipient, Deadline: deadline}
	case KindInstantUnstakeKintsu:
		amountIn, err := f.amount("amount_in", 18)
		if err != nil {
			return nil, err
		}
		minOut, err := f.amount("min_out", 18)
		if err != nil {
			return nil, err
		}
		fee, err := f.fee(opts.DefaultFee)
		if err != nil {
			return nil, err
		}
		recipient, err := f.address("recipient", opts.Account)
		if err != nil {
			return nil, err
		}
		deadline, err := f.integer("deadline", big.NewInt(opts.Now.Add(opts.DeadlineWindow).Unix()))
		if err != nil {
			return nil, err
		}
		unwrap, err := f.boolean("unwrap")
		if err != nil {
			return nil, err
		}
		op = InstantUnstakeKintsu{AmountIn: amountIn, MinOut: minOut, Fee: fee, Recipient: recipient, Deadline: deadline, Unwrap: unwrap}
	case KindWrapNative:
		amount, err := f.amount("amount", 18)
		if err != nil {
			return nil, err
		}
		op = WrapNative{Amount: amount}
	case KindUnwrapWrapped:
		amount, err := f.amount("amount", 18)
		if err != nil {
			return nil, err
		}
		op = UnwrapWrapped{Amount: amount}
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

type requestFields map[string]string

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

func normalizeFields(in map[string]string) requestFields {
	out := make(requestFields, len(in))
	for k, v := range in {
		out[normalizeKey(k)] = strings.TrimSpace(v)
	}
	return out
}

func (f requestFields) get(key string) string { return f[normalizeKey(key)] }

func (f requestFields) amount(key string, decimals int) (*big.Int, error) {
	raw := f.get(key)
	if raw == "" {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is required", key))
	}
	v, err := id.ParsePositiveBaseUnits(raw, decimals)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse "+key, err)
	}
	return v, nil
}

func (f requestFields) integer(key string, fallback *big.Int) (*big.Int, error) {
	raw := f.get(key)
	if raw == "" {
		if fallback == nil {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is required", key))
		}
		return fallback, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return v, nil
}

func (f requestFields) address(key string, fallback common.Address) (common.Address, error) {
	raw := f.get(key)
	if raw == "" {
		if fallback == (common.Address{}) {
			return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is required", key))
		}
		return fallback, nil
	}
	return id.ParseAddress(key, raw)
}

func (f requestFields) fee(fallback uint32) (uint32, error) {
	raw := f.get("fee")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || v == 0 || v > uint64(maxFeeTier) {
		return 0, clierr.New(clierr.CodeUsage, "fee must be a positive uint24 fee tier")
	}
	return uint32(v), nil
}

func (f requestFields) boolean(key string) (bool, error) {
	raw := f.get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be true or false", key))
	}
	return v, nil
}
