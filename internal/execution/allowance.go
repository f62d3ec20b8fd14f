package execution

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ContractCaller is the read side of a chain client; *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var (
	maxUint160        = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	maxUint256        = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	hopApprovalWindow = 365 * 24 * time.Hour
)

// AllowanceRequest names the two-hop spender chain: Owner approves Token to
// Intermediate (the Permit2 registry), which in turn grants Final.
type AllowanceRequest struct {
	Token        common.Address
	Intermediate common.Address
	Final        common.Address
	Owner        common.Address
	Needed       *big.Int
}

type Resolver struct {
	Caller ContractCaller
	Logger *zap.Logger
	Now    func() time.Time
}

func NewResolver(caller ContractCaller, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{Caller: caller, Logger: logger, Now: time.Now}
}

// Resolve reads both hops fresh and returns the approvals needed to cover
// Needed, direct hop first. A failed read counts as an unmet allowance.
func (r *Resolver) Resolve(ctx context.Context, req AllowanceRequest) (AllowanceStatus, AllowanceStatus, []Execution, error) {
	if req.Needed == nil || req.Needed.Sign() <= 0 {
		return AllowanceStatus{}, AllowanceStatus{}, nil, clierr.New(clierr.CodeUsage, "allowance amount must be greater than zero")
	}
	for name, addr := range map[string]common.Address{"token": req.Token, "intermediate spender": req.Intermediate, "final spender": req.Final, "owner": req.Owner} {
		if addr == (common.Address{}) {
			return AllowanceStatus{}, AllowanceStatus{}, nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("allowance %s is required", name))
		}
	}
	now := r.now()

	var (
		directCurrent *big.Int
		hopCurrent    *big.Int
		hopExpiration uint64
		directErr     error
		hopErr        error
	)
	// Reads never fail the group; failures are recorded and handled pessimistically.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		directCurrent, directErr = r.readERC20Allowance(gctx, req.Token, req.Owner, req.Intermediate)
		return nil
	})
	g.Go(func() error {
		hopCurrent, hopExpiration, hopErr = r.readPermit2Allowance(gctx, req.Intermediate, req.Owner, req.Token, req.Final)
		return nil
	})
	_ = g.Wait()

	direct := AllowanceStatus{Token: req.Token, Spender: req.Intermediate, Current: new(big.Int), Needed: new(big.Int).Set(req.Needed)}
	if directErr != nil {
		r.logger().Warn("allowance read failed, assuming approval is needed",
			zap.String("token", req.Token.Hex()), zap.String("spender", req.Intermediate.Hex()), zap.Error(directErr))
	} else {
		direct.Current = directCurrent
		direct.Satisfied = directCurrent.Cmp(req.Needed) >= 0
	}

	hop := AllowanceStatus{Token: req.Token, Spender: req.Final, Current: new(big.Int), Needed: new(big.Int).Set(req.Needed)}
	if hopErr != nil {
		r.logger().Warn("permit2 allowance read failed, assuming approval is needed",
			zap.String("token", req.Token.Hex()), zap.String("spender", req.Final.Hex()), zap.Error(hopErr))
	} else {
		hop.Current = hopCurrent
		expired := false
		if hopExpiration != 0 {
			expiresAt := time.Unix(int64(hopExpiration), 0).UTC()
			hop.ExpiresAt = &expiresAt
			expired = !now.Before(expiresAt)
		}
		hop.Satisfied = hopCurrent.Cmp(req.Needed) >= 0 && !expired
	}

	approvals := make([]Execution, 0, 2)
	if !direct.Satisfied {
		data, err := erc20ABI.Pack("approve", req.Intermediate, maxUint256)
		if err != nil {
			return direct, hop, nil, clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
		}
		approvals = append(approvals, Execution{Target: req.Token, Value: new(big.Int), Payload: data})
	}
	if !hop.Satisfied {
		expiration := big.NewInt(now.Add(hopApprovalWindow).Unix())
		data, err := permit2ABI.Pack("approve", req.Token, req.Final, maxUint160, expiration)
		if err != nil {
			return direct, hop, nil, clierr.Wrap(clierr.CodeInternal, "pack permit2 approve calldata", err)
		}
		approvals = append(approvals, Execution{Target: req.Intermediate, Value: new(big.Int), Payload: data})
	}
	return direct, hop, approvals, nil
}

func (r *Resolver) readERC20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if r.Caller == nil {
		return nil, fmt.Errorf("no chain reader configured")
	}
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := r.Caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := erc20ABI.Unpack("allowance", out)
	if err != nil || len(values) == 0 {
		return nil, fmt.Errorf("decode allowance: %w", err)
	}
	current, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode allowance: unexpected type %T", values[0])
	}
	return current, nil
}

func (r *Resolver) readPermit2Allowance(ctx context.Context, permit2, owner, token, spender common.Address) (*big.Int, uint64, error) {
	if r.Caller == nil {
		return nil, 0, fmt.Errorf("no chain reader configured")
	}
	data, err := permit2ABI.Pack("allowance", owner, token, spender)
	if err != nil {
		return nil, 0, err
	}
	out, err := r.Caller.CallContract(ctx, ethereum.CallMsg{To: &permit2, Data: data}, nil)
	if err != nil {
		return nil, 0, err
	}
	values, err := permit2ABI.Unpack("allowance", out)
	if err != nil || len(values) < 2 {
		return nil, 0, fmt.Errorf("decode permit2 allowance: %w", err)
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("decode permit2 allowance: unexpected amount type %T", values[0])
	}
	expiration, ok := values[1].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("decode permit2 allowance: unexpected expiration type %T", values[1])
	}
	return amount, expiration.Uint64(), nil
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Resolver) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
