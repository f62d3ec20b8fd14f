// Package keeper runs the automated rebalance cycle over every account that
// has automation enabled.
package keeper

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/execution"
	"github.com/ggonzalez94/defi-keeper/internal/metrics"
	"github.com/ggonzalez94/defi-keeper/internal/policy"
	"github.com/ggonzalez94/defi-keeper/internal/registry"
	"github.com/ggonzalez94/defi-keeper/internal/store"
	"github.com/gofrs/flock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultSlippageBps = 50

	tokenDecimals = 18
	maxBps        = 10_000
)

// Records lists automation-enabled accounts.
type Records interface {
	List(ctx context.Context, enabledOnly bool) ([]store.AutomationRecord, error)
}

// BalanceReader reads ERC-20 balances in base units.
type BalanceReader interface {
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// Executor runs typed operations through the engine.
type Executor interface {
	ExecuteOperation(ctx context.Context, accountID string, op execution.Operation, opts execution.ExecOptions) (execution.OperationResponse, error)
	RecordActivity(ctx context.Context, activity store.Activity)
}

// CycleReport tallies one cycle. Skipped counts accounts that were visited
// but had nothing to do or no delegation.
type CycleReport struct {
	Processed int           `json:"processed"`
	Acted     int           `json:"acted"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Accounts  []AccountRun  `json:"accounts"`
	Duration  time.Duration `json:"duration_ns"`
}

// AccountRun is the outcome for one account within a cycle.
type AccountRun struct {
	AccountID string                        `json:"account_id"`
	Action    policy.RebalanceAction        `json:"action"`
	Steps     []execution.OperationResponse `json:"steps,omitempty"`
	Error     string                        `json:"error,omitempty"`
}

type Scheduler struct {
	Records     Records
	Balances    BalanceReader
	Executor    Executor
	Policy      policy.Policy
	Contracts   registry.Contracts
	SlippageBps int64
	Fee         uint32
	Deadline    time.Duration
	Interval    time.Duration

	// LockPath, when set, holds a cross-process lock for the duration of a
	// cycle so only one keeper drives the shared delegate at a time.
	LockPath string
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time

	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// RunCycle visits every enabled account in order. A failure on one account is
// logged and counted; it never stops the cycle.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	start := time.Now()
	log := s.logger()

	if s.LockPath != "" {
		unlock, err := s.acquireCycleLock()
		if err != nil {
			s.Metrics.ObserveCycle("locked", time.Since(start), 0, 0, 0, 0)
			return CycleReport{}, err
		}
		defer unlock()
	}

	records, err := s.Records.List(ctx, true)
	if err != nil {
		s.Metrics.ObserveCycle("error", time.Since(start), 0, 0, 0, 0)
		return CycleReport{}, clierr.Wrap(clierr.CodeUnavailable, "list automation records", err)
	}

	report := CycleReport{Accounts: make([]AccountRun, 0, len(records))}
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		report.Processed++
		run, acted, err := s.processAccount(ctx, record)
		switch {
		case err != nil:
			report.Failed++
			run.Error = err.Error()
			log.Warn("account cycle failed", zap.String("account_id", record.AccountID), zap.Error(err))
		case acted:
			report.Acted++
		default:
			report.Skipped++
		}
		report.Accounts = append(report.Accounts, run)
	}
	report.Duration = time.Since(start)

	outcome := "ok"
	if report.Failed > 0 {
		outcome = "partial"
	}
	s.Metrics.ObserveCycle(outcome, report.Duration, report.Processed, report.Acted, report.Failed, report.Skipped)
	log.Info("keeper cycle finished",
		zap.Int("processed", report.Processed),
		zap.Int("acted", report.Acted),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (s *Scheduler) processAccount(ctx context.Context, record store.AutomationRecord) (run AccountRun, acted bool, err error) {
	run.AccountID = record.AccountID
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error("account cycle panicked", zap.String("account_id", record.AccountID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			acted = false
			err = clierr.New(clierr.CodeInternal, fmt.Sprintf("panic: %v", r))
		}
	}()

	if record.Delegation == nil {
		run.Action.Reason = "no delegation"
		return run, false, nil
	}
	if err := record.Delegation.Validate(); err != nil {
		return run, false, err
	}
	owner := record.Delegation.Delegator

	balanceA, balanceB, err := s.readBalances(ctx, owner)
	if err != nil {
		return run, false, err
	}
	action := s.Policy.Evaluate(balanceA, balanceB)
	run.Action = action
	if !action.Act {
		s.logger().Debug("no rebalance needed", zap.String("account_id", record.AccountID), zap.String("reason", action.Reason))
		return run, false, nil
	}

	steps, err := s.steps(action, owner)
	if err != nil {
		return run, false, err
	}
	opts := execution.ExecOptions{Delegation: record.Delegation, Automated: true, SkipActivity: true}
	for _, op := range steps {
		resp, err := s.Executor.ExecuteOperation(ctx, record.AccountID, op, opts)
		if err != nil {
			return run, false, err
		}
		run.Steps = append(run.Steps, resp)
		if !resp.Success {
			return run, false, clierr.New(clierr.CodeSubmission, fmt.Sprintf("%s did not settle: %s", op.Kind(), resp.Error))
		}
	}

	var txHash string
	if n := len(run.Steps); n > 0 {
		txHash = execution.LastTxHash(run.Steps[n-1].Operations)
	}
	s.Executor.RecordActivity(ctx, store.Activity{
		AccountID:   record.AccountID,
		Kind:        store.ActivityRebalance,
		Description: fmt.Sprintf("Rebalanced %s from %s to %s", action.Amount.StringFixed(6), action.From, action.To),
		TxHash:      txHash,
		Automated:   true,
	})
	return run, true, nil
}

// readBalances reads both positions concurrently and returns whole-token
// amounts ordered as (A, B) of the policy.
func (s *Scheduler) readBalances(ctx context.Context, owner common.Address) (decimal.Decimal, decimal.Decimal, error) {
	tokens := map[policy.ProtocolID]common.Address{
		policy.ProtocolMagma:  s.Contracts.GMON,
		policy.ProtocolKintsu: s.Contracts.KintsuStakedMonad,
	}
	order := []policy.ProtocolID{s.Policy.A, s.Policy.B}
	for _, protocol := range order {
		if token, ok := tokens[protocol]; !ok || token == (common.Address{}) {
			return decimal.Zero, decimal.Zero, clierr.New(clierr.CodeUsage, fmt.Sprintf("no position token configured for %s", protocol))
		}
	}
	balances := make([]*big.Int, len(order))

	g, gctx := errgroup.WithContext(ctx)
	for i, protocol := range order {
		token := tokens[protocol]
		g.Go(func() error {
			balance, err := s.Balances.TokenBalance(gctx, token, owner)
			if err != nil {
				return fmt.Errorf("read %s balance: %w", protocol, err)
			}
			balances[i] = balance
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return decimal.NewFromBigInt(balances[0], -tokenDecimals), decimal.NewFromBigInt(balances[1], -tokenDecimals), nil
}

// steps turns an action into the two-leg operation sequence. The second leg
// stakes the slippage-discounted amount so it never exceeds what the first
// leg released.
func (s *Scheduler) steps(action policy.RebalanceAction, owner common.Address) ([]execution.Operation, error) {
	amount := toBaseUnits(action.Amount)
	if amount.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "rebalance amount rounds to zero")
	}
	minOut := s.minOut(amount)

	switch {
	case action.From == policy.ProtocolMagma && action.To == policy.ProtocolKintsu:
		return []execution.Operation{
			execution.UnstakeMagma{Amount: amount},
			execution.StakeKintsu{Amount: minOut, Receiver: owner},
		}, nil
	case action.From == policy.ProtocolKintsu && action.To == policy.ProtocolMagma:
		return []execution.Operation{
			execution.InstantUnstakeKintsu{
				AmountIn:  amount,
				MinOut:    minOut,
				Fee:       s.fee(),
				Recipient: owner,
				Deadline:  big.NewInt(s.now().Add(s.deadline()).Unix()),
				Unwrap:    true,
			},
			execution.StakeMagma{Amount: minOut},
		}, nil
	default:
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported rebalance direction %s -> %s", action.From, action.To))
	}
}

func (s *Scheduler) minOut(amount *big.Int) *big.Int {
	bps := s.SlippageBps
	if bps < 0 || bps >= maxBps {
		bps = DefaultSlippageBps
	}
	out := new(big.Int).Mul(amount, big.NewInt(maxBps-bps))
	return out.Quo(out, big.NewInt(maxBps))
}

func toBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(tokenDecimals).Truncate(0).BigInt()
}

// Start runs a cycle immediately and then on every tick until Stop or ctx
// is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})

	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.logger().Info("starting keeper", zap.Duration("interval", interval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.stopOnce.Do(func() {
		s.logger().Info("stopping keeper")
		close(s.stopCh)
		s.wg.Wait()
	})
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunCycle(ctx); err != nil {
		s.logger().Error("keeper cycle failed", zap.Error(err))
	}
}

func (s *Scheduler) acquireCycleLock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.LockPath), 0o755); err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "create keeper lock directory", err)
	}
	lock := flock.New(s.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "acquire keeper lock", err)
	}
	if !ok {
		return nil, clierr.New(clierr.CodeBlocked, "another keeper cycle is running")
	}
	return func() { _ = lock.Unlock() }, nil
}

func (s *Scheduler) fee() uint32 {
	if s.Fee == 0 {
		return 3000
	}
	return s.Fee
}

func (s *Scheduler) deadline() time.Duration {
	if s.Deadline <= 0 {
		return 20 * time.Minute
	}
	return s.Deadline
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
