package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/id"
	"github.com/ggonzalez94/defi-keeper/internal/metrics"
	"github.com/ggonzalez94/defi-keeper/internal/registry"
	"github.com/ggonzalez94/defi-keeper/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Records is the slice of the store the engine needs.
type Records interface {
	Load(ctx context.Context, accountID string) (store.AutomationRecord, bool, error)
	AppendActivity(ctx context.Context, activity store.Activity) error
}

// OperationRequest is an already-authenticated request. Variant fields sit
// next to accountId and operation in the JSON body and are collected into Fields.
type OperationRequest struct {
	AccountID  string                 `json:"account_id"`
	Operation  string                 `json:"operation"`
	Fields     map[string]string      `json:"fields,omitempty"`
	Delegation *delegation.Delegation `json:"delegation,omitempty"`
}

func (r *OperationRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := OperationRequest{Fields: map[string]string{}}
	for key, value := range raw {
		switch normalizeKey(key) {
		case "accountid":
			if err := json.Unmarshal(value, &out.AccountID); err != nil {
				return fmt.Errorf("account_id: %w", err)
			}
		case "operation":
			if err := json.Unmarshal(value, &out.Operation); err != nil {
				return fmt.Errorf("operation: %w", err)
			}
		case "delegation":
			if string(value) == "null" {
				continue
			}
			out.Delegation = &delegation.Delegation{}
			if err := json.Unmarshal(value, out.Delegation); err != nil {
				return fmt.Errorf("delegation: %w", err)
			}
		case "fields":
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(value, &nested); err != nil {
				return fmt.Errorf("fields: %w", err)
			}
			for k, v := range nested {
				out.Fields[k] = scalarText(v)
			}
		default:
			out.Fields[key] = scalarText(value)
		}
	}
	*r = out
	return nil
}

// scalarText keeps numbers and booleans in their literal form so large
// integers never pass through float64.
func scalarText(v json.RawMessage) string {
	trimmed := bytes.TrimSpace(v)
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return string(trimmed)
}

type OperationResponse struct {
	Success    bool               `json:"success"`
	Operations []SettlementResult `json:"operations"`
	Error      string             `json:"error,omitempty"`
}

// Plan is a fully validated batch ready for submission.
type Plan struct {
	AccountID  string                `json:"account_id"`
	Kind       Kind                  `json:"operation"`
	Delegation delegation.Delegation `json:"delegation"`
	Allowances []AllowanceStatus     `json:"allowances,omitempty"`
	Batch      []Execution           `json:"executions"`
}

// ExecOptions tune one run of an already-typed operation.
type ExecOptions struct {
	Delegation   *delegation.Delegation
	Automated    bool
	SkipActivity bool
}

type Engine struct {
	ChainID        int64
	Contracts      registry.Contracts
	Resolver       *Resolver
	Tracker        *Tracker
	Records        Records
	BatchLimit     int
	SwapFee        uint32
	DeadlineWindow time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Execute parses, plans and settles a request. Validation and scope failures
// come back as errors before anything is submitted; settlement outcomes come
// back in the response.
func (e *Engine) Execute(ctx context.Context, req OperationRequest) (OperationResponse, error) {
	op, d, err := e.parse(ctx, req)
	if err != nil {
		e.Metrics.ObserveOperation(req.Operation, "rejected")
		return OperationResponse{}, err
	}
	return e.ExecuteOperation(ctx, req.AccountID, op, ExecOptions{Delegation: &d})
}

// Plan runs everything except submission.
func (e *Engine) Plan(ctx context.Context, req OperationRequest) (Plan, error) {
	op, d, err := e.parse(ctx, req)
	if err != nil {
		return Plan{}, err
	}
	return e.PlanOperation(ctx, req.AccountID, op, &d)
}

func (e *Engine) parse(ctx context.Context, req OperationRequest) (Operation, delegation.Delegation, error) {
	kind, err := ParseKind(req.Operation)
	if err != nil {
		return nil, delegation.Delegation{}, err
	}
	d, err := e.delegationFor(ctx, req.AccountID, req.Delegation)
	if err != nil {
		return nil, delegation.Delegation{}, err
	}
	op, err := ParseOperation(string(kind), req.Fields, ParseOptions{
		ChainID:        e.chainID(),
		Account:        d.Delegator,
		Now:            e.now(),
		DeadlineWindow: e.DeadlineWindow,
		DefaultFee:     e.SwapFee,
	})
	if err != nil {
		return nil, delegation.Delegation{}, err
	}
	return op, d, nil
}

func (e *Engine) PlanOperation(ctx context.Context, accountID string, op Operation, d *delegation.Delegation) (Plan, error) {
	if op == nil {
		return Plan{}, clierr.New(clierr.CodeUsage, "operation is required")
	}
	if err := op.Validate(); err != nil {
		return Plan{}, err
	}
	resolved, err := e.delegationFor(ctx, accountID, d)
	if err != nil {
		return Plan{}, err
	}
	main, err := Encode(op, EncodeContext{Contracts: e.Contracts, Account: resolved.Delegator})
	if err != nil {
		return Plan{}, err
	}
	// Out-of-scope main calls fail before any allowance read.
	if err := ValidateScope(resolved, main); err != nil {
		return Plan{}, err
	}

	plan := Plan{AccountID: accountID, Kind: op.Kind(), Delegation: resolved}
	var pre []Execution
	if token, amount, ok := SwapInput(op, e.Contracts); ok {
		if e.Resolver == nil {
			return Plan{}, clierr.New(clierr.CodeInternal, "allowance resolver is not configured")
		}
		direct, hop, approvals, err := e.Resolver.Resolve(ctx, AllowanceRequest{
			Token:        token,
			Intermediate: e.Contracts.Permit2,
			Final:        e.Contracts.UniversalRouter,
			Owner:        resolved.Delegator,
			Needed:       amount,
		})
		if err != nil {
			return Plan{}, err
		}
		plan.Allowances = []AllowanceStatus{direct, hop}
		pre = approvals
	}
	batch, err := Assemble(pre, main, e.BatchLimit)
	if err != nil {
		return Plan{}, err
	}
	if err := ValidateScope(resolved, batch); err != nil {
		return Plan{}, err
	}
	plan.Batch = batch
	return plan, nil
}

func (e *Engine) ExecuteOperation(ctx context.Context, accountID string, op Operation, opts ExecOptions) (OperationResponse, error) {
	kind := "unknown"
	if op != nil {
		kind = string(op.Kind())
	}
	plan, err := e.PlanOperation(ctx, accountID, op, opts.Delegation)
	if err != nil {
		e.Metrics.ObserveOperation(kind, "rejected")
		return OperationResponse{}, err
	}
	if e.Tracker == nil {
		return OperationResponse{}, clierr.New(clierr.CodeInternal, "submission channel is not configured")
	}
	log := e.logger().With(zap.String("account_id", accountID), zap.String("operation", kind))
	log.Info("submitting batch", zap.Int("executions", len(plan.Batch)))

	results := e.Tracker.Settle(ctx, plan.Delegation, plan.Batch)
	resp := OperationResponse{Success: Confirmed(results), Operations: results}
	if !resp.Success {
		resp.Error = firstFailure(results)
		log.Warn("batch did not settle", zap.String("error", resp.Error))
	}
	outcome := "confirmed"
	if !resp.Success {
		outcome = "unsettled"
	}
	e.Metrics.ObserveOperation(kind, outcome)

	if !opts.SkipActivity {
		e.recordActivity(ctx, store.Activity{
			AccountID:   accountID,
			Kind:        kind,
			Description: DescribeOperation(op),
			TxHash:      LastTxHash(results),
			Automated:   opts.Automated,
		})
	}
	return resp, nil
}

// Await re-polls a previously returned request id.
func (e *Engine) Await(ctx context.Context, requestID string, target common.Address) (SettlementResult, error) {
	if strings.TrimSpace(requestID) == "" {
		return SettlementResult{}, clierr.New(clierr.CodeUsage, "request id is required")
	}
	if e.Tracker == nil {
		return SettlementResult{}, clierr.New(clierr.CodeInternal, "submission channel is not configured")
	}
	return e.Tracker.Await(ctx, SubmissionResult{RequestID: requestID, Target: target}, 0), nil
}

// RecordActivity appends an entry; failures are logged, never returned.
func (e *Engine) RecordActivity(ctx context.Context, activity store.Activity) {
	e.recordActivity(ctx, activity)
}

func (e *Engine) recordActivity(ctx context.Context, activity store.Activity) {
	if e.Records == nil || strings.TrimSpace(activity.AccountID) == "" {
		return
	}
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.Timestamp.IsZero() {
		activity.Timestamp = e.now().UTC()
	}
	if err := e.Records.AppendActivity(ctx, activity); err != nil {
		e.logger().Warn("append activity failed", zap.String("account_id", activity.AccountID), zap.Error(err))
	}
}

func (e *Engine) delegationFor(ctx context.Context, accountID string, supplied *delegation.Delegation) (delegation.Delegation, error) {
	if supplied != nil {
		if err := supplied.Validate(); err != nil {
			return delegation.Delegation{}, err
		}
		return *supplied, nil
	}
	if strings.TrimSpace(accountID) == "" {
		return delegation.Delegation{}, clierr.New(clierr.CodeUsage, "account_id or delegation is required")
	}
	if e.Records == nil {
		return delegation.Delegation{}, clierr.New(clierr.CodeNotFound, "no delegation supplied and no record store configured")
	}
	record, ok, err := e.Records.Load(ctx, accountID)
	if err != nil {
		return delegation.Delegation{}, clierr.Wrap(clierr.CodeInternal, "load automation record", err)
	}
	if !ok || record.Delegation == nil {
		return delegation.Delegation{}, clierr.New(clierr.CodeNotFound, fmt.Sprintf("no delegation on record for account %s", accountID))
	}
	if err := record.Delegation.Validate(); err != nil {
		return delegation.Delegation{}, err
	}
	return *record.Delegation, nil
}

func (e *Engine) chainID() int64 {
	if e.ChainID == 0 {
		return id.MonadTestnetChainID
	}
	return e.ChainID
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func firstFailure(results []SettlementResult) string {
	for i, r := range results {
		if r.Status == StatusConfirmed {
			continue
		}
		if r.Error != "" {
			return fmt.Sprintf("execution group %d %s: %s", i, r.Status, r.Error)
		}
		return fmt.Sprintf("execution group %d %s", i, r.Status)
	}
	return "no executions settled"
}

// LastTxHash is the hash of the last confirmed group, if any.
func LastTxHash(results []SettlementResult) string {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Status == StatusConfirmed && results[i].TxHash != "" {
			return results[i].TxHash
		}
	}
	return ""
}

// DescribeOperation renders a short human-readable summary for the activity log.
func DescribeOperation(op Operation) string {
	switch o := op.(type) {
	case StakeMagma:
		return fmt.Sprintf("Stake %s MON with Magma", id.FormatDecimal(o.Amount, 18))
	case UnstakeMagma:
		return fmt.Sprintf("Unstake %s gMON from Magma", id.FormatDecimal(o.Amount, 18))
	case StakeKintsu:
		return fmt.Sprintf("Stake %s MON with Kintsu", id.FormatDecimal(o.Amount, 18))
	case RequestUnlockKintsu:
		return fmt.Sprintf("Request unlock of %s sMON from Kintsu", id.FormatDecimal(o.Amount, 18))
	case RedeemKintsu:
		return fmt.Sprintf("Redeem Kintsu unlock #%s", o.UnlockIndex.String())
	case DirectSwap:
		return fmt.Sprintf("Swap %s of %s for %s", o.AmountIn.String(), o.FromToken.Hex(), o.ToToken.Hex())
	case InstantUnstakeKintsu:
		suffix := ""
		if o.Unwrap {
			suffix = " and unwrap to MON"
		}
		return fmt.Sprintf("Instant unstake %s sMON via swap%s", id.FormatDecimal(o.AmountIn, 18), suffix)
	case WrapNative:
		return fmt.Sprintf("Wrap %s MON", id.FormatDecimal(o.Amount, 18))
	case UnwrapWrapped:
		return fmt.Sprintf("Unwrap %s WMON", id.FormatDecimal(o.Amount, 18))
	default:
		return "unknown operation"
	}
}
