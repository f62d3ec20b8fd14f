package execution

import (
	"context"
	"time"

	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	"github.com/ggonzalez94/defi-keeper/internal/ledger"
	"github.com/ggonzalez94/defi-keeper/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval      = 2 * time.Second
	DefaultSettlementTimeout = 2 * time.Minute
)

// Tracker submits a validated batch through a channel and polls each
// submission until it reaches a terminal state or the timeout elapses.
type Tracker struct {
	Channel      ledger.Channel
	PollInterval time.Duration
	Timeout      time.Duration
	Mode         SubmitMode
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Settle never returns an error: every group gets a result so callers can see
// which sub-call confirmed, reverted, timed out or was never sent.
func (t *Tracker) Settle(ctx context.Context, d delegation.Delegation, batch []Execution) []SettlementResult {
	groups := t.groups(batch)
	results := make([]SettlementResult, 0, len(groups))
	aborted := false
	for _, group := range groups {
		target := group[0].Target
		if aborted {
			results = append(results, SettlementResult{Target: target, Status: StatusSkipped, Executions: len(group)})
			continue
		}
		result := t.settleGroup(ctx, delegation.Redemption{Delegation: d, Executions: group})
		t.Metrics.ObserveSettlement(string(result.Status))
		results = append(results, result)
		if result.Status != StatusConfirmed {
			aborted = true
		}
	}
	return results
}

func (t *Tracker) groups(batch []Execution) [][]Execution {
	if len(batch) == 0 {
		return nil
	}
	if t.Mode == SubmitAtomic {
		return [][]Execution{batch}
	}
	out := make([][]Execution, 0, len(batch))
	for i := range batch {
		out = append(out, batch[i:i+1])
	}
	return out
}

func (t *Tracker) settleGroup(ctx context.Context, r delegation.Redemption) SettlementResult {
	target := r.Executions[0].Target
	result := SettlementResult{Target: target, Status: StatusFailed, Executions: len(r.Executions)}
	log := t.logger().With(zap.String("target", target.Hex()), zap.Int("executions", len(r.Executions)))

	fees, err := t.Channel.FeeParameters(ctx)
	if err != nil {
		log.Warn("fee parameters unavailable", zap.Error(err))
		result.Error = "fee parameters: " + err.Error()
		return result
	}
	started := time.Now()
	requestID, err := t.Channel.Submit(ctx, r, fees)
	t.Metrics.ObserveSubmission(time.Since(started), err)
	if err != nil {
		log.Warn("submission failed", zap.Error(err))
		result.Error = err.Error()
		return result
	}
	log.Info("redemption submitted", zap.String("request_id", requestID))
	return t.Await(ctx, SubmissionResult{RequestID: requestID, Target: target}, len(r.Executions))
}

// Await polls one submission. Poll errors are treated as transient until the
// timeout; a timeout is a result, not an error, and keeps the request id.
func (t *Tracker) Await(ctx context.Context, sub SubmissionResult, executions int) SettlementResult {
	result := SettlementResult{RequestID: sub.RequestID, Target: sub.Target, Status: StatusPending, Executions: executions}
	waitCtx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()
	ticker := time.NewTicker(t.pollInterval())
	defer ticker.Stop()
	for {
		receipt, err := t.Channel.Receipt(waitCtx, sub.RequestID)
		if err == nil && receipt != nil {
			result.TxHash = receipt.TxHash
			if receipt.Success {
				result.Status = StatusConfirmed
			} else {
				result.Status = StatusReverted
				result.Error = receipt.Reason
				if result.Error == "" {
					result.Error = "execution reverted"
				}
			}
			return result
		}
		if err != nil {
			t.logger().Debug("receipt poll failed", zap.String("request_id", sub.RequestID), zap.Error(err))
		}
		select {
		case <-waitCtx.Done():
			result.Status = StatusTimedOut
			t.logger().Warn("settlement timed out", zap.String("request_id", sub.RequestID))
			return result
		case <-ticker.C:
		}
	}
}

func (t *Tracker) pollInterval() time.Duration {
	if t.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return t.PollInterval
}

func (t *Tracker) timeout() time.Duration {
	if t.Timeout <= 0 {
		return DefaultSettlementTimeout
	}
	return t.Timeout
}

func (t *Tracker) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}
