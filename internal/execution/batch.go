package execution

import (
	"fmt"

	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
)

const DefaultBatchLimit = 8

// Assemble orders preconditions ahead of the main executions. A batch over
// limit is rejected rather than split.
func Assemble(pre, main []Execution, limit int) ([]Execution, error) {
	if len(main) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "operation produced no executions")
	}
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	total := len(pre) + len(main)
	if total > limit {
		return nil, clierr.New(clierr.CodeBatchLimit, fmt.Sprintf("batch of %d executions exceeds limit of %d", total, limit))
	}
	batch := make([]Execution, 0, total)
	batch = append(batch, pre...)
	batch = append(batch, main...)
	return batch, nil
}

// ValidateScope checks a whole batch against the delegation before anything
// is submitted.
func ValidateScope(d delegation.Delegation, batch []Execution) error {
	if len(batch) == 0 {
		return clierr.New(clierr.CodeUsage, "batch is empty")
	}
	return d.Scope.Validate(batch)
}
