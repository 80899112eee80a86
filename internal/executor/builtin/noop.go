package builtin

import (
	"context"

	"github.com/kingrea/stepflow/internal/executor"
)

// Noop succeeds immediately, echoing the action as its message.
type Noop struct{}

// Execute implements executor.Executor.
func (Noop) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	if err := ctx.Err(); err != nil {
		return executor.Result{}, err
	}
	return executor.Result{
		Status:  executor.StatusSuccess,
		Message: req.Action,
		Outputs: map[string]any{req.StepID + ".action": req.Action},
	}, nil
}
