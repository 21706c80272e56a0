package domain

import (
	"context"
	"encoding/json"
)

// OperationDispatcher performs the actual subgraph calls. Forward and
// compensating operations must be idempotent by external contract: recovery
// may re-invoke a call whose outcome was never persisted.
type OperationDispatcher interface {
	// ExecuteForward runs the step's forward operation. Prior step results
	// are offered as input, in step order.
	ExecuteForward(ctx context.Context, step SagaStep, priorResults []json.RawMessage) (json.RawMessage, error)

	// ExecuteCompensation runs the step's compensating operation, fed the
	// result snapshot captured when the forward operation completed.
	ExecuteCompensation(ctx context.Context, step SagaStep, captured json.RawMessage) error
}
