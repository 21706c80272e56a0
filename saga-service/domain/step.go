package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MutationType represents the kind of mutation a step performs against a
// subgraph. Compensations are mutations too: a create is compensated by a
// delete, an update by a counter-update, a delete by a re-create.
type MutationType string

const (
	MutationTypeCreate MutationType = "create"
	MutationTypeUpdate MutationType = "update"
	MutationTypeDelete MutationType = "delete"
)

// IsValid reports whether the mutation type is one of the supported kinds
func (m MutationType) IsValid() bool {
	switch m {
	case MutationTypeCreate, MutationTypeUpdate, MutationTypeDelete:
		return true
	}
	return false
}

// OperationDescriptor identifies one mutation against one subgraph. It is
// self-describing and serializable so a crashed worker's saga can be resumed
// by any other worker.
type OperationDescriptor struct {
	Subgraph  string          `json:"subgraph"`
	Mutation  MutationType    `json:"mutation"`
	Typename  string          `json:"typename"`
	Variables json.RawMessage `json:"variables,omitempty"`
}

// Validate checks the descriptor is well formed
func (d OperationDescriptor) Validate() error {
	if d.Subgraph == "" {
		return errors.New("operation descriptor requires a subgraph")
	}
	if d.Typename == "" {
		return errors.New("operation descriptor requires a typename")
	}
	if !d.Mutation.IsValid() {
		return errors.Errorf("unsupported mutation type %q", d.Mutation)
	}
	return nil
}

// StepStatus represents the status of a single saga step
type StepStatus string

const (
	StepStatusPending      StepStatus = "pending"
	StepStatusExecuting    StepStatus = "executing"
	StepStatusCompleted    StepStatus = "completed"
	StepStatusCompensating StepStatus = "compensating"
	StepStatusCompensated  StepStatus = "compensated"
	StepStatusSkipped      StepStatus = "skipped"
	StepStatusFailed       StepStatus = "failed"
)

// SagaStep is one forward operation with its compensating operation. The
// step list is fixed when the saga is created; only status, result and
// execution time mutate afterwards.
type SagaStep struct {
	Index        int                 `json:"index"`
	Forward      OperationDescriptor `json:"forward"`
	Compensation OperationDescriptor `json:"compensation"`
	Status       StepStatus          `json:"status"`
	Result       json.RawMessage     `json:"result,omitempty"`
	Error        string              `json:"error,omitempty"`
	ExecutedAt   *time.Time          `json:"executed_at,omitempty"`
}

// NewStep builds a pending step from its forward and compensating
// descriptors. The index is assigned by the saga factory.
func NewStep(forward, compensation OperationDescriptor) (SagaStep, error) {
	if err := forward.Validate(); err != nil {
		return SagaStep{}, errors.Wrap(err, "invalid forward operation")
	}
	if err := compensation.Validate(); err != nil {
		return SagaStep{}, errors.Wrap(err, "invalid compensating operation")
	}
	return SagaStep{
		Forward:      forward,
		Compensation: compensation,
		Status:       StepStatusPending,
	}, nil
}
