package domain

import (
	"encoding/json"
	"time"

	"github.com/fedgraph/saga-system/shared/events"
	"github.com/fedgraph/saga-system/shared/models"
	"github.com/pkg/errors"
)

// SagaStatus represents the status of a saga
type SagaStatus string

const (
	SagaStatusPending      SagaStatus = "pending"
	SagaStatusRunning      SagaStatus = "running"
	SagaStatusCompleted    SagaStatus = "completed"
	SagaStatusCompensating SagaStatus = "compensating"
	SagaStatusCompensated  SagaStatus = "compensated"
	SagaStatusFailed       SagaStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusCompensated, SagaStatusFailed:
		return true
	}
	return false
}

// CompensationStrategy controls what happens when a forward step fails
type CompensationStrategy string

const (
	// StrategyAutomatic compensates completed steps as soon as a forward
	// step fails.
	StrategyAutomatic CompensationStrategy = "automatic"
	// StrategyManual parks the saga as failed; compensation is deferred to
	// an operator.
	StrategyManual CompensationStrategy = "manual"
)

// IsValid reports whether the strategy is one of the supported kinds
func (s CompensationStrategy) IsValid() bool {
	return s == StrategyAutomatic || s == StrategyManual
}

// Saga aggregate root. One saga is one distributed mutation spanning
// independently-owned subgraphs: an ordered list of forward operations, each
// paired with a compensating operation.
//
// Every persisted mutation increments Version; writers must supply the
// version they read, so concurrent workers cannot overwrite each other.
type Saga struct {
	ID              models.ID
	IdempotencyKey  string
	Steps           []SagaStep
	Status          SagaStatus
	Strategy        CompensationStrategy
	CurrentStep     int
	RetryCount      int
	LastError       string
	FailedStepIndex *int
	DeadLettered    bool
	LeaseOwner      string
	LeaseExpiresAt  *time.Time
	Timestamps      models.Timestamps
	Version         models.Version

	events []*events.Event
}

// CreateSaga factory method. Validates the step list up front; an invalid
// list fails fast with nothing persisted and nothing recorded.
func CreateSaga(steps []SagaStep, strategy CompensationStrategy, idempotencyKey string) (*Saga, error) {
	if len(steps) == 0 {
		return nil, NewValidationError("saga requires at least one step")
	}
	if !strategy.IsValid() {
		return nil, NewValidationError("unknown compensation strategy %q", strategy)
	}

	for i := range steps {
		if err := steps[i].Forward.Validate(); err != nil {
			return nil, NewValidationError("step %d: %v", i, err)
		}
		if err := steps[i].Compensation.Validate(); err != nil {
			return nil, NewValidationError("step %d: %v", i, err)
		}
		steps[i].Index = i
		steps[i].Status = StepStatusPending
	}

	saga := &Saga{
		ID:             models.GenerateUUID(),
		IdempotencyKey: idempotencyKey,
		Steps:          steps,
		Status:         SagaStatusPending,
		Strategy:       strategy,
		CurrentStep:    0,
		Timestamps:     models.NewTimestamps(),
		Version:        models.NewVersion(),
	}

	saga.recordTransition(events.SagaCreatedEvent, "", SagaStatusPending, nil, 0, "")
	return saga, nil
}

// Start marks the saga as running
func (s *Saga) Start() error {
	if s.Status != SagaStatusPending {
		return errors.Errorf("saga can only start from pending, is %s", s.Status)
	}
	from := s.Status
	s.Status = SagaStatusRunning
	s.touch()
	s.recordTransition(events.SagaStartedEvent, from, s.Status, nil, 0, "")
	return nil
}

// BeginStep marks the next step as executing. Steps within one saga never
// run concurrently, so the step must be the current one.
func (s *Saga) BeginStep(index int) error {
	if s.Status != SagaStatusRunning {
		return errors.Errorf("cannot execute step while saga is %s", s.Status)
	}
	if index != s.CurrentStep {
		return errors.Errorf("step %d is not the current step (%d)", index, s.CurrentStep)
	}
	step := &s.Steps[index]
	if step.Status != StepStatusPending {
		return errors.Errorf("step %d is %s, not pending", index, step.Status)
	}
	step.Status = StepStatusExecuting
	s.touch()
	s.recordStepTransition(events.SagaStepExecutingEvent, index, StepStatusPending, StepStatusExecuting, 0, "")
	return nil
}

// CompleteStep records a forward result and advances the current step index
func (s *Saga) CompleteStep(index int, result json.RawMessage, took time.Duration) error {
	step, err := s.executingStep(index)
	if err != nil {
		return err
	}
	now := time.Now()
	step.Status = StepStatusCompleted
	step.Result = result
	step.ExecutedAt = &now
	s.CurrentStep = index + 1
	s.touch()
	s.recordStepTransition(events.SagaStepCompletedEvent, index, StepStatusExecuting, StepStatusCompleted, took, "")
	return nil
}

// FailStep records a forward failure. Steps that never ran are marked
// skipped so a failed saga is distinguishable step by step.
func (s *Saga) FailStep(index int, cause error, took time.Duration) error {
	step, err := s.executingStep(index)
	if err != nil {
		return err
	}
	step.Status = StepStatusFailed
	step.Error = cause.Error()
	s.LastError = cause.Error()
	s.FailedStepIndex = &s.Steps[index].Index
	for i := index + 1; i < len(s.Steps); i++ {
		if s.Steps[i].Status == StepStatusPending {
			s.Steps[i].Status = StepStatusSkipped
		}
	}
	s.touch()
	s.recordStepTransition(events.SagaStepFailedEvent, index, StepStatusExecuting, StepStatusFailed, took, cause.Error())
	return nil
}

// Complete marks the saga as completed. Terminal.
func (s *Saga) Complete() error {
	if s.Status != SagaStatusRunning {
		return errors.Errorf("saga can only complete from running, is %s", s.Status)
	}
	if s.CurrentStep != len(s.Steps) {
		return errors.Errorf("saga has %d steps but only %d completed", len(s.Steps), s.CurrentStep)
	}
	from := s.Status
	s.Status = SagaStatusCompleted
	s.touch()
	s.recordTransition(events.SagaCompletedEvent, from, s.Status, nil, 0, "")
	return nil
}

// BeginCompensating moves a running saga into compensation
func (s *Saga) BeginCompensating() error {
	if s.Status != SagaStatusRunning {
		return errors.Errorf("saga can only compensate from running, is %s", s.Status)
	}
	from := s.Status
	s.Status = SagaStatusCompensating
	s.touch()
	s.recordTransition(events.SagaCompensatingEvent, from, s.Status, s.FailedStepIndex, 0, s.LastError)
	return nil
}

// BeginStepCompensation marks a completed step as compensating. Compensation
// walks from the highest-indexed completed step downward; it never skips an
// uncompensated step to reach an older one. A step already compensating is
// accepted as-is: a worker that died mid-call leaves the step in that state,
// and compensations are idempotent, so the next owner retries it.
func (s *Saga) BeginStepCompensation(index int) error {
	if s.Status != SagaStatusCompensating {
		return errors.Errorf("cannot compensate step while saga is %s", s.Status)
	}
	if next := s.NextCompensationStep(); index != next {
		return errors.Errorf("step %d is not the next compensation step (%d)", index, next)
	}
	step := &s.Steps[index]
	if step.Status == StepStatusCompensating {
		return nil
	}
	step.Status = StepStatusCompensating
	s.touch()
	s.recordStepTransition(events.SagaStepCompensatingEvent, index, StepStatusCompleted, StepStatusCompensating, 0, "")
	return nil
}

// CompleteStepCompensation marks a compensating step as compensated
func (s *Saga) CompleteStepCompensation(index int, took time.Duration) error {
	if index < 0 || index >= len(s.Steps) {
		return errors.Errorf("step index %d out of range", index)
	}
	step := &s.Steps[index]
	if step.Status != StepStatusCompensating {
		return errors.Errorf("step %d is %s, not compensating", index, step.Status)
	}
	step.Status = StepStatusCompensated
	s.touch()
	s.recordStepTransition(events.SagaStepCompensatedEvent, index, StepStatusCompensating, StepStatusCompensated, took, "")
	return nil
}

// FailStepCompensation records a compensation attempt that exhausted its
// retry budget. The step stays compensating because the side effect is
// unconfirmed either way.
func (s *Saga) FailStepCompensation(index int, cause error, took time.Duration) error {
	if index < 0 || index >= len(s.Steps) {
		return errors.Errorf("step index %d out of range", index)
	}
	step := &s.Steps[index]
	if step.Status != StepStatusCompensating {
		return errors.Errorf("step %d is %s, not compensating", index, step.Status)
	}
	step.Error = cause.Error()
	s.LastError = cause.Error()
	s.FailedStepIndex = &step.Index
	s.touch()
	s.recordStepTransition(events.SagaStepFailedEvent, index, StepStatusCompensating, StepStatusCompensating, took, cause.Error())
	return nil
}

// MarkCompensated marks the saga as fully compensated. Terminal.
func (s *Saga) MarkCompensated() error {
	if s.Status != SagaStatusCompensating {
		return errors.Errorf("saga can only be compensated from compensating, is %s", s.Status)
	}
	if next := s.NextCompensationStep(); next >= 0 {
		return errors.Errorf("step %d is not compensated yet", next)
	}
	from := s.Status
	s.Status = SagaStatusCompensated
	s.touch()
	s.recordTransition(events.SagaCompensatedEvent, from, s.Status, nil, 0, "")
	return nil
}

// Fail marks the saga as failed. Terminal.
func (s *Saga) Fail(reason string) error {
	if s.Status.IsTerminal() {
		return errors.Errorf("saga is already terminal (%s)", s.Status)
	}
	from := s.Status
	s.Status = SagaStatusFailed
	if reason != "" {
		s.LastError = reason
	}
	s.touch()
	s.recordTransition(events.SagaFailedEvent, from, s.Status, s.FailedStepIndex, 0, s.LastError)
	return nil
}

// RecordRecoveryAttempt increments the saga-level retry count. Incremented
// once per recovery pickup, not per step.
func (s *Saga) RecordRecoveryAttempt() {
	s.RetryCount++
	s.touch()
	s.recordTransition(events.SagaRecoveryAttemptedEvent, s.Status, s.Status, nil, 0, s.LastError)
}

// DeadLetter forces the saga to failed and flags it for manual remediation
func (s *Saga) DeadLetter(reason string) error {
	if err := s.Fail(reason); err != nil {
		return err
	}
	s.DeadLettered = true
	s.recordTransition(events.SagaDeadLetteredEvent, SagaStatusFailed, SagaStatusFailed, s.FailedStepIndex, 0, reason)
	return nil
}

// HighestCompletedStep returns the highest index whose step is still
// completed, or -1 when nothing remains to compensate.
func (s *Saga) HighestCompletedStep() int {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].Status == StepStatusCompleted {
			return i
		}
	}
	return -1
}

// NextCompensationStep returns the highest index still owed a compensation:
// a step that completed, or one whose compensation started but was never
// confirmed. Returns -1 when compensation is done.
func (s *Saga) NextCompensationStep() int {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		switch s.Steps[i].Status {
		case StepStatusCompleted, StepStatusCompensating:
			return i
		}
	}
	return -1
}

// PriorResults returns the result snapshots of all steps before index, in
// step order, for use as input to the next forward operation.
func (s *Saga) PriorResults(index int) []json.RawMessage {
	results := make([]json.RawMessage, 0, index)
	for i := 0; i < index && i < len(s.Steps); i++ {
		results = append(results, s.Steps[i].Result)
	}
	return results
}

// Clone returns a deep copy of the saga. Recorded events do not travel with
// the copy; they belong to the instance that produced them.
func (s *Saga) Clone() *Saga {
	clone := *s
	clone.events = nil
	clone.Steps = make([]SagaStep, len(s.Steps))
	copy(clone.Steps, s.Steps)
	for i := range clone.Steps {
		clone.Steps[i].Forward.Variables = cloneRaw(s.Steps[i].Forward.Variables)
		clone.Steps[i].Compensation.Variables = cloneRaw(s.Steps[i].Compensation.Variables)
		clone.Steps[i].Result = cloneRaw(s.Steps[i].Result)
		if s.Steps[i].ExecutedAt != nil {
			at := *s.Steps[i].ExecutedAt
			clone.Steps[i].ExecutedAt = &at
		}
	}
	if s.FailedStepIndex != nil {
		idx := *s.FailedStepIndex
		clone.FailedStepIndex = &idx
	}
	if s.LeaseExpiresAt != nil {
		at := *s.LeaseExpiresAt
		clone.LeaseExpiresAt = &at
	}
	return &clone
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// executingStep fetches a step expected to be in the executing state
func (s *Saga) executingStep(index int) (*SagaStep, error) {
	if index < 0 || index >= len(s.Steps) {
		return nil, errors.Errorf("step index %d out of range", index)
	}
	step := &s.Steps[index]
	if step.Status != StepStatusExecuting {
		return nil, errors.Errorf("step %d is %s, not executing", index, step.Status)
	}
	return step, nil
}

func (s *Saga) touch() {
	s.Timestamps = s.Timestamps.Update()
	s.Version = s.Version.Update()
}

// Events returns recorded domain events
func (s *Saga) Events() []*events.Event {
	return s.events
}

// ClearEvents clears recorded domain events
func (s *Saga) ClearEvents() {
	s.events = nil
}

func (s *Saga) recordTransition(eventType string, from, to SagaStatus, stepIndex *int, took time.Duration, errMsg string) {
	s.events = append(s.events, events.NewTransitionEvent(eventType, events.TransitionData{
		SagaID:     s.ID,
		StepIndex:  stepIndex,
		FromStatus: string(from),
		ToStatus:   string(to),
		DurationMS: took.Milliseconds(),
		Error:      errMsg,
	}))
}

func (s *Saga) recordStepTransition(eventType string, index int, from, to StepStatus, took time.Duration, errMsg string) {
	idx := index
	s.events = append(s.events, events.NewTransitionEvent(eventType, events.TransitionData{
		SagaID:     s.ID,
		StepIndex:  &idx,
		FromStatus: string(from),
		ToStatus:   string(to),
		DurationMS: took.Milliseconds(),
		Error:      errMsg,
	}))
}
