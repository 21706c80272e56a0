package application

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/saga-service/infrastructure"
	"github.com/fedgraph/saga-system/shared/events"
	"github.com/fedgraph/saga-system/shared/logging"
	"github.com/stretchr/testify/require"
)

// scriptedDispatcher fakes subgraph calls. Failures are queued per step
// index and consumed call by call, so one step can fail twice and then
// succeed.
type scriptedDispatcher struct {
	mu           sync.Mutex
	forwardErrs  map[int][]error
	compErrs     map[int][]error
	forwardHooks map[int]func()
	compHooks    map[int]func()
	forwardOrder []int
	compOrder    []int
	captured     map[int]json.RawMessage
}

func newScriptedDispatcher() *scriptedDispatcher {
	return &scriptedDispatcher{
		forwardErrs:  make(map[int][]error),
		compErrs:     make(map[int][]error),
		forwardHooks: make(map[int]func()),
		compHooks:    make(map[int]func()),
		captured:     make(map[int]json.RawMessage),
	}
}

func (d *scriptedDispatcher) failForward(index int, errs ...error) {
	d.forwardErrs[index] = append(d.forwardErrs[index], errs...)
}

func (d *scriptedDispatcher) failCompensation(index int, errs ...error) {
	d.compErrs[index] = append(d.compErrs[index], errs...)
}

// onForward runs hook once, while the forward call for index is in flight
func (d *scriptedDispatcher) onForward(index int, hook func()) {
	d.forwardHooks[index] = hook
}

// onCompensation runs hook once, while the compensation for index is in flight
func (d *scriptedDispatcher) onCompensation(index int, hook func()) {
	d.compHooks[index] = hook
}

func (d *scriptedDispatcher) ExecuteForward(ctx context.Context, step domain.SagaStep, priorResults []json.RawMessage) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.forwardOrder = append(d.forwardOrder, step.Index)
	if hook := d.forwardHooks[step.Index]; hook != nil {
		delete(d.forwardHooks, step.Index)
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errs := d.forwardErrs[step.Index]; len(errs) > 0 {
		d.forwardErrs[step.Index] = errs[1:]
		if errs[0] != nil {
			return nil, errs[0]
		}
	}
	return json.RawMessage(fmt.Sprintf(`{"step":%d}`, step.Index)), nil
}

func (d *scriptedDispatcher) ExecuteCompensation(ctx context.Context, step domain.SagaStep, captured json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.compOrder = append(d.compOrder, step.Index)
	d.captured[step.Index] = captured
	if hook := d.compHooks[step.Index]; hook != nil {
		delete(d.compHooks, step.Index)
		hook()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if errs := d.compErrs[step.Index]; len(errs) > 0 {
		d.compErrs[step.Index] = errs[1:]
		if errs[0] != nil {
			return errs[0]
		}
	}
	return nil
}

func (d *scriptedDispatcher) forwardCalls(index int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, i := range d.forwardOrder {
		if i == index {
			count++
		}
	}
	return count
}

// capturingPublisher records published events in order
type capturingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *capturingPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evts...)
	return nil
}

func (p *capturingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.events))
	for i, evt := range p.events {
		types[i] = evt.EventType
	}
	return types
}

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Base:        time.Millisecond,
		Factor:      1.5,
		Cap:         5 * time.Millisecond,
	}
}

func testLogger() *logging.Logger {
	return logging.New("saga-service-test", io.Discard)
}

type engineFixture struct {
	store       *infrastructure.MemorySagaStore
	dispatcher  *scriptedDispatcher
	publisher   *capturingPublisher
	executor    *ExecuteSaga
	compensator *CompensateSaga
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := infrastructure.NewMemorySagaStore()
	dispatcher := newScriptedDispatcher()
	publisher := &capturingPublisher{}
	logger := testLogger()

	compensator := NewCompensateSaga(store, dispatcher, publisher, fastPolicy(3), fastPolicy(3), logger)
	executor := NewExecuteSaga(store, dispatcher, publisher, compensator, fastPolicy(3), fastPolicy(3), logger)

	return &engineFixture{
		store:       store,
		dispatcher:  dispatcher,
		publisher:   publisher,
		executor:    executor,
		compensator: compensator,
	}
}

func testStepInputs(n int) []StepInput {
	inputs := make([]StepInput, n)
	for i := range inputs {
		inputs[i] = StepInput{
			Forward: domain.OperationDescriptor{
				Subgraph:  "users",
				Mutation:  domain.MutationTypeCreate,
				Typename:  fmt.Sprintf("Thing%d", i),
				Variables: json.RawMessage(`{"n":1}`),
			},
			Compensation: domain.OperationDescriptor{
				Subgraph: "users",
				Mutation: domain.MutationTypeDelete,
				Typename: fmt.Sprintf("Thing%d", i),
			},
		}
	}
	return inputs
}

// newRunningSaga persists a saga already moved to running, mirroring what
// the coordinator does before handing off to the executor
func newRunningSaga(t *testing.T, store domain.SagaStore, n int, strategy domain.CompensationStrategy) *domain.Saga {
	t.Helper()
	ctx := context.Background()

	inputs := testStepInputs(n)
	steps := make([]domain.SagaStep, 0, n)
	for _, input := range inputs {
		step, err := domain.NewStep(input.Forward, input.Compensation)
		require.NoError(t, err)
		steps = append(steps, step)
	}

	saga, err := domain.CreateSaga(steps, strategy, "")
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, saga))

	expected := saga.Version.Value
	require.NoError(t, saga.Start())
	require.NoError(t, store.ConditionalUpdate(ctx, saga, expected))
	saga.ClearEvents()
	return saga
}
