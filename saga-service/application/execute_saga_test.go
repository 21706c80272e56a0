package application

import (
	"context"
	"testing"
	"time"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/shared/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSaga_CompletesAllSteps(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 3, domain.StrategyAutomatic)

	status, err := fx.executor.Run(ctx, saga)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, status)

	// Strict order, one call per step
	assert.Equal(t, []int{0, 1, 2}, fx.dispatcher.forwardOrder)

	stored, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.CurrentStep)
	for i, step := range stored.Steps {
		assert.Equal(t, domain.StepStatusCompleted, step.Status)
		assert.JSONEq(t, `{"step":`+string(rune('0'+i))+`}`, string(step.Result))
		assert.NotNil(t, step.ExecutedAt)
	}
}

func TestExecuteSaga_RetryableFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 2, domain.StrategyAutomatic)

	fx.dispatcher.failForward(1,
		domain.NewRetryableOperationError("subgraph_unavailable", "users returned 503"),
		domain.NewRetryableOperationError("subgraph_unavailable", "users returned 503"),
	)

	status, err := fx.executor.Run(ctx, saga)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, status)
	assert.Equal(t, 3, fx.dispatcher.forwardCalls(1))
}

func TestExecuteSaga_NonRetryableFailureCompensates(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 4, domain.StrategyAutomatic)

	fx.dispatcher.failForward(2, domain.NewOperationError("mutation_rejected", "email already taken"))

	status, err := fx.executor.Run(ctx, saga)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, status)

	// No retry for a rejection, and compensation unwinds newest first
	assert.Equal(t, 1, fx.dispatcher.forwardCalls(2))
	assert.Equal(t, []int{1, 0}, fx.dispatcher.compOrder)

	// Each compensation is fed the forward result snapshot
	assert.JSONEq(t, `{"step":0}`, string(fx.dispatcher.captured[0]))
	assert.JSONEq(t, `{"step":1}`, string(fx.dispatcher.captured[1]))

	stored, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, stored.Status)
	assert.Equal(t, domain.StepStatusCompensated, stored.Steps[0].Status)
	assert.Equal(t, domain.StepStatusCompensated, stored.Steps[1].Status)
	assert.Equal(t, domain.StepStatusFailed, stored.Steps[2].Status)
	assert.Equal(t, domain.StepStatusSkipped, stored.Steps[3].Status)
	require.NotNil(t, stored.FailedStepIndex)
	assert.Equal(t, 2, *stored.FailedStepIndex)
	assert.Contains(t, stored.LastError, "email already taken")
}

func TestExecuteSaga_ManualStrategyParksSaga(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 3, domain.StrategyManual)

	fx.dispatcher.failForward(1, domain.NewOperationError("mutation_rejected", "no"))

	status, err := fx.executor.Run(ctx, saga)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusFailed, status)

	// Nothing is compensated under the manual strategy
	assert.Empty(t, fx.dispatcher.compOrder)

	stored, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusFailed, stored.Status)
	assert.False(t, stored.DeadLettered)
	assert.Equal(t, domain.StepStatusCompleted, stored.Steps[0].Status)
	assert.Equal(t, domain.StepStatusFailed, stored.Steps[1].Status)
	assert.Equal(t, domain.StepStatusSkipped, stored.Steps[2].Status)
}

func TestExecuteSaga_RetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 2, domain.StrategyAutomatic)

	// More failures than the three-attempt budget
	unavailable := domain.NewRetryableOperationError("subgraph_unavailable", "users down")
	fx.dispatcher.failForward(0, unavailable, unavailable, unavailable, unavailable)

	status, err := fx.executor.Run(ctx, saga)
	require.NoError(t, err)

	// Three attempts, then the saga unwinds; nothing completed, so there
	// is nothing to compensate
	assert.Equal(t, domain.SagaStatusCompensated, status)
	assert.Equal(t, 3, fx.dispatcher.forwardCalls(0))
	assert.Empty(t, fx.dispatcher.compOrder)

	stored, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusFailed, stored.Steps[0].Status)
	assert.Equal(t, domain.StepStatusSkipped, stored.Steps[1].Status)
}

func TestExecuteSaga_VersionConflictYields(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 2, domain.StrategyAutomatic)

	// Another worker claims the saga behind this executor's back
	acquired, err := fx.store.AcquireLease(ctx, saga.ID, "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = fx.executor.Run(ctx, saga)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	// The local attempt wrote nothing
	assert.Empty(t, fx.dispatcher.forwardOrder)
	stored, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusPending, stored.Steps[0].Status)
}

func TestExecuteSaga_ResumesMidSaga(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 3, domain.StrategyAutomatic)

	// First worker dies after step 0 completes
	expected := saga.Version.Value
	require.NoError(t, saga.BeginStep(0))
	require.NoError(t, fx.store.ConditionalUpdate(ctx, saga, expected))
	expected = saga.Version.Value
	require.NoError(t, saga.CompleteStep(0, []byte(`{"step":0}`), 0))
	require.NoError(t, fx.store.ConditionalUpdate(ctx, saga, expected))
	saga.ClearEvents()

	resumed, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)

	status, err := fx.executor.Run(ctx, resumed)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, status)

	// Only the remaining steps ran
	assert.Equal(t, []int{1, 2}, fx.dispatcher.forwardOrder)
}

func TestExecuteSaga_ResumesStepLeftExecuting(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 2, domain.StrategyAutomatic)

	// Worker died mid-call: step 0 persisted as executing
	expected := saga.Version.Value
	require.NoError(t, saga.BeginStep(0))
	require.NoError(t, fx.store.ConditionalUpdate(ctx, saga, expected))

	resumed, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)

	status, err := fx.executor.Run(ctx, resumed)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, status)
	assert.Equal(t, []int{0, 1}, fx.dispatcher.forwardOrder)
}

func TestExecuteSaga_ShutdownMidStepLeavesSagaRunning(t *testing.T) {
	for _, strategy := range []domain.CompensationStrategy{domain.StrategyAutomatic, domain.StrategyManual} {
		t.Run(string(strategy), func(t *testing.T) {
			fx := newEngineFixture(t)
			saga := newRunningSaga(t, fx.store, 3, strategy)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			fx.dispatcher.onForward(1, cancel)

			status, err := fx.executor.Run(ctx, saga)
			require.Error(t, err)
			assert.Equal(t, domain.SagaStatusRunning, status)

			// The interrupted step stays executing so recovery resumes
			// forward; nothing is failed or compensated
			assert.Empty(t, fx.dispatcher.compOrder)
			stored, err := fx.store.Get(context.Background(), saga.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.SagaStatusRunning, stored.Status)
			assert.False(t, stored.DeadLettered)
			assert.Equal(t, domain.StepStatusCompleted, stored.Steps[0].Status)
			assert.Equal(t, domain.StepStatusExecuting, stored.Steps[1].Status)
			assert.Equal(t, domain.StepStatusPending, stored.Steps[2].Status)
		})
	}
}

func TestExecuteSaga_RejectsNonRunningSaga(t *testing.T) {
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 1, domain.StrategyAutomatic)
	require.NoError(t, saga.Fail("operator intervention"))

	_, err := fx.executor.Run(context.Background(), saga)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestExecuteSaga_PublishesLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 1, domain.StrategyAutomatic)

	_, err := fx.executor.Run(ctx, saga)
	require.NoError(t, err)

	assert.Equal(t, []string{
		events.SagaStepExecutingEvent,
		events.SagaStepCompletedEvent,
		events.SagaCompletedEvent,
	}, fx.publisher.eventTypes())
}
