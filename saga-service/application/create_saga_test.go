package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCreateSaga(fx *engineFixture) *CreateSaga {
	return NewCreateSaga(fx.store, nil, fx.executor, fx.publisher, fastPolicy(3), domain.StrategyAutomatic, 4, testLogger())
}

func TestCreateSaga_Execute(t *testing.T) {
	tests := []struct {
		name          string
		cmd           *CreateSagaCommand
		expectedError string
	}{
		{
			name: "valid saga",
			cmd:  &CreateSagaCommand{Steps: testStepInputs(2)},
		},
		{
			name:          "no steps",
			cmd:           &CreateSagaCommand{},
			expectedError: "at least one step",
		},
		{
			name: "unknown strategy",
			cmd: &CreateSagaCommand{
				Steps:    testStepInputs(1),
				Strategy: "eventually",
			},
			expectedError: "unknown compensation strategy",
		},
		{
			name: "invalid step descriptor",
			cmd: &CreateSagaCommand{
				Steps: []StepInput{
					{
						Forward:      domain.OperationDescriptor{Mutation: domain.MutationTypeCreate, Typename: "User"},
						Compensation: domain.OperationDescriptor{Subgraph: "users", Mutation: domain.MutationTypeDelete, Typename: "User"},
					},
				},
			},
			expectedError: "requires a subgraph",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newEngineFixture(t)
			uc := newCreateSaga(fx)

			response, err := uc.Execute(context.Background(), tt.cmd)

			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
				assert.True(t, domain.IsValidationError(err))
				assert.Nil(t, response)
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, response.SagaID)
			assert.Equal(t, string(domain.SagaStatusRunning), response.Status)
			assert.False(t, response.Existing)
		})
	}
}

func TestCreateSaga_WaitForOutcome(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	uc := newCreateSaga(fx)

	response, err := uc.Execute(ctx, &CreateSagaCommand{Steps: testStepInputs(3)})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status, err := response.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, status)

	assert.Equal(t, []int{0, 1, 2}, fx.dispatcher.forwardOrder)
}

func TestCreateSaga_FailureCompensatesInBackground(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	uc := newCreateSaga(fx)

	fx.dispatcher.failForward(1, domain.NewOperationError("mutation_rejected", "no"))

	response, err := uc.Execute(ctx, &CreateSagaCommand{Steps: testStepInputs(2)})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status, err := response.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, status)
}

func TestCreateSaga_ConcurrentCreations(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	uc := newCreateSaga(fx)

	const n = 100
	responses := make([]*CreateSagaResponse, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			response, err := uc.Execute(ctx, &CreateSagaCommand{Steps: testStepInputs(3)})
			assert.NoError(t, err)
			responses[i] = response
		}(i)
	}
	wg.Wait()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Every creation got its own saga, and every saga settled with all
	// three steps persisted
	seen := make(map[string]bool, n)
	for _, response := range responses {
		require.NotNil(t, response)
		assert.False(t, seen[response.SagaID])
		seen[response.SagaID] = true

		status, err := response.Wait(waitCtx)
		require.NoError(t, err)
		assert.Equal(t, domain.SagaStatusCompleted, status)

		id, err := models.NewID(response.SagaID)
		require.NoError(t, err)
		stored, err := fx.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.SagaStatusCompleted, stored.Status)
		require.Len(t, stored.Steps, 3)
		for _, step := range stored.Steps {
			assert.Equal(t, domain.StepStatusCompleted, step.Status)
		}
	}
	assert.Len(t, seen, n)
}

func TestCreateSaga_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	uc := newCreateSaga(fx)

	first, err := uc.Execute(ctx, &CreateSagaCommand{
		Steps:          testStepInputs(1),
		IdempotencyKey: "order-42",
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = first.Wait(waitCtx)
	require.NoError(t, err)

	// Same key returns the same saga without running anything again
	second, err := uc.Execute(ctx, &CreateSagaCommand{
		Steps:          testStepInputs(1),
		IdempotencyKey: "order-42",
	})
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.SagaID, second.SagaID)
	assert.Equal(t, string(domain.SagaStatusCompleted), second.Status)
	assert.Equal(t, 1, fx.dispatcher.forwardCalls(0))

	// Wait on a replay resolves immediately to the stored status
	status, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, status)
}

type recordingCache struct {
	mu          sync.Mutex
	invalidated []models.ID
}

func (c *recordingCache) Get(ctx context.Context, id models.ID) (*domain.Saga, error) { return nil, nil }
func (c *recordingCache) Set(ctx context.Context, saga *domain.Saga) error            { return nil }

func (c *recordingCache) Invalidate(ctx context.Context, id models.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, id)
	return nil
}

func TestCreateSaga_InvalidatesCacheOnceSettled(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	cache := &recordingCache{}
	uc := NewCreateSaga(fx.store, cache, fx.executor, fx.publisher, fastPolicy(3), domain.StrategyAutomatic, 4, testLogger())

	response, err := uc.Execute(ctx, &CreateSagaCommand{Steps: testStepInputs(1)})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = response.Wait(waitCtx)
	require.NoError(t, err)

	id, err := models.NewID(response.SagaID)
	require.NoError(t, err)
	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Equal(t, []models.ID{id}, cache.invalidated)
}

func TestCreateSaga_DefaultStrategyApplied(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	uc := NewCreateSaga(fx.store, nil, fx.executor, fx.publisher, fastPolicy(3), domain.StrategyManual, 4, testLogger())

	response, err := uc.Execute(ctx, &CreateSagaCommand{Steps: testStepInputs(1)})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = response.Wait(waitCtx)
	require.NoError(t, err)

	id, err := models.NewID(response.SagaID)
	require.NoError(t, err)
	stored, err := fx.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyManual, stored.Strategy)
}
