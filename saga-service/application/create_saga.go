package application

import (
	"context"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/shared/events"
	"github.com/fedgraph/saga-system/shared/logging"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// StepInput is one forward operation paired with its compensation
type StepInput struct {
	Forward      domain.OperationDescriptor `json:"forward"`
	Compensation domain.OperationDescriptor `json:"compensation"`
}

// CreateSagaCommand represents the command to create and start a saga
type CreateSagaCommand struct {
	Steps          []StepInput `json:"steps"`
	Strategy       string      `json:"strategy,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// CreateSagaResponse represents the response after accepting a saga. The
// saga runs in the background; Wait blocks until it reaches a terminal
// status for callers that want the outcome.
type CreateSagaResponse struct {
	SagaID   string `json:"saga_id"`
	Status   string `json:"status"`
	Existing bool   `json:"existing,omitempty"`

	done <-chan domain.SagaStatus
}

// Wait blocks until the saga finishes this run or ctx expires. For an
// idempotent replay of an already-known saga it returns the stored status
// immediately.
func (r *CreateSagaResponse) Wait(ctx context.Context) (domain.SagaStatus, error) {
	if r.done == nil {
		return domain.SagaStatus(r.Status), nil
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case status := <-r.done:
		return status, nil
	}
}

// CreateSaga accepts a saga, persists it and hands it to the executor on a
// background goroutine. Concurrency is bounded; past the limit, new sagas
// wait for a slot after being durably accepted.
type CreateSaga struct {
	store           domain.SagaStore
	cache           SagaCache
	executor        *ExecuteSaga
	publisher       events.Publisher
	persistRetry    RetryPolicy
	defaultStrategy domain.CompensationStrategy
	workers         *semaphore.Weighted
	logger          *logging.Logger
}

// NewCreateSaga creates a new CreateSaga use case
func NewCreateSaga(
	store domain.SagaStore,
	cache SagaCache,
	executor *ExecuteSaga,
	publisher events.Publisher,
	persistRetry RetryPolicy,
	defaultStrategy domain.CompensationStrategy,
	maxConcurrent int64,
	logger *logging.Logger,
) *CreateSaga {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &CreateSaga{
		store:           store,
		cache:           cache,
		executor:        executor,
		publisher:       publisher,
		persistRetry:    persistRetry,
		defaultStrategy: defaultStrategy,
		workers:         semaphore.NewWeighted(maxConcurrent),
		logger:          logger,
	}
}

// Execute executes the create saga use case
func (uc *CreateSaga) Execute(ctx context.Context, cmd *CreateSagaCommand) (*CreateSagaResponse, error) {
	strategy, err := uc.resolveStrategy(cmd.Strategy)
	if err != nil {
		return nil, err
	}

	if cmd.IdempotencyKey != "" {
		existing, err := uc.store.FindByIdempotencyKey(ctx, cmd.IdempotencyKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to check idempotency key")
		}
		if existing != nil {
			return uc.replay(existing), nil
		}
	}

	steps := make([]domain.SagaStep, 0, len(cmd.Steps))
	for i, input := range cmd.Steps {
		step, err := domain.NewStep(input.Forward, input.Compensation)
		if err != nil {
			return nil, domain.NewValidationError("step %d: %v", i, err)
		}
		steps = append(steps, step)
	}

	saga, err := domain.CreateSaga(steps, strategy, cmd.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	if err := retryPersist(ctx, uc.persistRetry, func() error {
		return uc.store.Create(ctx, saga)
	}); err != nil {
		// Two concurrent creates under one key race on the unique
		// constraint; the loser replays the winner's saga.
		if cmd.IdempotencyKey != "" {
			if existing, lookupErr := uc.store.FindByIdempotencyKey(ctx, cmd.IdempotencyKey); lookupErr == nil && existing != nil {
				return uc.replay(existing), nil
			}
		}
		return nil, errors.Wrap(err, "failed to persist saga")
	}

	expected := saga.Version.Value
	if err := saga.Start(); err != nil {
		return nil, err
	}
	if err := retryPersist(ctx, uc.persistRetry, func() error {
		return uc.store.ConditionalUpdate(ctx, saga, expected)
	}); err != nil {
		return nil, errors.Wrap(err, "failed to start saga")
	}
	publishEvents(ctx, uc.publisher, saga, uc.logger.WithSaga(saga.ID.String()))

	sagasStarted.Inc()

	done := make(chan domain.SagaStatus, 1)
	go uc.run(saga, done)

	return &CreateSagaResponse{
		SagaID: saga.ID.String(),
		Status: string(saga.Status),
		done:   done,
	}, nil
}

// run executes the saga once a worker slot frees up. Execution is detached
// from the caller's context: an accepted saga keeps running after the
// request that created it ends.
func (uc *CreateSaga) run(saga *domain.Saga, done chan<- domain.SagaStatus) {
	defer close(done)

	ctx := context.Background()
	log := uc.logger.WithSaga(saga.ID.String())

	if err := uc.workers.Acquire(ctx, 1); err != nil {
		log.WithError(err).Error("failed to acquire worker slot")
		return
	}
	defer uc.workers.Release(1)

	status, err := uc.executor.Run(ctx, saga)
	if err != nil {
		log.WithError(err).Warn("saga run ended early")
	}

	// Drop any read-cache entry captured while the saga was in flight so
	// polling clients see the settled status right away
	if uc.cache != nil {
		if err := uc.cache.Invalidate(ctx, saga.ID); err != nil {
			log.WithError(err).Warn("failed to invalidate saga cache entry")
		}
	}

	done <- status
}

func (uc *CreateSaga) replay(existing *domain.Saga) *CreateSagaResponse {
	return &CreateSagaResponse{
		SagaID:   existing.ID.String(),
		Status:   string(existing.Status),
		Existing: true,
	}
}

func (uc *CreateSaga) resolveStrategy(raw string) (domain.CompensationStrategy, error) {
	if raw == "" {
		return uc.defaultStrategy, nil
	}
	strategy := domain.CompensationStrategy(raw)
	if !strategy.IsValid() {
		return "", domain.NewValidationError("unknown compensation strategy %q", raw)
	}
	return strategy, nil
}
