package application

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/shared/events"
	"github.com/fedgraph/saga-system/shared/logging"
	"github.com/pkg/errors"
)

// ExecuteSaga drives a running saga forward step by step. Exactly one step
// is in flight at a time; each status change is persisted through a
// version-checked write before the next subgraph call, so any worker can
// resume from the last persisted state after a crash.
//
// A version conflict means another worker took the saga over; the local run
// stops without retrying.
type ExecuteSaga struct {
	store        domain.SagaStore
	dispatcher   domain.OperationDispatcher
	publisher    events.Publisher
	compensator  *CompensateSaga
	stepRetry    RetryPolicy
	persistRetry RetryPolicy
	logger       *logging.Logger
}

// NewExecuteSaga creates a new ExecuteSaga use case
func NewExecuteSaga(
	store domain.SagaStore,
	dispatcher domain.OperationDispatcher,
	publisher events.Publisher,
	compensator *CompensateSaga,
	stepRetry RetryPolicy,
	persistRetry RetryPolicy,
	logger *logging.Logger,
) *ExecuteSaga {
	return &ExecuteSaga{
		store:        store,
		dispatcher:   dispatcher,
		publisher:    publisher,
		compensator:  compensator,
		stepRetry:    stepRetry,
		persistRetry: persistRetry,
		logger:       logger,
	}
}

// Run executes the saga's remaining forward steps and returns the status
// the saga ended this run in. Resuming a saga whose current step was left
// executing by a crashed worker re-invokes that step; forward operations
// are idempotent by contract.
func (uc *ExecuteSaga) Run(ctx context.Context, saga *domain.Saga) (domain.SagaStatus, error) {
	if saga.Status != domain.SagaStatusRunning {
		return saga.Status, errors.Errorf("saga is %s, not running", saga.Status)
	}

	log := uc.logger.WithSaga(saga.ID.String())

	for saga.CurrentStep < len(saga.Steps) {
		if err := ctx.Err(); err != nil {
			return saga.Status, err
		}

		index := saga.CurrentStep
		if saga.Steps[index].Status != domain.StepStatusExecuting {
			expected := saga.Version.Value
			if err := saga.BeginStep(index); err != nil {
				return saga.Status, err
			}
			if err := uc.persist(ctx, saga, expected); err != nil {
				return uc.yield(log, saga, err)
			}
			uc.publish(ctx, saga, log)
		}

		start := time.Now()
		result, stepErr := uc.invokeForward(ctx, saga, index)
		took := time.Since(start)

		if stepErr != nil {
			if interrupted(ctx, stepErr) {
				log.WithField("step", index).Info("run interrupted mid-step, leaving saga for recovery")
				return saga.Status, stepErr
			}
			log.WithError(stepErr).WithField("step", index).Warn("forward step failed")
			return uc.failForward(ctx, log, saga, index, stepErr, took)
		}

		expected := saga.Version.Value
		if err := saga.CompleteStep(index, result, took); err != nil {
			return saga.Status, err
		}
		if err := uc.persist(ctx, saga, expected); err != nil {
			return uc.yield(log, saga, err)
		}
		uc.publish(ctx, saga, log)
		stepDuration.WithLabelValues(saga.Steps[index].Forward.Subgraph).Observe(took.Seconds())
	}

	expected := saga.Version.Value
	if err := saga.Complete(); err != nil {
		return saga.Status, err
	}
	if err := uc.persist(ctx, saga, expected); err != nil {
		return uc.yield(log, saga, err)
	}
	uc.publish(ctx, saga, log)

	sagasFinished.WithLabelValues(string(domain.SagaStatusCompleted)).Inc()
	log.Info("saga completed")
	return domain.SagaStatusCompleted, nil
}

// failForward records the failure, then either compensates or parks the
// saga depending on its strategy
func (uc *ExecuteSaga) failForward(ctx context.Context, log *logging.Logger, saga *domain.Saga, index int, stepErr error, took time.Duration) (domain.SagaStatus, error) {
	expected := saga.Version.Value
	if err := saga.FailStep(index, stepErr, took); err != nil {
		return saga.Status, err
	}

	if saga.Strategy == domain.StrategyAutomatic {
		if err := saga.BeginCompensating(); err != nil {
			return saga.Status, err
		}
	} else {
		if err := saga.Fail(fmt.Sprintf("step %d failed, compensation deferred to operator: %v", index, stepErr)); err != nil {
			return saga.Status, err
		}
	}

	if err := uc.persist(ctx, saga, expected); err != nil {
		return uc.yield(log, saga, err)
	}
	uc.publish(ctx, saga, log)

	if saga.Strategy == domain.StrategyAutomatic {
		return uc.compensator.Compensate(ctx, saga)
	}

	sagasFinished.WithLabelValues(string(domain.SagaStatusFailed)).Inc()
	log.WithField("step", index).Warn("saga parked for manual compensation")
	return domain.SagaStatusFailed, nil
}

// invokeForward runs one forward operation under the per-step retry budget
func (uc *ExecuteSaga) invokeForward(ctx context.Context, saga *domain.Saga, index int) (json.RawMessage, error) {
	step := saga.Steps[index]
	prior := saga.PriorResults(index)
	return retryOperation(ctx, uc.stepRetry, func() (json.RawMessage, error) {
		return uc.dispatcher.ExecuteForward(ctx, step, prior)
	})
}

func (uc *ExecuteSaga) persist(ctx context.Context, saga *domain.Saga, expectedVersion int) error {
	return retryPersist(ctx, uc.persistRetry, func() error {
		return uc.store.ConditionalUpdate(ctx, saga, expectedVersion)
	})
}

func (uc *ExecuteSaga) publish(ctx context.Context, saga *domain.Saga, log *logging.Logger) {
	publishEvents(ctx, uc.publisher, saga, log)
}

// yield ends the local run after a failed persist. A version conflict is
// expected when ownership moved; anything else is a real store fault.
func (uc *ExecuteSaga) yield(log *logging.Logger, saga *domain.Saga, err error) (domain.SagaStatus, error) {
	if errors.Is(err, domain.ErrVersionConflict) {
		log.Info("saga taken over by another worker, yielding")
	} else {
		log.WithError(err).Error("failed to persist saga state")
	}
	return saga.Status, err
}
