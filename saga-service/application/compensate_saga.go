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

// CompensateSaga unwinds a compensating saga: completed steps are
// compensated newest first, each fed the result snapshot its forward
// operation captured. Steps that never completed are left alone.
//
// A compensation that exhausts its retry budget dead-letters the saga;
// nothing is rolled forward again after that.
type CompensateSaga struct {
	store        domain.SagaStore
	dispatcher   domain.OperationDispatcher
	publisher    events.Publisher
	compRetry    RetryPolicy
	persistRetry RetryPolicy
	logger       *logging.Logger
}

// NewCompensateSaga creates a new CompensateSaga use case
func NewCompensateSaga(
	store domain.SagaStore,
	dispatcher domain.OperationDispatcher,
	publisher events.Publisher,
	compRetry RetryPolicy,
	persistRetry RetryPolicy,
	logger *logging.Logger,
) *CompensateSaga {
	return &CompensateSaga{
		store:        store,
		dispatcher:   dispatcher,
		publisher:    publisher,
		compRetry:    compRetry,
		persistRetry: persistRetry,
		logger:       logger,
	}
}

// Compensate unwinds the saga and returns the terminal status it reached.
// A step left compensating by a crashed worker is retried first; its
// compensation is idempotent by contract.
func (uc *CompensateSaga) Compensate(ctx context.Context, saga *domain.Saga) (domain.SagaStatus, error) {
	if saga.Status != domain.SagaStatusCompensating {
		return saga.Status, errors.Errorf("saga is %s, not compensating", saga.Status)
	}

	log := uc.logger.WithSaga(saga.ID.String())

	for {
		index := saga.NextCompensationStep()
		if index < 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return saga.Status, err
		}

		if saga.Steps[index].Status == domain.StepStatusCompleted {
			expected := saga.Version.Value
			if err := saga.BeginStepCompensation(index); err != nil {
				return saga.Status, err
			}
			if err := uc.persist(ctx, saga, expected); err != nil {
				return uc.yield(log, saga, err)
			}
			uc.publish(ctx, saga, log)
		}

		start := time.Now()
		compErr := uc.invokeCompensation(ctx, saga.Steps[index])
		took := time.Since(start)

		if compErr != nil {
			if interrupted(ctx, compErr) {
				log.WithField("step", index).Info("run interrupted mid-compensation, leaving saga for recovery")
				return saga.Status, compErr
			}
			return uc.deadLetter(ctx, log, saga, index, compErr, took)
		}

		expected := saga.Version.Value
		if err := saga.CompleteStepCompensation(index, took); err != nil {
			return saga.Status, err
		}
		if err := uc.persist(ctx, saga, expected); err != nil {
			return uc.yield(log, saga, err)
		}
		uc.publish(ctx, saga, log)
		compensationsTotal.WithLabelValues("compensated").Inc()
	}

	expected := saga.Version.Value
	if err := saga.MarkCompensated(); err != nil {
		return saga.Status, err
	}
	if err := uc.persist(ctx, saga, expected); err != nil {
		return uc.yield(log, saga, err)
	}
	uc.publish(ctx, saga, log)

	sagasFinished.WithLabelValues(string(domain.SagaStatusCompensated)).Inc()
	log.Info("saga compensated")
	return domain.SagaStatusCompensated, nil
}

// deadLetter parks the saga after a compensation ran out of retries
func (uc *CompensateSaga) deadLetter(ctx context.Context, log *logging.Logger, saga *domain.Saga, index int, compErr error, took time.Duration) (domain.SagaStatus, error) {
	expected := saga.Version.Value
	if err := saga.FailStepCompensation(index, compErr, took); err != nil {
		return saga.Status, err
	}
	if err := saga.DeadLetter(fmt.Sprintf("compensation of step %d exhausted retries: %v", index, compErr)); err != nil {
		return saga.Status, err
	}
	if err := uc.persist(ctx, saga, expected); err != nil {
		return uc.yield(log, saga, err)
	}
	uc.publish(ctx, saga, log)

	compensationsTotal.WithLabelValues("failed").Inc()
	deadLettersTotal.Inc()
	sagasFinished.WithLabelValues(string(domain.SagaStatusFailed)).Inc()
	log.WithError(compErr).WithField("step", index).Error("saga dead-lettered")
	return domain.SagaStatusFailed, nil
}

// invokeCompensation runs one compensating operation under the retry budget
func (uc *CompensateSaga) invokeCompensation(ctx context.Context, step domain.SagaStep) error {
	_, err := retryOperation(ctx, uc.compRetry, func() (json.RawMessage, error) {
		return nil, uc.dispatcher.ExecuteCompensation(ctx, step, step.Result)
	})
	return err
}

func (uc *CompensateSaga) persist(ctx context.Context, saga *domain.Saga, expectedVersion int) error {
	return retryPersist(ctx, uc.persistRetry, func() error {
		return uc.store.ConditionalUpdate(ctx, saga, expectedVersion)
	})
}

func (uc *CompensateSaga) publish(ctx context.Context, saga *domain.Saga, log *logging.Logger) {
	publishEvents(ctx, uc.publisher, saga, log)
}

func (uc *CompensateSaga) yield(log *logging.Logger, saga *domain.Saga, err error) (domain.SagaStatus, error) {
	if errors.Is(err, domain.ErrVersionConflict) {
		log.Info("saga taken over by another worker, yielding")
	} else {
		log.WithError(err).Error("failed to persist saga state")
	}
	return saga.Status, err
}
