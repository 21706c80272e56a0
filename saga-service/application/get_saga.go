package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/shared/logging"
	"github.com/fedgraph/saga-system/shared/models"
	"github.com/pkg/errors"
)

// SagaCache is a read cache in front of the saga store
type SagaCache interface {
	Get(ctx context.Context, id models.ID) (*domain.Saga, error)
	Set(ctx context.Context, saga *domain.Saga) error
	Invalidate(ctx context.Context, id models.ID) error
}

// GetSagaQuery represents the query to get a saga
type GetSagaQuery struct {
	SagaID string `json:"saga_id"`
}

// SagaStepView is one step in a saga response
type SagaStepView struct {
	Index        int                        `json:"index"`
	Forward      domain.OperationDescriptor `json:"forward"`
	Compensation domain.OperationDescriptor `json:"compensation"`
	Status       string                     `json:"status"`
	Result       json.RawMessage            `json:"result,omitempty"`
	Error        string                     `json:"error,omitempty"`
	ExecutedAt   string                     `json:"executed_at,omitempty"`
}

// GetSagaResponse represents the response for getting a saga
type GetSagaResponse struct {
	SagaID          string         `json:"saga_id"`
	Status          string         `json:"status"`
	Strategy        string         `json:"strategy"`
	CurrentStep     int            `json:"current_step"`
	RetryCount      int            `json:"retry_count"`
	LastError       string         `json:"last_error,omitempty"`
	FailedStepIndex *int           `json:"failed_step_index,omitempty"`
	DeadLettered    bool           `json:"dead_lettered,omitempty"`
	Steps           []SagaStepView `json:"steps"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

// GetSaga use case. Reads go through the cache when one is wired; the
// store remains the authority and cache entries expire on their own.
type GetSaga struct {
	store  domain.SagaStore
	cache  SagaCache
	logger *logging.Logger
}

// NewGetSaga creates a new GetSaga use case
func NewGetSaga(store domain.SagaStore, cache SagaCache, logger *logging.Logger) *GetSaga {
	return &GetSaga{store: store, cache: cache, logger: logger}
}

// Execute executes the get saga use case
func (uc *GetSaga) Execute(ctx context.Context, query *GetSagaQuery) (*GetSagaResponse, error) {
	if query.SagaID == "" {
		return nil, domain.NewValidationError("saga ID is required")
	}

	id, err := models.NewID(query.SagaID)
	if err != nil {
		return nil, domain.NewValidationError("invalid saga ID %q", query.SagaID)
	}

	if uc.cache != nil {
		cached, err := uc.cache.Get(ctx, id)
		if err != nil {
			uc.logger.WithError(err).WithSaga(id.String()).Warn("saga cache read failed")
		} else if cached != nil {
			return toSagaResponse(cached), nil
		}
	}

	saga, err := uc.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to find saga")
	}

	if uc.cache != nil {
		if err := uc.cache.Set(ctx, saga); err != nil {
			uc.logger.WithError(err).WithSaga(id.String()).Warn("saga cache write failed")
		}
	}

	return toSagaResponse(saga), nil
}

func toSagaResponse(saga *domain.Saga) *GetSagaResponse {
	steps := make([]SagaStepView, len(saga.Steps))
	for i, step := range saga.Steps {
		view := SagaStepView{
			Index:        step.Index,
			Forward:      step.Forward,
			Compensation: step.Compensation,
			Status:       string(step.Status),
			Result:       step.Result,
			Error:        step.Error,
		}
		if step.ExecutedAt != nil {
			view.ExecutedAt = step.ExecutedAt.Format(time.RFC3339)
		}
		steps[i] = view
	}

	return &GetSagaResponse{
		SagaID:          saga.ID.String(),
		Status:          string(saga.Status),
		Strategy:        string(saga.Strategy),
		CurrentStep:     saga.CurrentStep,
		RetryCount:      saga.RetryCount,
		LastError:       saga.LastError,
		FailedStepIndex: saga.FailedStepIndex,
		DeadLettered:    saga.DeadLettered,
		Steps:           steps,
		CreatedAt:       saga.Timestamps.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       saga.Timestamps.UpdatedAt.Format(time.RFC3339),
	}
}
