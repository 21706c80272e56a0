package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fedgraph/saga-system/saga-service/application"
	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/saga-service/infrastructure"
	"github.com/fedgraph/saga-system/shared/logging"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDispatcher struct{}

func (stubDispatcher) ExecuteForward(ctx context.Context, step domain.SagaStep, priorResults []json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"step":%d}`, step.Index)), nil
}

func (stubDispatcher) ExecuteCompensation(ctx context.Context, step domain.SagaStep, captured json.RawMessage) error {
	return nil
}

type httpFixture struct {
	router     chi.Router
	store      *infrastructure.MemorySagaStore
	createSaga *application.CreateSaga
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()

	store := infrastructure.NewMemorySagaStore()
	logger := logging.New("handlers-test", io.Discard)
	policy := application.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Factor: 1.5, Cap: 5 * time.Millisecond}

	compensator := application.NewCompensateSaga(store, stubDispatcher{}, nil, policy, policy, logger)
	executor := application.NewExecuteSaga(store, stubDispatcher{}, nil, compensator, policy, policy, logger)
	createSaga := application.NewCreateSaga(store, nil, executor, nil, policy, domain.StrategyAutomatic, 4, logger)
	getSaga := application.NewGetSaga(store, nil, logger)

	router := chi.NewRouter()
	NewSagaHandlers(createSaga, getSaga).RegisterRoutes(router)

	return &httpFixture{router: router, store: store, createSaga: createSaga}
}

func (f *httpFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

const createBody = `{
	"steps": [
		{
			"forward": {"subgraph": "users", "mutation": "create", "typename": "User", "variables": {"name": "a"}},
			"compensation": {"subgraph": "users", "mutation": "delete", "typename": "User"}
		}
	]
}`

func TestSagaHandlers_CreateSaga(t *testing.T) {
	fx := newHTTPFixture(t)

	recorder := fx.do(http.MethodPost, "/sagas", createBody)
	require.Equal(t, http.StatusAccepted, recorder.Code)

	var response application.CreateSagaResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.NotEmpty(t, response.SagaID)
	assert.Equal(t, string(domain.SagaStatusRunning), response.Status)
	assert.False(t, response.Existing)
}

func TestSagaHandlers_CreateSagaInvalidBody(t *testing.T) {
	fx := newHTTPFixture(t)

	recorder := fx.do(http.MethodPost, "/sagas", `{"steps": [`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSagaHandlers_CreateSagaValidationFailure(t *testing.T) {
	fx := newHTTPFixture(t)

	recorder := fx.do(http.MethodPost, "/sagas", `{"steps": []}`)
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "at least one step")
}

func TestSagaHandlers_CreateSagaIdempotentReplay(t *testing.T) {
	fx := newHTTPFixture(t)
	body := strings.Replace(createBody, `"steps"`, `"idempotency_key": "req-1", "steps"`, 1)

	first := fx.do(http.MethodPost, "/sagas", body)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := fx.do(http.MethodPost, "/sagas", body)
	require.Equal(t, http.StatusOK, second.Code)

	var firstResponse, secondResponse application.CreateSagaResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResponse))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResponse))
	assert.Equal(t, firstResponse.SagaID, secondResponse.SagaID)
	assert.True(t, secondResponse.Existing)
}

func TestSagaHandlers_GetSaga(t *testing.T) {
	fx := newHTTPFixture(t)

	created := fx.do(http.MethodPost, "/sagas", createBody)
	require.Equal(t, http.StatusAccepted, created.Code)

	var createResponse application.CreateSagaResponse
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &createResponse))

	// The saga executes in the background; poll until it settles
	require.Eventually(t, func() bool {
		recorder := fx.do(http.MethodGet, "/sagas/"+createResponse.SagaID, "")
		if recorder.Code != http.StatusOK {
			return false
		}
		var response application.GetSagaResponse
		if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
			return false
		}
		return response.Status == string(domain.SagaStatusCompleted)
	}, 2*time.Second, 5*time.Millisecond)

	recorder := fx.do(http.MethodGet, "/sagas/"+createResponse.SagaID, "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var response application.GetSagaResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, createResponse.SagaID, response.SagaID)
	assert.Len(t, response.Steps, 1)
	assert.Equal(t, string(domain.StepStatusCompleted), response.Steps[0].Status)
}

func TestSagaHandlers_GetSagaNotFound(t *testing.T) {
	fx := newHTTPFixture(t)

	id := "018f3c6e-0000-7000-8000-000000000000"
	recorder := fx.do(http.MethodGet, "/sagas/"+id, "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestSagaHandlers_GetSagaInvalidID(t *testing.T) {
	fx := newHTTPFixture(t)

	recorder := fx.do(http.MethodGet, "/sagas/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
