package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/fedgraph/saga-system/saga-service/application"
	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// SagaHandlers contains saga HTTP handlers
type SagaHandlers struct {
	createSaga *application.CreateSaga
	getSaga    *application.GetSaga
}

// NewSagaHandlers creates new saga handlers
func NewSagaHandlers(
	createSaga *application.CreateSaga,
	getSaga *application.GetSaga,
) *SagaHandlers {
	return &SagaHandlers{
		createSaga: createSaga,
		getSaga:    getSaga,
	}
}

// CreateSaga handles saga submission requests. The saga is accepted and
// executed in the background; callers poll GET /sagas/{id} for the outcome.
func (h *SagaHandlers) CreateSaga(w http.ResponseWriter, r *http.Request) {
	var cmd application.CreateSagaCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	response, err := h.createSaga.Execute(r.Context(), &cmd)
	if err != nil {
		if domain.IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	if response.Existing {
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// GetSaga handles saga retrieval requests
func (h *SagaHandlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		http.Error(w, "Saga ID is required", http.StatusBadRequest)
		return
	}

	query := &application.GetSagaQuery{
		SagaID: sagaID,
	}

	response, err := h.getSaga.Execute(r.Context(), query)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSagaNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case domain.IsValidationError(err):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// RegisterRoutes registers saga routes
func (h *SagaHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/sagas", func(r chi.Router) {
		r.Post("/", h.CreateSaga)
		r.Get("/{id}", h.GetSaga)
	})
}
