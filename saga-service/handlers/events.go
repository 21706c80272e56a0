package handlers

import (
	"context"

	"github.com/fedgraph/saga-system/shared/events"
	"github.com/fedgraph/saga-system/shared/logging"
	"github.com/pkg/errors"
)

// SagaEventHandlers consumes saga lifecycle events from the bus and appends
// them to the audit log. Dead-letter events additionally surface in the
// service log so operators see sagas waiting for manual remediation.
type SagaEventHandlers struct {
	eventStore events.EventStore
	logger     *logging.Logger
}

// NewSagaEventHandlers creates new saga event handlers
func NewSagaEventHandlers(eventStore events.EventStore, logger *logging.Logger) *SagaEventHandlers {
	return &SagaEventHandlers{
		eventStore: eventStore,
		logger:     logger,
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *SagaEventHandlers) HandlerID() string {
	return "saga-service-event-handler"
}

// Handle implements the events.EventHandler interface
func (h *SagaEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	switch event.EventType {
	case events.SagaDeadLetteredEvent:
		log := h.logger.WithSaga(event.AggregateID.String()).WithField("event", event.EventType)
		var transition events.TransitionData
		if err := event.UnmarshalPayload(&transition); err == nil {
			if transition.StepIndex != nil {
				log = log.WithField("step_index", *transition.StepIndex)
			}
			if transition.Error != "" {
				log = log.WithField("cause", transition.Error)
			}
		}
		log.Error("saga dead-lettered, manual remediation required")
	case events.SagaFailedEvent:
		h.logger.WithSaga(event.AggregateID.String()).
			WithField("event", event.EventType).
			Warn("saga failed")
	}

	if err := h.eventStore.SaveEvents(ctx, event.AggregateID, []*events.Event{event}, -1); err != nil {
		return errors.Wrap(err, "failed to append saga event to audit log")
	}
	return nil
}
