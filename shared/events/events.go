package events

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/fedgraph/saga-system/shared/models"
)

var (
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrInvalidReceiver = errors.New("receiver should be a pointer")
)

// Topic is the routing key an event is published under
type Topic string

func NewTopic(topic string) (Topic, error) {
	if topic == "" {
		return "", ErrInvalidTopic
	}
	return Topic(topic), nil
}

func (t Topic) String() string {
	return string(t)
}

// Metadata carries transport and tracing context alongside an event
type Metadata map[string]string

func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m Metadata) Set(key string, value string) {
	if m == nil {
		m = make(Metadata)
	}
	m[key] = value
}

// Event represents a domain event
type Event struct {
	ID            models.ID   `json:"id"`
	AggregateID   models.ID   `json:"aggregate_id"`
	Topic         Topic       `json:"topic"`
	EventType     string      `json:"event_type"`
	Version       string      `json:"version"`
	Data          interface{} `json:"data"`
	Metadata      Metadata    `json:"metadata"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID models.ID   `json:"correlation_id"`
}

// Publisher publishes events
type Publisher interface {
	Publish(ctx context.Context, events ...*Event) error
}

// Subscriber subscribes to events
type Subscriber interface {
	Subscribe(ctx context.Context, eventType string, handler EventHandler) error
}

// EventHandler handles domain events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventStore stores and retrieves events
type EventStore interface {
	SaveEvents(ctx context.Context, aggregateID models.ID, events []*Event, expectedVersion int) error
	GetEvents(ctx context.Context, aggregateID models.ID) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, offset, limit int) ([]*Event, error)
}

// NewEvent creates a new domain event
func NewEvent(aggregateID models.ID, eventType string, data interface{}) *Event {
	topic, _ := NewTopic(eventType) // eventType constants are trusted
	return &Event{
		ID:          models.GenerateUUID(),
		AggregateID: aggregateID,
		Topic:       topic,
		EventType:   eventType,
		Version:     "1.0",
		Data:        data,
		Metadata:    make(Metadata),
		Timestamp:   time.Now(),
	}
}

// WithCorrelationID sets correlation ID
func (e *Event) WithCorrelationID(correlationID models.ID) *Event {
	e.CorrelationID = correlationID
	return e
}

// MarshalPayload marshals the event payload
func (e *Event) MarshalPayload() (json.RawMessage, error) {
	if b, ok := e.Data.([]byte); ok {
		return b, nil
	}
	if b, ok := e.Data.(json.RawMessage); ok {
		return b, nil
	}
	return json.Marshal(e.Data)
}

// UnmarshalPayload unmarshals the event payload into the given receiver.
// The payload may be the original struct (for events still in process) or
// decoded JSON (for events that crossed the bus); both work.
func (e *Event) UnmarshalPayload(v interface{}) error {
	vValue := reflect.ValueOf(v)
	if vValue.Kind() != reflect.Ptr {
		return ErrInvalidReceiver
	}

	vValue = vValue.Elem()
	payloadValue := reflect.ValueOf(e.Data)
	if payloadValue.IsValid() && vValue.Type() == payloadValue.Type() {
		vValue.Set(payloadValue)
		return nil
	}

	raw, err := e.MarshalPayload()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Event type constants
const (
	// Saga lifecycle events
	SagaCreatedEvent      = "saga.created"
	SagaStartedEvent      = "saga.started"
	SagaCompletedEvent    = "saga.completed"
	SagaCompensatingEvent = "saga.compensating"
	SagaCompensatedEvent  = "saga.compensated"
	SagaFailedEvent       = "saga.failed"

	// Saga step events
	SagaStepExecutingEvent    = "saga.step.executing"
	SagaStepCompletedEvent    = "saga.step.completed"
	SagaStepFailedEvent       = "saga.step.failed"
	SagaStepCompensatingEvent = "saga.step.compensating"
	SagaStepCompensatedEvent  = "saga.step.compensated"

	// Recovery events
	SagaRecoveryAttemptedEvent = "saga.recovery.attempted"
	SagaDeadLetteredEvent      = "saga.dead.lettered"
)

// TransitionData is the structured payload attached to every saga state
// transition event: saga id, optional step index, statuses on both sides of
// the transition, duration of the work that caused it, and the error if any.
type TransitionData struct {
	SagaID     models.ID `json:"saga_id"`
	StepIndex  *int      `json:"step_index,omitempty"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// NewTransitionEvent builds a transition event for the given saga
func NewTransitionEvent(eventType string, data TransitionData) *Event {
	return NewEvent(data.SagaID, eventType, data).WithCorrelationID(data.SagaID)
}
