package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fedgraph/saga-system/shared/events"
	"github.com/fedgraph/saga-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresEventStore keeps the append-only audit stream of saga lifecycle
// events
type PostgresEventStore struct {
	db *sqlx.DB
}

// NewPostgresEventStore creates a new PostgresEventStore
func NewPostgresEventStore(db *sqlx.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

type eventRow struct {
	ID            string    `db:"id"`
	AggregateID   string    `db:"aggregate_id"`
	EventType     string    `db:"event_type"`
	Version       string    `db:"version"`
	Data          []byte    `db:"data"`
	Metadata      []byte    `db:"metadata"`
	Timestamp     time.Time `db:"timestamp"`
	CorrelationID string    `db:"correlation_id"`
	StreamVersion int       `db:"stream_version"`
}

const eventColumns = `id, aggregate_id, event_type, version, data, metadata,
	timestamp, correlation_id, stream_version`

// EnsureSchema creates the event stream table and its indexes
func (es *PostgresEventStore) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS event_stream (
			id UUID PRIMARY KEY,
			aggregate_id UUID NOT NULL,
			event_type TEXT NOT NULL,
			version TEXT NOT NULL,
			data JSONB NOT NULL,
			metadata JSONB NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			stream_version INT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_event_stream_aggregate
			ON event_stream (aggregate_id, stream_version);
		CREATE INDEX IF NOT EXISTS idx_event_stream_type
			ON event_stream (event_type, timestamp);`

	if _, err := es.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to create event stream schema")
	}
	return nil
}

// SaveEvents appends events to the aggregate's stream. A non-negative
// expectedVersion enforces optimistic concurrency against the stream head;
// a negative one appends unconditionally, which is what the audit consumer
// wants since saga transitions arrive from the bus already ordered per
// stream.
func (es *PostgresEventStore) SaveEvents(ctx context.Context, aggregateID models.ID, evts []*events.Event, expectedVersion int) error {
	if len(evts) == 0 {
		return nil
	}

	tx, err := es.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var streamHead int
	err = tx.GetContext(ctx, &streamHead,
		"SELECT COALESCE(MAX(stream_version), 0) FROM event_stream WHERE aggregate_id = $1",
		aggregateID.String())
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to read stream head")
	}

	if expectedVersion >= 0 && streamHead != expectedVersion {
		return errors.Errorf("concurrency conflict: expected stream version %d, got %d", expectedVersion, streamHead)
	}

	insert := `
		INSERT INTO event_stream (` + eventColumns + `)
		VALUES (:id, :aggregate_id, :event_type, :version, :data, :metadata,
			:timestamp, :correlation_id, :stream_version)`

	for i, event := range evts {
		row, err := toEventRow(event, streamHead+i+1)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insert, row); err != nil {
			return errors.Wrap(err, "failed to insert event")
		}
	}

	return tx.Commit()
}

// GetEvents returns an aggregate's stream in append order
func (es *PostgresEventStore) GetEvents(ctx context.Context, aggregateID models.ID) ([]*events.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM event_stream
		WHERE aggregate_id = $1
		ORDER BY stream_version ASC`

	return es.selectEvents(ctx, query, aggregateID.String())
}

// GetEventsByType returns a page of events of one type, oldest first
func (es *PostgresEventStore) GetEventsByType(ctx context.Context, eventType string, offset, limit int) ([]*events.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM event_stream
		WHERE event_type = $1
		ORDER BY timestamp ASC
		LIMIT $2 OFFSET $3`

	return es.selectEvents(ctx, query, eventType, limit, offset)
}

func (es *PostgresEventStore) selectEvents(ctx context.Context, query string, args ...interface{}) ([]*events.Event, error) {
	var rows []eventRow
	if err := es.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to select events")
	}

	result := make([]*events.Event, len(rows))
	for i := range rows {
		event, err := toEvent(&rows[i])
		if err != nil {
			return nil, err
		}
		result[i] = event
	}
	return result, nil
}

func toEventRow(event *events.Event, streamVersion int) (*eventRow, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event data")
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event metadata")
	}

	correlationID := ""
	if event.CorrelationID != "" {
		correlationID = event.CorrelationID.String()
	}

	return &eventRow{
		ID:            event.ID.String(),
		AggregateID:   event.AggregateID.String(),
		EventType:     event.EventType,
		Version:       event.Version,
		Data:          data,
		Metadata:      metadata,
		Timestamp:     event.Timestamp,
		CorrelationID: correlationID,
		StreamVersion: streamVersion,
	}, nil
}

func toEvent(row *eventRow) (*events.Event, error) {
	id, err := models.NewID(row.ID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid event ID")
	}

	aggregateID, err := models.NewID(row.AggregateID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid aggregate ID")
	}

	var data interface{}
	if err := json.Unmarshal(row.Data, &data); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal event data")
	}

	var rawMetadata map[string]interface{}
	if err := json.Unmarshal(row.Metadata, &rawMetadata); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal event metadata")
	}
	metadata := make(events.Metadata, len(rawMetadata))
	for key, value := range rawMetadata {
		if str, ok := value.(string); ok {
			metadata.Set(key, str)
		} else {
			metadata.Set(key, fmt.Sprintf("%v", value))
		}
	}

	var correlationID models.ID
	if row.CorrelationID != "" {
		correlationID, err = models.NewID(row.CorrelationID)
		if err != nil {
			return nil, errors.Wrap(err, "invalid correlation ID")
		}
	}

	topic, _ := events.NewTopic(row.EventType)

	return &events.Event{
		ID:            id,
		AggregateID:   aggregateID,
		Topic:         topic,
		EventType:     row.EventType,
		Version:       row.Version,
		Data:          data,
		Metadata:      metadata,
		Timestamp:     row.Timestamp,
		CorrelationID: correlationID,
	}, nil
}
