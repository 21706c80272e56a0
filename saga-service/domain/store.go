package domain

import (
	"context"
	"time"

	"github.com/fedgraph/saga-system/shared/models"
	"github.com/pkg/errors"
)

// ErrVersionConflict means another worker already advanced the saga: the
// conditional write's expected version no longer matches. It is not a
// transient fault; the local attempt aborts without retry.
var ErrVersionConflict = errors.New("saga version conflict")

// ErrSagaNotFound means no saga exists with the given id
var ErrSagaNotFound = errors.New("saga not found")

// SagaStore is the single authority for saga state. Every status or step
// mutation is a conditional, version-checked write.
type SagaStore interface {
	// Create persists a new saga with its full step list
	Create(ctx context.Context, saga *Saga) error

	// Get returns the latest persisted state of a saga
	Get(ctx context.Context, id models.ID) (*Saga, error)

	// FindByIdempotencyKey returns the saga created under the given key,
	// or nil when none exists
	FindByIdempotencyKey(ctx context.Context, key string) (*Saga, error)

	// ConditionalUpdate persists the saga if its stored version still equals
	// expectedVersion; returns ErrVersionConflict otherwise
	ConditionalUpdate(ctx context.Context, saga *Saga, expectedVersion int) error

	// ScanStale returns sagas in one of the given statuses whose updated_at
	// is older than the threshold, oldest first
	ScanStale(ctx context.Context, statuses []SagaStatus, olderThan time.Time, limit int) ([]*Saga, error)

	// AcquireLease claims time-bound ownership of a saga. Returns false when
	// another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, id models.ID, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops a lease held by owner; releasing a lease not held
	// is a no-op
	ReleaseLease(ctx context.Context, id models.ID, owner string) error

	// PurgeTerminal deletes terminal sagas older than the threshold and
	// returns how many were removed
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}
