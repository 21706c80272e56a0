package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/shared/models"
	"github.com/pkg/errors"
)

// MemorySagaStore is an in-memory SagaStore with the same conditional-write
// and lease semantics as the postgres store. Used in tests and for local
// single-process runs.
type MemorySagaStore struct {
	mu    sync.RWMutex
	sagas map[string]*domain.Saga
}

// NewMemorySagaStore creates an empty in-memory saga store
func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{
		sagas: make(map[string]*domain.Saga),
	}
}

// Create persists a new saga
func (s *MemorySagaStore) Create(ctx context.Context, saga *domain.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := saga.ID.String()
	if _, exists := s.sagas[key]; exists {
		return errors.Errorf("saga %s already exists", key)
	}
	if saga.IdempotencyKey != "" {
		for _, existing := range s.sagas {
			if existing.IdempotencyKey == saga.IdempotencyKey {
				return errors.Errorf("idempotency key %q already used", saga.IdempotencyKey)
			}
		}
	}

	s.sagas[key] = saga.Clone()
	return nil
}

// Get returns the latest persisted state of a saga
func (s *MemorySagaStore) Get(ctx context.Context, id models.ID) (*domain.Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saga, exists := s.sagas[id.String()]
	if !exists {
		return nil, domain.ErrSagaNotFound
	}
	return saga.Clone(), nil
}

// FindByIdempotencyKey returns the saga created under the key, or nil
func (s *MemorySagaStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Saga, error) {
	if key == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, saga := range s.sagas {
		if saga.IdempotencyKey == key {
			return saga.Clone(), nil
		}
	}
	return nil, nil
}

// ConditionalUpdate persists the saga only if the stored version still
// matches expectedVersion
func (s *MemorySagaStore) ConditionalUpdate(ctx context.Context, saga *domain.Saga, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.sagas[saga.ID.String()]
	if !exists {
		return domain.ErrSagaNotFound
	}
	if stored.Version.Value != expectedVersion {
		return domain.ErrVersionConflict
	}

	clone := saga.Clone()
	clone.LeaseOwner = stored.LeaseOwner
	clone.LeaseExpiresAt = stored.LeaseExpiresAt
	s.sagas[saga.ID.String()] = clone
	return nil
}

// ScanStale returns sagas in the given statuses with updated_at older than
// the threshold, oldest first
func (s *MemorySagaStore) ScanStale(ctx context.Context, statuses []domain.SagaStatus, olderThan time.Time, limit int) ([]*domain.Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[domain.SagaStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	var stale []*domain.Saga
	for _, saga := range s.sagas {
		if wanted[saga.Status] && saga.Timestamps.UpdatedAt.Before(olderThan) {
			stale = append(stale, saga.Clone())
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].Timestamps.UpdatedAt.Before(stale[j].Timestamps.UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// AcquireLease claims ownership of a saga for recovery. The claim bumps the
// stored version, so a worker still writing against the pre-lease version
// hits a version conflict and backs off.
func (s *MemorySagaStore) AcquireLease(ctx context.Context, id models.ID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saga, exists := s.sagas[id.String()]
	if !exists {
		return false, domain.ErrSagaNotFound
	}

	now := time.Now()
	held := saga.LeaseOwner != "" && saga.LeaseOwner != owner &&
		saga.LeaseExpiresAt != nil && saga.LeaseExpiresAt.After(now)
	if held {
		return false, nil
	}

	expires := now.Add(ttl)
	saga.LeaseOwner = owner
	saga.LeaseExpiresAt = &expires
	saga.Timestamps = saga.Timestamps.Update()
	saga.Version = saga.Version.Update()
	return true, nil
}

// ReleaseLease drops a lease held by owner
func (s *MemorySagaStore) ReleaseLease(ctx context.Context, id models.ID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saga, exists := s.sagas[id.String()]
	if !exists {
		return nil
	}
	if saga.LeaseOwner != owner {
		return nil
	}

	saga.LeaseOwner = ""
	saga.LeaseExpiresAt = nil
	saga.Version = saga.Version.Update()
	return nil
}

// PurgeTerminal deletes terminal sagas older than the threshold
func (s *MemorySagaStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for key, saga := range s.sagas {
		if saga.Status.IsTerminal() && saga.Timestamps.UpdatedAt.Before(olderThan) {
			delete(s.sagas, key)
			purged++
		}
	}
	return purged, nil
}
