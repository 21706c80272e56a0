package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// PostgresSagaStore implements SagaStore using PostgreSQL. Saga header and
// steps live in separate tables; every mutation goes through a single
// transaction with a version-checked update on the header row.
type PostgresSagaStore struct {
	db *sqlx.DB
}

// NewPostgresSagaStore creates a new PostgresSagaStore
func NewPostgresSagaStore(db *sqlx.DB) *PostgresSagaStore {
	return &PostgresSagaStore{db: db}
}

// postgresSaga represents a saga header row
type postgresSaga struct {
	ID              string     `db:"id"`
	IdempotencyKey  *string    `db:"idempotency_key"`
	Status          string     `db:"status"`
	Strategy        string     `db:"strategy"`
	CurrentStep     int        `db:"current_step"`
	RetryCount      int        `db:"retry_count"`
	LastError       string     `db:"last_error"`
	FailedStepIndex *int       `db:"failed_step_index"`
	DeadLettered    bool       `db:"dead_lettered"`
	LeaseOwner      string     `db:"lease_owner"`
	LeaseExpiresAt  *time.Time `db:"lease_expires_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	Version         int        `db:"version"`
}

// postgresSagaStep represents a saga step row
type postgresSagaStep struct {
	SagaID       string     `db:"saga_id"`
	StepIndex    int        `db:"step_index"`
	Forward      []byte     `db:"forward"`
	Compensation []byte     `db:"compensation"`
	Status       string     `db:"status"`
	Result       []byte     `db:"result"`
	Error        string     `db:"error"`
	ExecutedAt   *time.Time `db:"executed_at"`
}

// EnsureSchema creates the saga tables if they do not exist
func (r *PostgresSagaStore) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sagas (
			id UUID PRIMARY KEY,
			idempotency_key TEXT UNIQUE,
			status TEXT NOT NULL,
			strategy TEXT NOT NULL,
			current_step INT NOT NULL DEFAULT 0,
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			failed_step_index INT,
			dead_lettered BOOLEAN NOT NULL DEFAULT FALSE,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version INT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS saga_steps (
			saga_id UUID NOT NULL REFERENCES sagas(id) ON DELETE CASCADE,
			step_index INT NOT NULL,
			forward JSONB NOT NULL,
			compensation JSONB NOT NULL,
			status TEXT NOT NULL,
			result JSONB,
			error TEXT NOT NULL DEFAULT '',
			executed_at TIMESTAMPTZ,
			PRIMARY KEY (saga_id, step_index)
		);

		CREATE INDEX IF NOT EXISTS idx_sagas_status_updated_at
			ON sagas (status, updated_at);`

	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to ensure saga schema")
	}
	return nil
}

// Create persists a new saga with its full step list
func (r *PostgresSagaStore) Create(ctx context.Context, saga *domain.Saga) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	insertSaga := `
		INSERT INTO sagas (
			id, idempotency_key, status, strategy, current_step,
			retry_count, last_error, failed_step_index, dead_lettered,
			lease_owner, lease_expires_at, created_at, updated_at, version
		) VALUES (
			:id, :idempotency_key, :status, :strategy, :current_step,
			:retry_count, :last_error, :failed_step_index, :dead_lettered,
			:lease_owner, :lease_expires_at, :created_at, :updated_at, :version
		)`

	pgSaga := r.toPostgres(saga)
	if _, err := tx.NamedExecContext(ctx, insertSaga, pgSaga); err != nil {
		return errors.Wrap(err, "failed to insert saga")
	}

	insertStep := `
		INSERT INTO saga_steps (
			saga_id, step_index, forward, compensation, status, result, error, executed_at
		) VALUES (
			:saga_id, :step_index, :forward, :compensation, :status, :result, :error, :executed_at
		)`

	for i := range saga.Steps {
		pgStep, err := r.toPostgresStep(saga.ID, &saga.Steps[i])
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertStep, pgStep); err != nil {
			return errors.Wrapf(err, "failed to insert saga step %d", i)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit saga")
}

// Get returns the latest persisted state of a saga
func (r *PostgresSagaStore) Get(ctx context.Context, id models.ID) (*domain.Saga, error) {
	query := `
		SELECT id, idempotency_key, status, strategy, current_step,
			   retry_count, last_error, failed_step_index, dead_lettered,
			   lease_owner, lease_expires_at, created_at, updated_at, version
		FROM sagas
		WHERE id = $1`

	var pgSaga postgresSaga
	if err := r.db.GetContext(ctx, &pgSaga, query, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrSagaNotFound
		}
		return nil, errors.Wrap(err, "failed to find saga")
	}

	return r.loadSteps(ctx, &pgSaga)
}

// FindByIdempotencyKey returns the saga created under the key, or nil
func (r *PostgresSagaStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Saga, error) {
	if key == "" {
		return nil, nil
	}

	query := `
		SELECT id, idempotency_key, status, strategy, current_step,
			   retry_count, last_error, failed_step_index, dead_lettered,
			   lease_owner, lease_expires_at, created_at, updated_at, version
		FROM sagas
		WHERE idempotency_key = $1`

	var pgSaga postgresSaga
	if err := r.db.GetContext(ctx, &pgSaga, query, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find saga by idempotency key")
	}

	return r.loadSteps(ctx, &pgSaga)
}

// ConditionalUpdate persists the saga only if the stored version still
// matches expectedVersion. Lease columns are owned by the lease calls and
// stay untouched here.
func (r *PostgresSagaStore) ConditionalUpdate(ctx context.Context, saga *domain.Saga, expectedVersion int) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	updateSaga := `
		UPDATE sagas
		SET status = :status, current_step = :current_step,
			retry_count = :retry_count, last_error = :last_error,
			failed_step_index = :failed_step_index, dead_lettered = :dead_lettered,
			updated_at = :updated_at, version = :version
		WHERE id = :id AND version = :old_version`

	pgSaga := r.toPostgres(saga)
	result, err := tx.NamedExecContext(ctx, updateSaga, map[string]interface{}{
		"id":                pgSaga.ID,
		"status":            pgSaga.Status,
		"current_step":      pgSaga.CurrentStep,
		"retry_count":       pgSaga.RetryCount,
		"last_error":        pgSaga.LastError,
		"failed_step_index": pgSaga.FailedStepIndex,
		"dead_lettered":     pgSaga.DeadLettered,
		"updated_at":        pgSaga.UpdatedAt,
		"version":           pgSaga.Version,
		"old_version":       expectedVersion,
	})
	if err != nil {
		return errors.Wrap(err, "failed to update saga")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}
	if affected == 0 {
		return domain.ErrVersionConflict
	}

	updateStep := `
		UPDATE saga_steps
		SET status = :status, result = :result, error = :error, executed_at = :executed_at
		WHERE saga_id = :saga_id AND step_index = :step_index`

	for i := range saga.Steps {
		pgStep, err := r.toPostgresStep(saga.ID, &saga.Steps[i])
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, updateStep, pgStep); err != nil {
			return errors.Wrapf(err, "failed to update saga step %d", i)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit saga update")
}

// ScanStale returns sagas in the given statuses with updated_at older than
// the threshold, oldest first
func (r *PostgresSagaStore) ScanStale(ctx context.Context, statuses []domain.SagaStatus, olderThan time.Time, limit int) ([]*domain.Saga, error) {
	query := `
		SELECT id, idempotency_key, status, strategy, current_step,
			   retry_count, last_error, failed_step_index, dead_lettered,
			   lease_owner, lease_expires_at, created_at, updated_at, version
		FROM sagas
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`

	filter := make([]string, len(statuses))
	for i, status := range statuses {
		filter[i] = string(status)
	}

	var pgSagas []postgresSaga
	if err := r.db.SelectContext(ctx, &pgSagas, query, pq.Array(filter), olderThan, limit); err != nil {
		return nil, errors.Wrap(err, "failed to scan stale sagas")
	}

	sagas := make([]*domain.Saga, 0, len(pgSagas))
	for i := range pgSagas {
		saga, err := r.loadSteps(ctx, &pgSagas[i])
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, saga)
	}
	return sagas, nil
}

// AcquireLease claims ownership of a saga for recovery. The claim bumps the
// row version, so a worker still writing against the pre-lease version hits
// a version conflict and backs off.
func (r *PostgresSagaStore) AcquireLease(ctx context.Context, id models.ID, owner string, ttl time.Duration) (bool, error) {
	query := `
		UPDATE sagas
		SET lease_owner = $2, lease_expires_at = $3,
			updated_at = $4, version = version + 1
		WHERE id = $1
		  AND (lease_owner = '' OR lease_owner = $2 OR lease_expires_at < $4)`

	now := time.Now()
	result, err := r.db.ExecContext(ctx, query, id.String(), owner, now.Add(ttl), now)
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire lease")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read lease result")
	}
	return affected > 0, nil
}

// ReleaseLease drops a lease held by owner
func (r *PostgresSagaStore) ReleaseLease(ctx context.Context, id models.ID, owner string) error {
	query := `
		UPDATE sagas
		SET lease_owner = '', lease_expires_at = NULL, version = version + 1
		WHERE id = $1 AND lease_owner = $2`

	if _, err := r.db.ExecContext(ctx, query, id.String(), owner); err != nil {
		return errors.Wrap(err, "failed to release lease")
	}
	return nil
}

// PurgeTerminal deletes terminal sagas older than the threshold
func (r *PostgresSagaStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM sagas
		WHERE status IN ('completed', 'compensated', 'failed')
		  AND updated_at < $1`

	result, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge terminal sagas")
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read purge result")
	}
	return purged, nil
}

// loadSteps fetches the step rows and assembles the domain saga
func (r *PostgresSagaStore) loadSteps(ctx context.Context, pgSaga *postgresSaga) (*domain.Saga, error) {
	query := `
		SELECT saga_id, step_index, forward, compensation, status, result, error, executed_at
		FROM saga_steps
		WHERE saga_id = $1
		ORDER BY step_index ASC`

	var pgSteps []postgresSagaStep
	if err := r.db.SelectContext(ctx, &pgSteps, query, pgSaga.ID); err != nil {
		return nil, errors.Wrap(err, "failed to load saga steps")
	}

	return r.toDomain(pgSaga, pgSteps)
}

// toPostgres converts a domain saga to a header row
func (r *PostgresSagaStore) toPostgres(saga *domain.Saga) *postgresSaga {
	pgSaga := &postgresSaga{
		ID:              saga.ID.String(),
		Status:          string(saga.Status),
		Strategy:        string(saga.Strategy),
		CurrentStep:     saga.CurrentStep,
		RetryCount:      saga.RetryCount,
		LastError:       saga.LastError,
		FailedStepIndex: saga.FailedStepIndex,
		DeadLettered:    saga.DeadLettered,
		LeaseOwner:      saga.LeaseOwner,
		LeaseExpiresAt:  saga.LeaseExpiresAt,
		CreatedAt:       saga.Timestamps.CreatedAt,
		UpdatedAt:       saga.Timestamps.UpdatedAt,
		Version:         saga.Version.Value,
	}
	if saga.IdempotencyKey != "" {
		key := saga.IdempotencyKey
		pgSaga.IdempotencyKey = &key
	}
	return pgSaga
}

// toPostgresStep converts a domain step to a step row
func (r *PostgresSagaStore) toPostgresStep(sagaID models.ID, step *domain.SagaStep) (*postgresSagaStep, error) {
	forward, err := json.Marshal(step.Forward)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal forward operation of step %d", step.Index)
	}
	compensation, err := json.Marshal(step.Compensation)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal compensation of step %d", step.Index)
	}

	return &postgresSagaStep{
		SagaID:       sagaID.String(),
		StepIndex:    step.Index,
		Forward:      forward,
		Compensation: compensation,
		Status:       string(step.Status),
		Result:       step.Result,
		Error:        step.Error,
		ExecutedAt:   step.ExecutedAt,
	}, nil
}

// toDomain assembles a domain saga from its rows
func (r *PostgresSagaStore) toDomain(pgSaga *postgresSaga, pgSteps []postgresSagaStep) (*domain.Saga, error) {
	id, err := models.NewID(pgSaga.ID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid saga ID in database")
	}

	steps := make([]domain.SagaStep, len(pgSteps))
	for i, pgStep := range pgSteps {
		var forward, compensation domain.OperationDescriptor
		if err := json.Unmarshal(pgStep.Forward, &forward); err != nil {
			return nil, errors.Wrapf(err, "invalid forward operation on step %d", pgStep.StepIndex)
		}
		if err := json.Unmarshal(pgStep.Compensation, &compensation); err != nil {
			return nil, errors.Wrapf(err, "invalid compensation on step %d", pgStep.StepIndex)
		}

		steps[i] = domain.SagaStep{
			Index:        pgStep.StepIndex,
			Forward:      forward,
			Compensation: compensation,
			Status:       domain.StepStatus(pgStep.Status),
			Result:       pgStep.Result,
			Error:        pgStep.Error,
			ExecutedAt:   pgStep.ExecutedAt,
		}
	}

	saga := &domain.Saga{
		ID:              id,
		Steps:           steps,
		Status:          domain.SagaStatus(pgSaga.Status),
		Strategy:        domain.CompensationStrategy(pgSaga.Strategy),
		CurrentStep:     pgSaga.CurrentStep,
		RetryCount:      pgSaga.RetryCount,
		LastError:       pgSaga.LastError,
		FailedStepIndex: pgSaga.FailedStepIndex,
		DeadLettered:    pgSaga.DeadLettered,
		LeaseOwner:      pgSaga.LeaseOwner,
		LeaseExpiresAt:  pgSaga.LeaseExpiresAt,
		Timestamps: models.Timestamps{
			CreatedAt: pgSaga.CreatedAt,
			UpdatedAt: pgSaga.UpdatedAt,
		},
		Version: models.Version{Value: pgSaga.Version},
	}
	if pgSaga.IdempotencyKey != nil {
		saga.IdempotencyKey = *pgSaga.IdempotencyKey
	}
	return saga, nil
}
