package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/shared/events"
	"github.com/fedgraph/saga-system/shared/logging"
	"github.com/fedgraph/saga-system/shared/models"
	"github.com/pkg/errors"
)

// RecoveryConfig tunes the background recovery loop
type RecoveryConfig struct {
	// Interval between scan passes
	Interval time.Duration
	// StalenessThreshold is how long a non-terminal saga may go without an
	// update before it counts as abandoned
	StalenessThreshold time.Duration
	// LeaseTTL bounds how long a recovery pickup owns a saga
	LeaseTTL time.Duration
	// MaxRetries is the saga-level recovery budget; past it the saga is
	// dead-lettered
	MaxRetries int
	// ScanLimit caps how many stale sagas one pass picks up
	ScanLimit int
	// Retention is how long terminal sagas are kept before being purged
	Retention time.Duration
}

// DefaultRecoveryConfig returns the recovery defaults
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Interval:           30 * time.Second,
		StalenessThreshold: 2 * time.Minute,
		LeaseTTL:           5 * time.Minute,
		MaxRetries:         5,
		ScanLimit:          20,
		Retention:          7 * 24 * time.Hour,
	}
}

// RecoveryManager scans for sagas abandoned mid-flight, claims them under a
// time-bound lease and resumes them from their last persisted state. Running
// sagas roll forward, compensating sagas keep unwinding. A saga that keeps
// coming back past its retry budget is dead-lettered instead of retried
// forever.
//
// Multiple instances can run the loop concurrently; the lease plus the
// version bump it carries keep two owners from advancing the same saga.
type RecoveryManager struct {
	store       domain.SagaStore
	executor    *ExecuteSaga
	compensator *CompensateSaga
	publisher   events.Publisher
	cfg         RecoveryConfig
	owner       string
	logger      *logging.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRecoveryManager creates a new RecoveryManager. The owner string
// identifies this process in leases; it must differ between instances.
func NewRecoveryManager(
	store domain.SagaStore,
	executor *ExecuteSaga,
	compensator *CompensateSaga,
	publisher events.Publisher,
	cfg RecoveryConfig,
	owner string,
	logger *logging.Logger,
) *RecoveryManager {
	return &RecoveryManager{
		store:       store,
		executor:    executor,
		compensator: compensator,
		publisher:   publisher,
		cfg:         cfg,
		owner:       owner,
		logger:      logger.WithField("recovery_owner", owner),
		done:        make(chan struct{}),
	}
}

// Start launches the recovery loop in the background
func (rm *RecoveryManager) Start() {
	rm.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		rm.cancel = cancel
		go rm.loop(ctx)
	})
}

// Stop cancels the loop and waits for an in-flight pass to finish a saga
// boundary, or for ctx to expire
func (rm *RecoveryManager) Stop(ctx context.Context) error {
	var err error
	rm.stopOnce.Do(func() {
		if rm.cancel == nil {
			close(rm.done)
			return
		}
		rm.cancel()
		select {
		case <-rm.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (rm *RecoveryManager) loop(ctx context.Context) {
	defer close(rm.done)

	ticker := time.NewTicker(rm.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.Pass(ctx)
		}
	}
}

// Pass runs one recovery sweep: scan, claim, resume, purge. Exposed for
// tests and for a one-shot sweep at startup.
func (rm *RecoveryManager) Pass(ctx context.Context) {
	cutoff := time.Now().Add(-rm.cfg.StalenessThreshold)
	statuses := []domain.SagaStatus{domain.SagaStatusRunning, domain.SagaStatusCompensating}

	stale, err := rm.store.ScanStale(ctx, statuses, cutoff, rm.cfg.ScanLimit)
	if err != nil {
		rm.logger.WithError(err).Error("failed to scan for stale sagas")
		return
	}

	for _, saga := range stale {
		if ctx.Err() != nil {
			return
		}
		rm.recover(ctx, saga.ID)
	}

	rm.purge(ctx)
}

// recover claims one saga and resumes it. The claim re-reads the saga: the
// scan snapshot may be stale by the time the lease lands.
func (rm *RecoveryManager) recover(ctx context.Context, id models.ID) {
	log := rm.logger.WithSaga(id.String())

	current, err := rm.store.Get(ctx, id)
	if err != nil {
		log.WithError(err).Error("failed to load saga for recovery")
		return
	}
	if current.Status.IsTerminal() {
		return
	}

	acquired, err := rm.store.AcquireLease(ctx, id, rm.owner, rm.cfg.LeaseTTL)
	if err != nil {
		log.WithError(err).Error("failed to acquire recovery lease")
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := rm.store.ReleaseLease(ctx, id, rm.owner); err != nil {
			log.WithError(err).Warn("failed to release recovery lease")
		}
	}()

	saga, err := rm.store.Get(ctx, id)
	if err != nil {
		log.WithError(err).Error("failed to load saga under lease")
		return
	}
	if saga.Status.IsTerminal() {
		return
	}

	recoveryAttempts.Inc()

	expected := saga.Version.Value
	saga.RecordRecoveryAttempt()

	if saga.RetryCount > rm.cfg.MaxRetries {
		if err := saga.DeadLetter(fmt.Sprintf("recovery budget exhausted after %d attempts: %s", saga.RetryCount-1, saga.LastError)); err != nil {
			log.WithError(err).Error("failed to dead-letter saga")
			return
		}
		if err := rm.persist(ctx, saga, expected); err != nil {
			log.WithError(err).Error("failed to persist dead-lettered saga")
			return
		}
		publishEvents(ctx, rm.publisher, saga, log)
		deadLettersTotal.Inc()
		sagasFinished.WithLabelValues(string(domain.SagaStatusFailed)).Inc()
		log.Error("saga dead-lettered after exhausting recovery budget")
		return
	}

	if err := rm.persist(ctx, saga, expected); err != nil {
		log.WithError(err).Warn("failed to record recovery attempt")
		return
	}
	publishEvents(ctx, rm.publisher, saga, log)

	switch saga.Status {
	case domain.SagaStatusRunning:
		_, err = rm.executor.Run(ctx, saga)
	case domain.SagaStatusCompensating:
		_, err = rm.compensator.Compensate(ctx, saga)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("recovery run ended early")
	}
}

func (rm *RecoveryManager) purge(ctx context.Context) {
	if rm.cfg.Retention <= 0 {
		return
	}

	purged, err := rm.store.PurgeTerminal(ctx, time.Now().Add(-rm.cfg.Retention))
	if err != nil {
		rm.logger.WithError(err).Error("failed to purge terminal sagas")
		return
	}
	if purged > 0 {
		purgedSagas.Add(float64(purged))
		rm.logger.WithField("purged", purged).Info("purged terminal sagas")
	}
}

func (rm *RecoveryManager) persist(ctx context.Context, saga *domain.Saga, expectedVersion int) error {
	return rm.store.ConditionalUpdate(ctx, saga, expectedVersion)
}
