package application

import (
	"context"
	"testing"
	"time"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/shared/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRecoveryConfig marks every non-terminal saga as stale so a single
// Pass picks up whatever the fixture persisted
func testRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Interval:           time.Minute,
		StalenessThreshold: -time.Hour,
		LeaseTTL:           time.Minute,
		MaxRetries:         5,
		ScanLimit:          10,
		Retention:          0,
	}
}

func newRecoveryManager(fx *engineFixture, cfg RecoveryConfig) *RecoveryManager {
	return NewRecoveryManager(fx.store, fx.executor, fx.compensator, fx.publisher, cfg, "recovery-test", testLogger())
}

func TestRecoveryManager_ResumesStaleRunningSaga(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 2, domain.StrategyAutomatic)

	rm := newRecoveryManager(fx, testRecoveryConfig())
	rm.Pass(ctx)

	stored, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, []int{0, 1}, fx.dispatcher.forwardOrder)
	assert.Empty(t, stored.LeaseOwner)
}

func TestRecoveryManager_ResumesStaleCompensatingSaga(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := compensatingSaga(t, fx.store, 3, 2)

	rm := newRecoveryManager(fx, testRecoveryConfig())
	rm.Pass(ctx)

	stored, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, stored.Status)
	assert.Equal(t, []int{1, 0}, fx.dispatcher.compOrder)
	assert.Empty(t, fx.dispatcher.forwardOrder)
}

func TestRecoveryManager_DeadLettersPastRetryBudget(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 2, domain.StrategyAutomatic)

	cfg := testRecoveryConfig()
	cfg.MaxRetries = 0
	rm := newRecoveryManager(fx, cfg)
	rm.Pass(ctx)

	stored, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusFailed, stored.Status)
	assert.True(t, stored.DeadLettered)
	assert.Empty(t, fx.dispatcher.forwardOrder)
	assert.Contains(t, fx.publisher.eventTypes(), events.SagaDeadLetteredEvent)
}

func TestRecoveryManager_TerminalSagaIsUntouched(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	rm := newRecoveryManager(fx, testRecoveryConfig())

	saga := newRunningSaga(t, fx.store, 2, domain.StrategyAutomatic)
	_, err := fx.executor.Run(ctx, saga)
	require.NoError(t, err)

	before, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompleted, before.Status)
	calls := len(fx.dispatcher.forwardOrder)

	rm.recover(ctx, saga.ID)

	// No lease, no version bump, no re-dispatch
	after, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, after.Status)
	assert.Equal(t, before.Version.Value, after.Version.Value)
	assert.Equal(t, before.RetryCount, after.RetryCount)
	assert.Empty(t, after.LeaseOwner)
	assert.Len(t, fx.dispatcher.forwardOrder, calls)
}

func TestRecoveryManager_SkipsSagaLeasedByAnotherOwner(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 2, domain.StrategyAutomatic)

	acquired, err := fx.store.AcquireLease(ctx, saga.ID, "another-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	rm := newRecoveryManager(fx, testRecoveryConfig())
	rm.Pass(ctx)

	stored, err := fx.store.Get(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusRunning, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Empty(t, fx.dispatcher.forwardOrder)
}

func TestRecoveryManager_PurgesOldTerminalSagas(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	saga := newRunningSaga(t, fx.store, 1, domain.StrategyAutomatic)

	_, err := fx.executor.Run(ctx, saga)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	cfg := testRecoveryConfig()
	cfg.Retention = time.Nanosecond
	rm := newRecoveryManager(fx, cfg)
	rm.Pass(ctx)

	_, err = fx.store.Get(ctx, saga.ID)
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)
}

func TestRecoveryManager_StartStop(t *testing.T) {
	fx := newEngineFixture(t)
	cfg := testRecoveryConfig()
	cfg.Interval = 5 * time.Millisecond
	rm := newRecoveryManager(fx, cfg)

	saga := newRunningSaga(t, fx.store, 1, domain.StrategyAutomatic)

	rm.Start()
	require.Eventually(t, func() bool {
		stored, err := fx.store.Get(context.Background(), saga.ID)
		return err == nil && stored.Status == domain.SagaStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rm.Stop(ctx))
}
