package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fedgraph/saga-system/saga-service/application"
	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/saga-service/handlers"
	"github.com/fedgraph/saga-system/saga-service/infrastructure"
	sharedinfra "github.com/fedgraph/saga-system/shared/infrastructure"
	"github.com/fedgraph/saga-system/shared/logging"
	"github.com/fedgraph/saga-system/shared/models"
	"github.com/fedgraph/saga-system/shared/telemetry"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

type Dependencies struct {
	// Database
	DB *sqlx.DB

	// Redis
	RedisClient *redis.Client

	// Stores
	SagaStore  *infrastructure.PostgresSagaStore
	SagaCache  *infrastructure.RedisSagaCache
	EventStore *sharedinfra.PostgresEventStore

	// Dispatcher
	Dispatcher *infrastructure.GraphQLDispatcher

	// Use Cases
	CreateSaga     *application.CreateSaga
	GetSaga        *application.GetSaga
	ExecuteSaga    *application.ExecuteSaga
	CompensateSaga *application.CompensateSaga

	// Background workers
	RecoveryManager *application.RecoveryManager

	// HTTP Handlers
	SagaHandlers *handlers.SagaHandlers

	// Event Handlers
	SagaEventHandlers *handlers.SagaEventHandlers

	// Infrastructure
	EventPublisher  *sharedinfra.SNSPublisherAdapter
	EventSubscriber *sharedinfra.SQSSubscriberAdapter

	// Logging
	Logger *logging.Logger

	// Telemetry
	Telemetry *telemetry.Telemetry
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{}
	deps.Logger = logging.New(config.ServiceName, nil)

	if config.Telemetry.Enabled {
		telConfig := telemetry.SagaServiceConfig.WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
		tel, err := telemetry.Init(ctx, telConfig)
		if err != nil {
			log.Printf("Failed to initialize telemetry: %v", err)
			// Continue without telemetry rather than failing
		} else {
			deps.Telemetry = tel
		}
	}

	db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	deps.DB = db

	deps.SagaStore = infrastructure.NewPostgresSagaStore(db)
	if err := deps.SagaStore.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure saga schema: %w", err)
	}
	deps.EventStore = sharedinfra.NewPostgresEventStore(db)
	if err := deps.EventStore.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure event stream schema: %w", err)
	}

	deps.RedisClient = redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	deps.SagaCache = infrastructure.NewRedisSagaCache(deps.RedisClient, config.CacheTTL())

	eventPublisher, err := sharedinfra.NewSNSPublisherAdapter(config.AWS.SNSTopicArn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create SNS publisher: %w", err)
	}
	deps.EventPublisher = eventPublisher

	eventSubscriber, err := sharedinfra.NewSQSSubscriberAdapter(config.AWS.SQSQueueURL, deps.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create SQS subscriber: %w", err)
	}
	deps.EventSubscriber = eventSubscriber

	deps.Dispatcher = infrastructure.NewGraphQLDispatcher(config.Subgraphs, config.DispatchTimeout())

	stepRetry := toRetryPolicy(config.Engine.StepRetry)
	compRetry := toRetryPolicy(config.Engine.CompensationRetry)
	persistRetry := toRetryPolicy(config.Engine.PersistRetry)

	deps.CompensateSaga = application.NewCompensateSaga(
		deps.SagaStore, deps.Dispatcher, eventPublisher,
		compRetry, persistRetry, deps.Logger,
	)
	deps.ExecuteSaga = application.NewExecuteSaga(
		deps.SagaStore, deps.Dispatcher, eventPublisher, deps.CompensateSaga,
		stepRetry, persistRetry, deps.Logger,
	)
	deps.CreateSaga = application.NewCreateSaga(
		deps.SagaStore, deps.SagaCache, deps.ExecuteSaga, eventPublisher,
		persistRetry, domain.CompensationStrategy(config.Engine.DefaultStrategy),
		config.Engine.MaxConcurrentSagas, deps.Logger,
	)
	deps.GetSaga = application.NewGetSaga(deps.SagaStore, deps.SagaCache, deps.Logger)

	deps.RecoveryManager = application.NewRecoveryManager(
		deps.SagaStore, deps.ExecuteSaga, deps.CompensateSaga, eventPublisher,
		toRecoveryConfig(config.Engine.Recovery), recoveryOwner(), deps.Logger,
	)

	deps.SagaHandlers = handlers.NewSagaHandlers(deps.CreateSaga, deps.GetSaga)
	deps.SagaEventHandlers = handlers.NewSagaEventHandlers(deps.EventStore, deps.Logger)

	return deps, nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.RedisClient != nil {
		if err := d.RedisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}

	if d.EventPublisher != nil {
		if err := d.EventPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	if d.Telemetry != nil {
		if err := d.Telemetry.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}

func toRetryPolicy(r Retry) application.RetryPolicy {
	policy := application.DefaultRetryPolicy()
	if r.MaxAttempts > 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if r.BaseMS > 0 {
		policy.Base = time.Duration(r.BaseMS) * time.Millisecond
	}
	if r.Factor > 0 {
		policy.Factor = r.Factor
	}
	if r.CapMS > 0 {
		policy.Cap = time.Duration(r.CapMS) * time.Millisecond
	}
	return policy
}

func toRecoveryConfig(r Recovery) application.RecoveryConfig {
	cfg := application.DefaultRecoveryConfig()
	if r.IntervalSec > 0 {
		cfg.Interval = time.Duration(r.IntervalSec) * time.Second
	}
	if r.StalenessSec > 0 {
		cfg.StalenessThreshold = time.Duration(r.StalenessSec) * time.Second
	}
	if r.LeaseTTLSec > 0 {
		cfg.LeaseTTL = time.Duration(r.LeaseTTLSec) * time.Second
	}
	if r.MaxRetries > 0 {
		cfg.MaxRetries = r.MaxRetries
	}
	if r.ScanLimit > 0 {
		cfg.ScanLimit = r.ScanLimit
	}
	if r.RetentionHrs > 0 {
		cfg.Retention = time.Duration(r.RetentionHrs) * time.Hour
	}
	return cfg
}

// recoveryOwner identifies this process in saga leases
func recoveryOwner() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "saga-service"
	}
	return fmt.Sprintf("%s-%s", hostname, models.GenerateUUID().String())
}
