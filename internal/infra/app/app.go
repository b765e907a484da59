package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/infra/config"
	"github.com/arklim/sso-ticket-registry/internal/infra/database"
	kafkainfra "github.com/arklim/sso-ticket-registry/internal/infra/kafka"
	"github.com/arklim/sso-ticket-registry/internal/infra/logger"
	redisinfra "github.com/arklim/sso-ticket-registry/internal/infra/redis"
	"github.com/arklim/sso-ticket-registry/internal/infra/security"
	"github.com/arklim/sso-ticket-registry/internal/infra/telemetry"
	"github.com/arklim/sso-ticket-registry/internal/repository/memory"
	postgresrepo "github.com/arklim/sso-ticket-registry/internal/repository/postgres"
	redisrepo "github.com/arklim/sso-ticket-registry/internal/repository/redis"
	"github.com/arklim/sso-ticket-registry/internal/transport/http/middleware"
	"github.com/arklim/sso-ticket-registry/internal/transport/http/routes"
	"github.com/arklim/sso-ticket-registry/internal/usecase"
)

const (
	shutdownTimeout = 10 * time.Second
	registryTracer  = "github.com/arklim/sso-ticket-registry/internal/usecase"
)

type Application struct {
	cfg       *config.AppConfig
	engine    *gin.Engine
	logger    *zap.Logger
	telemetry *telemetry.Provider
	pool      *pgxpool.Pool
	redis     *redisinfra.Client
	producer  *kafkainfra.Producer
	consumer  *kafkainfra.ConsumerGroup
	registry  *usecase.TicketRegistry
	cleaner   *usecase.TicketCleaner
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if cfg.App.NodeID == "" {
		cfg.App.NodeID = uuid.NewString()
	}
	log = log.With(zap.String("node_id", cfg.App.NodeID))

	a := &Application{cfg: cfg, logger: log}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Application) init(ctx context.Context) error {
	cfg, log := a.cfg, a.logger

	provider, err := telemetry.Attach(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = provider

	masterKey, err := security.LoadMasterKey(cfg.Cipher.MasterKey, cfg.App.Env, log)
	if err != nil {
		return fmt.Errorf("load master key: %w", err)
	}
	keys, err := security.DeriveTicketKeys(masterKey)
	if err != nil {
		return fmt.Errorf("derive ticket keys: %w", err)
	}
	cipher, err := security.NewTicketCipher(keys)
	if err != nil {
		return fmt.Errorf("init ticket cipher: %w", err)
	}

	catalog, err := domain.NewCatalog(cfg.Tickets.TicketPolicies())
	if err != nil {
		return fmt.Errorf("init ticket catalog: %w", err)
	}
	catalog.WithIDGenerator(security.NewTicketIDGenerator(cfg.App.NodeID))

	storage, err := a.buildStorage(ctx)
	if err != nil {
		return err
	}

	publisher, err := a.buildPublisher()
	if err != nil {
		return err
	}

	locks := usecase.NewKeyLocks()
	tombstones := usecase.NewTombstoneSet(cfg.Registry.TombstoneTTL)
	metrics := provider.Metrics()

	a.registry = usecase.NewTicketRegistry(storage, cipher, catalog, publisher, usecase.RegistryOptions{
		NodeID:           cfg.App.NodeID,
		MaxUpdateRetries: cfg.Registry.MaxUpdateRetries,
		StorageTimeout:   cfg.Registry.StorageTimeout,
		PublishTimeout:   cfg.Registry.PublishTimeout,
	}).
		WithLogger(log).
		WithMetrics(metrics).
		WithKeyLocks(locks).
		WithTombstones(tombstones).
		WithTracer(provider.Tracer(registryTracer))

	if cfg.Kafka.Enabled {
		receiver := usecase.NewReplicationReceiver(cfg.App.NodeID, storage, cipher, catalog, locks, tombstones).
			WithLogger(log).
			WithMetrics(metrics).
			WithStorageTimeout(cfg.Registry.StorageTimeout)
		consumer, err := kafkainfra.NewConsumerGroup(cfg.Kafka, cfg.App.NodeID, kafkainfra.NewCommandConsumer(receiver, log), log)
		if err != nil {
			return fmt.Errorf("init kafka consumer: %w", err)
		}
		a.consumer = consumer
	}

	if cfg.Cleaner.Enabled {
		lock, err := a.buildLock(ctx)
		if err != nil {
			return err
		}
		a.cleaner = usecase.NewTicketCleaner(a.registry, lock, usecase.CleanerOptions{
			ApplicationID: cfg.Cleaner.ApplicationID,
			StartDelay:    cfg.Cleaner.StartDelay,
			Interval:      cfg.Cleaner.Interval,
			LockLease:     cfg.Cleaner.LockTimeout,
		}).
			WithLogger(log).
			WithMetrics(metrics).
			WithTombstones(tombstones)
	}

	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Registerer: provider.Registerer()})
	if err != nil {
		return fmt.Errorf("init http metrics: %w", err)
	}

	deps := routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		Registry:    a.registry,
		Storage:     a.registry,
		Gatherer:    provider.Gatherer(),
		HTTPMetrics: httpMetrics,
	}
	if a.redis != nil {
		deps.Cache = a.redis
	}
	if a.pool != nil {
		deps.Database = a.pool
	}
	a.engine = routes.Register(deps)

	return nil
}

func (a *Application) buildStorage(ctx context.Context) (port.TicketStorage, error) {
	switch a.cfg.Registry.Storage {
	case config.BackendRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return redisrepo.NewTicketStorage(client.Client(), client.KeyPrefix()), nil
	case config.BackendPostgres:
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, err
		}
		return postgresrepo.NewTicketStorage(pool), nil
	default:
		a.logger.Info("using in-memory ticket storage; tickets are lost on restart")
		return memory.NewTicketStorage(), nil
	}
}

// buildLock defaults to the storage backend so the cleaner lock lives next to the tickets.
func (a *Application) buildLock(ctx context.Context) (port.LockingStrategy, error) {
	backend := a.cfg.Cleaner.Lock
	if backend == "" {
		backend = a.cfg.Registry.Storage
	}

	switch backend {
	case config.BackendRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return redisrepo.NewLockingStrategy(client.Client(), client.KeyPrefix()), nil
	case config.BackendPostgres:
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, err
		}
		return postgresrepo.NewLockingStrategy(pool), nil
	default:
		return memory.NewLockingStrategy(), nil
	}
}

func (a *Application) buildPublisher() (port.CommandPublisher, error) {
	if !a.cfg.Kafka.Enabled {
		a.logger.Info("kafka disabled, replication commands are logged only")
		return kafkainfra.NewStubPublisher(a.logger), nil
	}

	producer, err := kafkainfra.NewProducer(a.cfg.Kafka, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init kafka producer: %w", err)
	}
	a.producer = producer
	return kafkainfra.NewCommandPublisher(producer, a.cfg.App, a.logger), nil
}

func (a *Application) redisClient(ctx context.Context) (*redisinfra.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := redisinfra.NewClient(ctx, a.cfg.Redis, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	a.redis = client
	return client, nil
}

func (a *Application) postgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := database.NewPostgresPool(ctx, a.cfg.Postgres, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	a.pool = pool

	if a.cfg.Postgres.RunMigrations {
		if err := database.RunMigrations(ctx, pool, a.logger); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return pool, nil
}

// Registry exposes the ticket registry to embedding code.
func (a *Application) Registry() *usecase.TicketRegistry {
	return a.registry
}

func (a *Application) Run(ctx context.Context) error {
	defer a.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.consumer != nil {
		a.consumer.Start(runCtx)
	}

	cleanerDone := make(chan struct{})
	if a.cleaner != nil {
		go func() {
			defer close(cleanerDone)
			a.cleaner.Run(runCtx)
		}()
	} else {
		close(cleanerDone)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting SSO ticket registry",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
		zap.String("storage", a.cfg.Registry.Storage),
		zap.Bool("replication", a.cfg.Kafka.Enabled),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrCh:
	}

	cancel()
	<-cleanerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown server: %w", err)
	}
	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}

	return runErr
}

// close releases infrastructure in reverse dependency order. Safe on a partially built application.
func (a *Application) close() {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Warn("kafka consumer close failed", zap.Error(err))
		}
		a.consumer = nil
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("kafka producer close failed", zap.Error(err))
		}
		a.producer = nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	_ = a.logger.Sync()
}
