// Package main is the entry point of the warning engine service.
//
// The process hosts:
//   - the warning engine and its event queue
//   - the layered cache (in-process L1, optional Redis L2)
//   - the scheduled per-class sweep and cache cleanup jobs
//   - the REST API for ingestion, statistics and cache administration
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alem-hub/warning-engine/config"
	"github.com/alem-hub/warning-engine/internal/application/aggregator"
	"github.com/alem-hub/warning-engine/internal/application/engine"
	"github.com/alem-hub/warning-engine/internal/application/query"
	"github.com/alem-hub/warning-engine/internal/application/rules"
	"github.com/alem-hub/warning-engine/internal/application/sink"
	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/warning-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/warning-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/warning-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/warning-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/warning-engine/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/alem-hub/warning-engine/internal/interface/http"
	"github.com/alem-hub/warning-engine/internal/interface/http/handlers"
	"github.com/alem-hub/warning-engine/pkg/circuitbreaker"
	"github.com/alem-hub/warning-engine/pkg/logger"
	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// stores groups the persistence ports the engine and queries need.
type stores struct {
	rules    warning.RuleStore
	records  warning.RecordStore
	entities warning.EntityStore
	classes  jobs.ClassLister
	health   handlers.HealthCheckFunc
	close    func()
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION & LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Options{
		Output: os.Stdout,
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	slog.SetDefault(log)
	log.Info("starting warning engine",
		slog.String("env", string(cfg.App.Environment)),
		slog.String("version", cfg.App.Version),
		slog.String("storage", cfg.Storage.Driver),
	)

	clock := timeutil.SystemClock{}
	registry := prometheus.DefaultRegisterer

	// ─────────────────────────────────────────────────────────────────────────
	// 2. STORAGE
	// ─────────────────────────────────────────────────────────────────────────
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	// ─────────────────────────────────────────────────────────────────────────
	// 3. REDIS (optional: cache L2 + notification mirror)
	// ─────────────────────────────────────────────────────────────────────────
	var (
		redisStore *redis.Store
		remote     cache.Remote
	)
	if cfg.Redis.Enabled {
		redisStore, err = redis.Connect(ctx, redis.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   redis.DefaultConfig().MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			log.Warn("redis unavailable, running with in-process cache only", logger.Err(err))
		} else {
			defer redisStore.Close()
			breaker := circuitbreaker.RemoteCacheBreaker(
				circuitbreaker.WithIsFailure(redis.IsConnectionFailure),
				circuitbreaker.WithOnStateChange(func(name string, from, to circuitbreaker.State) {
					log.Warn("circuit breaker state changed",
						slog.String("breaker", name),
						slog.String("from", from.String()),
						slog.String("to", to.String()),
					)
				}),
			)
			remote = redis.NewGuardedStore(redisStore, breaker)
			log.Info("redis connection established")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. CACHE MANAGER
	// ─────────────────────────────────────────────────────────────────────────
	cm, err := cache.NewManager(cache.Options{
		Remote:       remote,
		RemotePrefix: cfg.Redis.CachePrefix,
		TopKeys:      cfg.Cache.TopKeys,
		Clock:        clock,
		Logger:       log,
		Registerer:   registry,
	})
	if err != nil {
		return fmt.Errorf("failed to create cache manager: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT BUS (WarningsUpdated notifications)
	// ─────────────────────────────────────────────────────────────────────────
	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.AsyncMode = true
	busCfg.Logger = log
	busCfg.Registerer = registry
	localBus, err := messaging.NewInMemoryEventBus(busCfg)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer func() { _ = localBus.Close() }()

	var notifier shared.EventPublisher = localBus
	if redisStore != nil && cfg.Redis.NotifyChannel != "" {
		redisBus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			Client:      redisStore,
			ChannelName: cfg.Redis.NotifyChannel,
			LocalBus:    localBus,
			Logger:      log,
		})
		if err != nil {
			log.Warn("notification mirror disabled", logger.Err(err))
		} else {
			defer func() { _ = redisBus.Close() }()
			notifier = redisBus
		}
	}

	notifyLog := log.With(logger.Component("notifications"))
	if err := localBus.Subscribe(shared.EventWarningsUpdated, func(e shared.Event) error {
		notifyLog.Info("warnings updated", slog.String("aggregate_id", e.AggregateID()), slog.Any("payload", e.Payload()))
		return nil
	}); err != nil {
		return fmt.Errorf("failed to subscribe notification log: %w", err)
	}
	if err := localBus.Subscribe(shared.EventProcessingFailed, func(e shared.Event) error {
		notifyLog.Warn("event processing failed", slog.String("aggregate_id", e.AggregateID()), slog.Any("payload", e.Payload()))
		return nil
	}); err != nil {
		return fmt.Errorf("failed to subscribe failure log: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. ENGINE
	// ─────────────────────────────────────────────────────────────────────────
	aggCfg := aggregator.DefaultConfig()
	if cfg.Engine.AggregationTimeout > 0 {
		aggCfg.Timeout = cfg.Engine.AggregationTimeout
	}

	eng, err := engine.New(engine.Config{
		QueueSize:             cfg.Engine.QueueSize,
		Workers:               cfg.Engine.Workers,
		DefaultCooldownHours:  cfg.Engine.DefaultCooldownHours,
		DefaultExpirationDays: cfg.Engine.DefaultExpirationDays,
		LatencyThreshold:      cfg.Engine.LatencyThreshold,
		HistorySize:           cfg.Engine.HistorySize,
	}, engine.Dependencies{
		Rules:    rules.NewRepository(st.rules, cm, log),
		Features: aggregator.New(st.entities, cm, aggCfg, clock, log),
		Entities: st.entities,
		Records:  st.records,
		Sink: sink.New(st.records, cm, sink.Config{
			DefaultExpirationDays: cfg.Engine.DefaultExpirationDays,
			MaxAttempts:           cfg.Engine.PersistAttempts,
			RetryDelay:            cfg.Engine.PersistRetryDelay,
		}, log),
		Cache:      cm,
		Notifier:   notifier,
		Clock:      clock,
		Logger:     log,
		Registerer: registry,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.New(scheduler.Config{
		Logger:         log,
		Timezone:       cfg.App.Location,
		MaxHistorySize: cfg.Scheduler.MaxHistorySize,
	})
	if cfg.Scheduler.Enabled {
		sweep := jobs.NewScheduledCheckJob(st.classes, eng, clock, log, jobs.ScheduledCheckConfig{
			Timeout: cfg.Scheduler.SweepTimeout,
		})
		if err := sched.Register(sweep, cfg.Scheduler.SweepSchedule); err != nil {
			return fmt.Errorf("failed to register sweep: %w", err)
		}
		if err := sched.Register(jobs.NewCacheCleanupJob(cm, cfg.Cache.MaxEntries), cfg.Scheduler.CleanupSchedule); err != nil {
			return fmt.Errorf("failed to register cache cleanup: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. HTTP API
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewCompositeHealthChecker(cfg.App.Version,
		handlers.WithCheckTimeout(cfg.HTTP.HealthTimeout),
		handlers.WithHealthClock(clock),
	)
	health.AddCheck("storage", st.health)
	health.AddCheck("engine", handlers.NewRunningCheck("engine", eng))
	if redisStore != nil {
		// The cache falls back to L1 when Redis is down.
		health.AddOptionalCheck("redis", handlers.NewPingCheck(redisStore))
	}
	if cfg.Scheduler.Enabled {
		health.AddCheck("scheduler", handlers.NewRunningCheck("scheduler", sched))
	}

	httpCfg := httpapi.DefaultConfig()
	httpCfg.Host = cfg.HTTP.Host
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	httpCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	httpCfg.MaxBodyBytes = cfg.HTTP.MaxBodyBytes
	httpCfg.MaxBatchSize = cfg.HTTP.MaxBatchSize
	httpCfg.EnableMetrics = cfg.Observability.MetricsEnabled
	httpCfg.APIKeys = cfg.HTTP.APIKeys

	server, err := httpapi.NewServer(httpCfg, httpapi.Dependencies{
		Engine:          eng,
		Cache:           cm,
		WarningStats:    query.NewGetWarningStatsHandler(st.records, cm, clock, log),
		StudentWarnings: query.NewGetStudentWarningsHandler(st.records, st.entities, cm, log),
		Scheduler:       sched,
		HealthChecker:   health,
		Gatherer:        prometheus.DefaultGatherer,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	serverErr := server.StartAsync()

	log.Info("warning engine is running", slog.String("address", httpCfg.Address()))

	// ─────────────────────────────────────────────────────────────────────────
	// 9. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			runErr = err
			log.Error("http server failed", logger.Err(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", logger.Err(err))
	}
	if sched.IsRunning() {
		if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
			log.Error("scheduler shutdown failed", logger.Err(err))
		}
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Error("engine did not drain before the deadline", logger.Err(err))
	}

	log.Info("shutdown completed", slog.Any("engine", eng.Status()))
	return runErr
}

// openStores connects the configured storage backend.
func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error) {
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.URL = cfg.Database.URL
		pgCfg.Host = cfg.Database.Host
		pgCfg.Port = cfg.Database.Port
		pgCfg.Database = cfg.Database.Name
		pgCfg.User = cfg.Database.User
		pgCfg.Password = cfg.Database.Password
		pgCfg.SSLMode = cfg.Database.SSLMode
		pgCfg.MaxConns = int32(cfg.Database.MaxConns)
		pgCfg.MinConns = int32(cfg.Database.MinConns)
		pgCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		pgCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
		pgCfg.ConnectTimeout = cfg.Database.ConnectTimeout

		conn, err := postgres.NewConnection(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established")

		if cfg.Storage.Migrate {
			applied, err := postgres.NewMigrator(conn).Migrate(ctx)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info("database schema is up to date", logger.Count("applied", applied))
		}

		entities := postgres.NewEntityRepository(conn)
		return &stores{
			rules:    postgres.NewRuleRepository(conn),
			records:  postgres.NewRecordRepository(conn),
			entities: entities,
			classes:  entities,
			health:   handlers.NewDatabaseCheck(conn),
			close:    conn.Close,
		}, nil

	default:
		log.Warn("using in-memory storage; data is lost on restart")
		store := memory.New()
		return &stores{
			rules:    store,
			records:  store,
			entities: store,
			classes:  store,
			health:   handlers.NewStaticCheck(map[string]string{"driver": config.StorageMemory}),
			close:    func() {},
		}, nil
	}
}
