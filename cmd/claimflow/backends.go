package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/internal/idempotency"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/workflow"
)

// backends are the stores and brokers selected by configuration.
type backends struct {
	store  workflow.WorkflowStore
	broker workflow.Broker
	// stats is set for brokers that count deliveries.
	stats       observability.EventStats
	idempotency idempotency.Store

	redis   redis.UniversalClient
	closers []func()
}

// openBackends connects every configured backend. On error the backends
// opened so far are closed.
func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.close()
		}
	}()

	if b.store, err = b.openWorkflowStore(ctx, cfg, logger); err != nil {
		return nil, err
	}

	switch cfg.Workflow.Events.Driver {
	case config.DriverMemory:
		mem := workflow.NewMemoryBroker(cfg.Workflow.Events.BufferSize)
		b.broker, b.stats = mem, mem
	case config.DriverRedis:
		b.broker = workflow.NewRedisBroker(b.redisClient(cfg), cfg.Redis.KeyPrefix, logger.Named("events"))
	case config.DriverNone:
		logger.Info("workflow change events disabled")
	default:
		return nil, fmt.Errorf("unsupported events driver: %q", cfg.Workflow.Events.Driver)
	}

	if cfg.Idempotency.Enabled {
		switch cfg.Idempotency.Driver {
		case config.DriverMemory:
			b.idempotency = idempotency.NewMemoryStore()
		case config.DriverRedis:
			b.idempotency = idempotency.NewRedisStore(b.redisClient(cfg))
		default:
			return nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Idempotency.Driver)
		}
	}

	if b.redis != nil {
		if err = b.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: ping %s: %w", cfg.Redis.Address(), err)
		}
	}
	return b, nil
}

func (b *backends) openWorkflowStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (workflow.WorkflowStore, error) {
	storeCfg := cfg.Workflow.Store

	switch storeCfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory workflow store; workflows are lost on restart")
		return workflow.NewMemoryWorkflowStore(), nil
	case config.DriverSQLite:
		store, err := workflow.OpenSQLiteWorkflowStore(ctx, storeCfg.Path)
		if err != nil {
			return nil, fmt.Errorf("workflow store: %w", err)
		}
		b.closers = append(b.closers, func() { _ = store.Close() })
		logger.Info("using sqlite workflow store", zap.String("path", storeCfg.Path))
		return store, nil
	case config.DriverPostgres:
		pool, err := openPostgres(ctx, storeCfg)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		store := workflow.NewPgWorkflowStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("workflow store: %w", err)
		}
		logger.Info("using postgres workflow store")
		return store, nil
	case config.DriverRedis:
		logger.Info("using redis workflow store", zap.String("addr", cfg.Redis.Address()))
		return workflow.NewRedisWorkflowStore(b.redisClient(cfg), cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported workflow store driver: %q", storeCfg.Driver)
	}
}

func openPostgres(ctx context.Context, cfg config.WorkflowStoreConfig) (*pgxpool.Pool, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("workflow store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("workflow store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("workflow store: ping: %w", err)
	}
	return pool, nil
}

// redisClient returns the client shared by every redis driver.
func (b *backends) redisClient(cfg *config.Config) redis.UniversalClient {
	if b.redis == nil {
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Address(),
			DB:   cfg.Redis.DB,
		})
		b.redis = client
		b.closers = append(b.closers, func() { _ = client.Close() })
	}
	return b.redis
}

// readiness builds the readiness checks for the opened backends.
func (b *backends) readiness(catalogLoaded func() bool) observability.ReadinessChecks {
	checks := observability.ReadinessChecks{CatalogLoaded: catalogLoaded}
	if hc, ok := b.store.(observability.HealthChecker); ok {
		checks.WorkflowStore = hc
	}
	if hc, ok := b.idempotency.(observability.HealthChecker); ok {
		checks.IdempotencyStore = hc
	}
	if hc, ok := b.broker.(observability.HealthChecker); ok {
		checks.EventBroker = hc
	}
	return checks
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
