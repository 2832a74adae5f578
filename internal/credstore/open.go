package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/moralrecordings/mrstream/internal/credstore/postgres"
	"github.com/moralrecordings/mrstream/internal/credstore/redis"
	"github.com/moralrecordings/mrstream/internal/crypto"
	"github.com/moralrecordings/mrstream/internal/metrics"
	"github.com/moralrecordings/mrstream/internal/platform/config"
	"github.com/moralrecordings/mrstream/internal/platform/retry"
)

// Open connects the configured backend and wraps it with encryption when a key is set.
// m instruments the networked backends and may be nil.
func Open(ctx context.Context, cfg *config.Config, m *metrics.StoreMetrics) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.CredentialStore {
	case config.StorePostgres:
		store, err = openPostgres(ctx, cfg.DatabaseURL, m)
	case config.StoreRedis:
		store, err = openRedis(ctx, cfg.RedisURL, m)
	default:
		store = NewFileStore(cfg.CredentialFile, clockwork.NewRealClock())
	}
	if err != nil {
		return nil, err
	}

	if cfg.TokenEncryptionKey == "" {
		return store, nil
	}

	svc, err := crypto.NewAESGCM(cfg.TokenEncryptionKey)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create crypto service: %w", err)
	}
	return NewEncrypted(store, svc), nil
}

func connectPolicy(backend string) retry.Policy {
	p := retry.ConnectPolicy()
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("credential store unreachable, retrying", "backend", backend, "attempt", attempt, "backoff", backoff, "error", err)
	}
	return p
}

func openPostgres(ctx context.Context, databaseURL string, m *metrics.StoreMetrics) (Store, error) {
	var tracer pgx.QueryTracer
	if m != nil {
		tracer = postgres.NewMetricsTracer(m)
	}

	pool, err := retry.Do(ctx, connectPolicy(config.StorePostgres), retry.ClassifyNetwork,
		func(ctx context.Context) (*pgxpool.Pool, error) {
			return postgres.Connect(ctx, databaseURL, tracer)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return postgres.NewStore(pool), nil
}

func openRedis(ctx context.Context, redisURL string, m *metrics.StoreMetrics) (Store, error) {
	rdb, err := retry.Do(ctx, connectPolicy(config.StoreRedis), retry.ClassifyNetwork,
		func(ctx context.Context) (*goredis.Client, error) {
			return redis.NewClient(ctx, redisURL)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if m != nil {
		rdb.AddHook(redis.NewMetricsHook(m))
	}
	return redis.NewStore(rdb), nil
}
