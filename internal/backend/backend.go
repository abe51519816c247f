// Package backend opens the cache, checkpoint store and run queue selected
// by configuration.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stageflow/internal/cache"
	"github.com/petrijr/stageflow/internal/config"
	"github.com/petrijr/stageflow/internal/engine"
	"github.com/petrijr/stageflow/internal/persistence"
	"github.com/petrijr/stageflow/internal/taskqueue"
	"github.com/petrijr/stageflow/pkg/api"
)

// Backends holds the opened storage of one process. Close releases every
// connection it opened.
type Backends struct {
	Cache       api.Cache
	Checkpoints api.CheckpointStore
	Queue       taskqueue.Queue

	closers []func(context.Context) error
}

// Open connects the backends named in cfg. The run queue lives next to the
// checkpoints when that backend can hold one, and in memory otherwise.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Backends, error) {
	b := &Backends{}

	if err := b.openCheckpoints(ctx, cfg.Checkpoint); err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("open checkpoint backend %q: %w", cfg.Checkpoint.Backend, err)
	}
	if err := b.openCache(ctx, cfg.Cache, cfg.Engine, logger); err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("open cache backend %q: %w", cfg.Cache.Backend, err)
	}
	if b.Queue == nil {
		b.Queue = taskqueue.NewInMemoryQueue(1024)
	}

	logger.Info().
		Str("checkpoint_backend", orDefault(cfg.Checkpoint.Backend, "memory")).
		Str("cache_backend", orDefault(cfg.Cache.Backend, "memory")).
		Msg("backends_opened")
	return b, nil
}

func (b *Backends) openCheckpoints(ctx context.Context, cfg config.CheckpointConfig) error {
	switch cfg.Backend {
	case "", "memory":
		store := persistence.NewInMemoryStore()
		store.SetMaxHistory(cfg.MaxHistory)
		b.Checkpoints = store
		return nil

	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return err
		}
		b.onClose(func(context.Context) error { return db.Close() })
		store, err := persistence.NewSQLiteCheckpointStore(db)
		if err != nil {
			return err
		}
		store.SetMaxHistory(cfg.MaxHistory)
		q, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			return err
		}
		b.Checkpoints, b.Queue = store, q
		return nil

	case "postgres":
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return err
		}
		b.onClose(func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		store, err := persistence.NewPostgresCheckpointStore(db)
		if err != nil {
			return err
		}
		store.SetMaxHistory(cfg.MaxHistory)
		q, err := taskqueue.NewPostgresQueue(db)
		if err != nil {
			return err
		}
		b.Checkpoints, b.Queue = store, q
		return nil

	case "redis":
		client, err := redisClient(ctx, cfg.DSN)
		if err != nil {
			return err
		}
		b.onClose(func(context.Context) error { return client.Close() })
		b.Checkpoints = persistence.NewRedisCheckpointStore(client, cfg.Prefix, cfg.MaxHistory)
		b.Queue = taskqueue.NewRedisQueue(client, cfg.Prefix)
		return nil

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return err
		}
		b.onClose(client.Disconnect)
		store, err := persistence.NewMongoCheckpointStore(ctx, client, cfg.Database, cfg.Collection)
		if err != nil {
			return err
		}
		store.SetMaxHistory(cfg.MaxHistory)
		b.Checkpoints = store
		b.Queue = taskqueue.NewMongoQueue(client, cfg.Database, "")
		return nil

	default:
		return errors.New("unsupported backend")
	}
}

func (b *Backends) openCache(ctx context.Context, cfg config.CacheConfig, eng config.EngineConfig, logger zerolog.Logger) error {
	switch cfg.Backend {
	case "none":
		return nil

	case "", "memory":
		c := cache.NewMemoryCache(cache.Options{
			Shards:     cfg.Shards,
			MaxEntries: cfg.MaxEntries,
			DefaultTTL: eng.DefaultCacheTTL,
		})
		if cfg.SweepInterval > 0 {
			sctx, cancel := context.WithCancel(context.Background())
			c.StartSweeper(sctx, cfg.SweepInterval, logger)
			b.onClose(func(context.Context) error { cancel(); return nil })
		}
		b.Cache = c
		return nil

	case "redis":
		client, err := redisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		b.onClose(func(context.Context) error { return client.Close() })
		b.Cache = cache.NewRedisCache(client, cfg.Prefix, eng.DefaultCacheTTL)
		return nil

	default:
		return errors.New("unsupported backend")
	}
}

func redisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// EngineConfig returns the engine configuration that uses these backends.
func (b *Backends) EngineConfig(cfg config.EngineConfig, obs api.Observer) engine.Config {
	return engine.Config{
		Checkpoints:         b.Checkpoints,
		Cache:               b.Cache,
		Observer:            obs,
		DefaultStageTimeout: cfg.DefaultStageTimeout,
		DefaultCacheTTL:     cfg.DefaultCacheTTL,
		MaxSteps:            cfg.MaxSteps,
		GroupConcurrency:    cfg.GroupConcurrency,
	}
}

func (b *Backends) onClose(fn func(context.Context) error) {
	b.closers = append(b.closers, fn)
}

// Close releases connections in reverse opening order.
func (b *Backends) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
