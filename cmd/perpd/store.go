package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/logging"
	"github.com/atmx/perp-engine/internal/store"
)

// backend is the opened store plus the shared Redis client, if any.
type backend struct {
	store   store.Store
	redis   *redis.Client
	cleanup []func()
}

func (b *backend) close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

// openBackend connects the configured store and wraps it with the Redis
// journal cache when redis.url is set.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}

	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		b.cleanup = append(b.cleanup, pool.Close)
		b.store = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	case "sqlite":
		if dir := filepath.Dir(cfg.Database.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		st, err := store.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		b.cleanup = append(b.cleanup, func() { st.Close() })
		b.store = st
		slog.Info("opened SQLite", "path", cfg.Database.Path)
	default:
		slog.Warn("using in-memory store (data will not persist)")
		b.store = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		b.redis = redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { b.redis.Close() })
		if cfg.Database.Driver != "memory" {
			b.store = store.NewCachedStore(b.store, b.redis, cfg.Redis.CacheTTL)
			slog.Info("Redis journal cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	}
	return b, nil
}

func migrate(ctx context.Context, st store.Store) error {
	m, ok := st.(store.Migrator)
	if !ok {
		return nil
	}
	return m.Migrate(ctx)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level)

	b, err := openBackend(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer b.close()

	if err := migrate(cmd.Context(), b.store); err != nil {
		return err
	}
	slog.Info("schema up to date", "driver", cfg.Database.Driver)
	return nil
}
