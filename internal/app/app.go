// Package app wires configuration into a ready store and trade service. It
// is shared by the HTTP server and tradectl so both see the same data.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fantalega/trade-engine/internal/catalog"
	"github.com/fantalega/trade-engine/internal/config"
	"github.com/fantalega/trade-engine/internal/metrics"
	"github.com/fantalega/trade-engine/internal/settlement"
	"github.com/fantalega/trade-engine/internal/store"
	"github.com/fantalega/trade-engine/internal/trade"
)

var ErrNoDatabase = errors.New("app: DATABASE_URL is not set")

// Backend is an opened store plus the handles that must be released with it.
type Backend struct {
	Store store.Store
	// Postgres is nil when running on the in-memory store.
	Postgres *store.PostgresStore

	cleanup []func() error
}

// Open builds the store described by cfg:
//
//	DATABASE_URL set    PostgreSQL, optionally behind the Redis cache
//	DATABASE_URL empty  in-memory, seeded from CATALOG_SEED_PATH if given
//
// JOURNAL_PATH moves the settlement journal to a SQLite file in both cases.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	b := &Backend{}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: connect database: %w", err)
		}
		b.cleanup = append(b.cleanup, func() error { pool.Close(); return nil })
		if err := pool.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("app: ping database: %w", err)
		}
		b.Postgres = store.NewPostgresStore(pool)
		b.Store = b.Postgres
		logger.Info("connected to PostgreSQL")

		if cfg.Migrate {
			if err := b.Postgres.Migrate(ctx); err != nil {
				b.Close()
				return nil, err
			}
			logger.Info("schema migrated")
		}

		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("app: invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			b.cleanup = append(b.cleanup, rdb.Close)
			b.Store = store.NewCachedStore(b.Store, rdb, cfg.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		b.Store = ms
		if cfg.CatalogSeed != "" {
			if _, err := SeedFile(ctx, ms, cfg.CatalogSeed, logger); err != nil {
				return nil, err
			}
		}
	}

	if cfg.JournalPath != "" {
		j, err := store.OpenGormJournal(cfg.JournalPath)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.cleanup = append(b.cleanup, j.Close)
		b.Store = store.WithJournal(b.Store, j)
		logger.Info("settlement journal on SQLite", "path", cfg.JournalPath)
	}
	return b, nil
}

// Close releases every handle in reverse order of acquisition.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		errs = append(errs, b.cleanup[i]())
	}
	b.cleanup = nil
	return errors.Join(errs...)
}

// Migrate applies the PostgreSQL schema.
func (b *Backend) Migrate(ctx context.Context) error {
	if b.Postgres == nil {
		return ErrNoDatabase
	}
	return b.Postgres.Migrate(ctx)
}

// NewEngine returns a settlement engine reporting to the Prometheus metrics.
func NewEngine(st settlement.Store, logger *slog.Logger) *settlement.Engine {
	return settlement.NewEngine(st,
		settlement.WithLogger(logger),
		settlement.WithObserver(metrics.SettlementObserver{}),
	)
}

// NewService builds the trade service over b. hub may be nil.
func (b *Backend) NewService(logger *slog.Logger, hub *trade.WSHub) *trade.Service {
	return trade.NewService(b.Store, NewEngine(b.Store, logger), hub)
}

// SeedFile loads a YAML catalog into dst.
func SeedFile(ctx context.Context, dst store.Seeder, path string, logger *slog.Logger) (catalog.Stats, error) {
	f, err := catalog.LoadFile(path)
	if err != nil {
		return catalog.Stats{}, err
	}
	stats, err := catalog.Seed(ctx, dst, f)
	if err != nil {
		return stats, err
	}
	logger.Info("catalog seeded", "path", path,
		"participants", stats.Participants, "blocks", stats.Blocks, "players", stats.Players)
	return stats, nil
}
