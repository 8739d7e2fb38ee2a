package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sectorwars/trade-engine/internal/config"
	"github.com/sectorwars/trade-engine/internal/inventory"
	"github.com/sectorwars/trade-engine/internal/negotiation"
	"github.com/sectorwars/trade-engine/internal/pricing"
	"github.com/sectorwars/trade-engine/internal/store"
	"github.com/sectorwars/trade-engine/internal/trade"
	"github.com/sectorwars/trade-engine/internal/uniqueness"
)

// openStore connects the configured backend, migrated and optionally
// wrapped in the Redis cache. The returned cleanup closes everything.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var st store.Store
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		lite, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", cfg.Store.SQLitePath)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid store.redis_url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL)
	}
	return st, closeAll, nil
}

// newService wires the engine components over st.
func newService(ctx context.Context, cfg *config.Config, st store.Store, hub *trade.WSHub) (*trade.Service, error) {
	pricer, err := pricing.NewModel(cfg.PricingParams())
	if err != nil {
		return nil, err
	}
	clock := inventory.NewClock(cfg.Inventory.StorageHours, cfg.Inventory.MinCapacity)

	emb := uniqueness.NewHashEmbedder(cfg.Uniqueness.Dimensions)
	idx, err := uniqueness.NewChromemIndex(cfg.Uniqueness.PersistPath, emb)
	if err != nil {
		return nil, err
	}
	guard := uniqueness.NewGuard(st, idx, emb, cfg.Uniqueness.Threshold)
	if err := guard.Load(ctx); err != nil {
		return nil, err
	}

	evaluator, err := negotiation.NewLLMEvaluator(cfg.LLMParams())
	if err != nil {
		return nil, err
	}
	if !evaluator.Enabled() {
		slog.Info("llm evaluator disabled, scoring statements by rules")
	}

	engine := negotiation.NewEngine(cfg.NegotiationParams(), trade.InstrumentGuard(guard), evaluator, nil)
	sessions := negotiation.NewRegistry(cfg.Negotiation.MaxSessions, cfg.Negotiation.SessionTTL)

	return trade.NewService(st, pricer, clock, engine, sessions, hub,
		trade.WithConflictRetries(cfg.Negotiation.ConflictRetries)), nil
}
