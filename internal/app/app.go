// Package app wires the store, engine and Redis helpers shared by the binaries.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/config"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/inventory"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/postgres"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/redisx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

type App struct {
	Cfg        config.Config
	Log        *zap.Logger
	Store      stock.Store
	Redis      *redis.Client // nil when REDIS_ADDR is empty
	Engine     *inventory.Engine
	Stats      *inventory.Stats
	Reaper     *inventory.Reaper
	Reconciler *inventory.Reconciler

	closers []func()
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	switch cfg.StoreDriver {
	case "memory":
		a.Store = stock.NewMemStore()
		log.Warn("using in-memory store; state is lost on exit and not shared between processes")
	default:
		if cfg.AutoMigrate {
			if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.Store = stock.NewRepo(pool, cfg.Engine.LockTimeout)
	}

	var (
		cache       inventory.SnapshotCache
		reaperLease inventory.Lease
		recLease    inventory.Lease
	)
	if cfg.RedisAddr != "" {
		a.Redis = redisx.New(cfg.RedisAddr)
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable at startup; cache and leases degrade", zap.Error(err))
		}
		owner := instanceID(cfg.ServiceName)
		cache = &redisx.JSONCache{Redis: a.Redis}
		reaperLease = &redisx.Lease{Redis: a.Redis, Key: redisx.KeyReaperLease, Owner: owner}
		recLease = &redisx.Lease{Redis: a.Redis, Key: redisx.KeyReconcileLease, Owner: owner}
	}

	a.Engine = inventory.NewEngine(a.Store, log.Named("engine"), inventory.Options{
		TTL:         cfg.Engine.ReservationTTL,
		MaxRetries:  cfg.Engine.MaxRetries,
		OpTimeout:   cfg.Engine.OpTimeout,
		ReaperBatch: cfg.Engine.ReaperBatch,
	})
	a.Stats = inventory.NewStats(a.Store, cache, cfg.Engine.StatsTTL, log.Named("stats"))
	a.Reaper = inventory.NewReaper(a.Engine, reaperLease, cfg.Engine.ReaperInterval, log.Named("reaper"))
	a.Reconciler = inventory.NewReconciler(a.Store, recLease, cfg.Engine.ReconcileInterval, log.Named("reconciler"))
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func instanceID(service string) string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s@%s:%d", service, host, os.Getpid())
}
