// Package app wires configuration into the store, the notification bus and
// the engine. It is shared by the server and the one-shot sweep command.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Shivanand-hulikatti/activity-signup/internal/config"
	"github.com/Shivanand-hulikatti/activity-signup/internal/database"
	"github.com/Shivanand-hulikatti/activity-signup/internal/notify"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository/memory"
	"github.com/Shivanand-hulikatti/activity-signup/internal/service"
	"github.com/redis/go-redis/v9"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config config.Config
	Logger *slog.Logger
	Store  repository.Store
	Redis  *redis.Client
	Hub    *notify.Hub
	Engine *service.Engine

	closers []func()
}

// New connects the configured backends and builds the engine. Callers must
// call Close once done.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Hub: notify.NewHub(logger)}

	switch cfg.Store {
	case config.StoreMemory:
		a.Store = memory.New()
		logger.Warn("using in-memory store, data is lost on exit")
	default:
		pool, err := database.NewPool(ctx, cfg.DB, logger)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := database.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Store = repository.NewPgStore(pool)
		logger.Info("connected to PostgreSQL", "host", cfg.DB.Host, "database", cfg.DB.DBName)
	}

	opts := service.Options{
		Policy:       cfg.Reputation,
		Logger:       logger,
		Notifier:     notify.HubNotifier{Hub: a.Hub},
		TxMaxRetries: cfg.TxMaxRetries,
		SweepWorkers: cfg.SweepWorkers,
		SweepBatch:   cfg.SweepBatch,
		SweepLease:   cfg.SweepLease,
	}

	if cfg.RedisAddr != "" {
		a.Redis = notify.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		opts.Notifier = notify.NewRedisNotifier(a.Redis, cfg.NotifyChannel)
		opts.Locker = notify.NewRedisLocker(a.Redis)
		logger.Info("connected to Redis", "addr", cfg.RedisAddr, "channel", cfg.NotifyChannel)
	}

	a.Engine = service.NewEngine(a.Store, opts)
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
