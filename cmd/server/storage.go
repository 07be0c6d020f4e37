package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/JeanGrijp/tiered-limiter/internal/adapters/storage/memory"
	redisstorage "github.com/JeanGrijp/tiered-limiter/internal/adapters/storage/redis"
	"github.com/JeanGrijp/tiered-limiter/internal/adapters/storage/sqldb"
	"github.com/JeanGrijp/tiered-limiter/internal/config"
	"github.com/JeanGrijp/tiered-limiter/internal/core/ports"
)

// backend bundles the store with its optional health check and cleanup.
type backend struct {
	store  ports.Store
	health ports.HealthChecker
	close  func()
}

func initStorage(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (backend, error) {
	switch cfg.Type {
	case "redis":
		storage, err := redisstorage.New(redisstorage.Config{
			Addr:        fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			MaxRetries:  cfg.Redis.MaxRetries,
			RetryBudget: cfg.Redis.RetryBudget,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return backend{}, err
		}
		return backend{store: storage, health: storage, close: func() {
			if err := storage.Close(); err != nil {
				log.Error("failed to close redis storage", "error", err)
			}
		}}, nil

	case "sqlite", "postgres":
		storage, err := sqldb.Open(ctx, cfg.Type, cfg.SQL.DSN)
		if err != nil {
			return backend{}, err
		}
		janitorCtx, cancel := context.WithCancel(ctx)
		go storage.RunJanitor(janitorCtx, cfg.SQL.JanitorInterval, log)
		return backend{store: storage, health: storage, close: func() {
			cancel()
			if err := storage.Close(); err != nil {
				log.Error("failed to close sql storage", "error", err)
			}
		}}, nil

	case "memory":
		log.Warn("memory storage only limits this instance; quotas are not shared across replicas")
		storage := memory.New()
		return backend{store: storage, health: storage, close: func() {}}, nil

	default:
		return backend{}, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
