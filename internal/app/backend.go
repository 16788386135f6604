package app

import (
	"context"
	"fmt"

	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/internal/app/storage/cache"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/internal/app/storage/mongo"
	"github.com/quantumshield/backend/internal/app/storage/postgres"
	"github.com/quantumshield/backend/internal/config"
	"github.com/quantumshield/backend/pkg/logger"
)

// OpenBackend connects the configured storage driver and, when a redis URL
// is set, wraps it with the read-through cache. Postgres schemas are
// migrated on open.
func OpenBackend(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (storage.Backend, error) {
	if log == nil {
		log = logger.NewDefault("storage")
	}

	var backend storage.Backend
	switch cfg.Driver {
	case "", "memory":
		backend = memory.New()
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		backend = pg
	case "mongo":
		m, err := mongo.Open(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		backend = m
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}

	if cfg.RedisURL != "" {
		cached, err := cache.Dial(ctx, cfg.RedisURL, backend, cfg.CacheTTL, log.Named("cache"))
		if err != nil {
			backend.Close()
			return nil, err
		}
		log.WithField("ttl", cfg.CacheTTL).Info("redis cache enabled")
		backend = cached
	}
	log.WithField("driver", cfg.Driver).Info("storage backend ready")
	return backend, nil
}
