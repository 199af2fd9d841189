// Package bootstrap turns a loaded config into the running dependencies that
// the api, worker and gpuctl binaries share.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"gpu-quota-service/internal/config"
	"gpu-quota-service/internal/repository"
	"gpu-quota-service/internal/repository/memory"
	"gpu-quota-service/internal/repository/postgresql"
	"gpu-quota-service/internal/repository/sqlite"
	"gpu-quota-service/internal/service"
)

// OpenStore opens the configured driver. The caller closes the store.
func OpenStore(ctx context.Context, cfg config.Store, log logr.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.Migrate {
			if err := postgresql.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("postgres migrate: %w", err)
			}
		}
		log.Info("store opened", "driver", cfg.Driver, "dsn", config.RedactDSN(cfg.PostgresDSN), "migrate", cfg.Migrate)
		return postgresql.NewStore(pool), nil

	case "sqlite":
		s, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		log.Info("store opened", "driver", cfg.Driver, "path", cfg.SQLitePath)
		return s, nil

	case "memory":
		log.Info("store opened", "driver", cfg.Driver)
		return memory.NewStore(), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// NewWakeup connects to redis when an address is configured. Without one the
// worker polls and the returned closer is a no-op.
func NewWakeup(ctx context.Context, cfg config.Redis, log logr.Logger) (service.Wakeup, func() error, error) {
	if cfg.Addr == "" {
		log.Info("redis not configured, worker wakeup disabled")
		return nil, func() error { return nil }, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	log.Info("redis wakeup enabled", "addr", cfg.Addr, "key", cfg.WakeupKey)
	return service.NewRedisWakeup(rdb, cfg.WakeupKey), rdb.Close, nil
}

func Policy(cfg config.Policy) service.Policy {
	return service.Policy{
		MaxGPUCount:     cfg.MaxGPUCount,
		MaxActiveJobs:   cfg.MaxActiveJobs,
		StandardQuota:   cfg.StandardQuota,
		PrivilegedQuota: cfg.PrivilegedQuota,
		CommandDenylist: cfg.CommandDenylist,
	}
}
