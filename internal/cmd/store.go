package cmd

import (
	"context"
	"fmt"

	"github.com/amu-labs/gatekeep/internal/config"
	"github.com/amu-labs/gatekeep/internal/core"
	"github.com/amu-labs/gatekeep/internal/core/engine"
	"github.com/amu-labs/gatekeep/internal/core/store"
	"github.com/amu-labs/gatekeep/internal/core/store/redisstore"
)

// attemptStore is what the gateway and the rate-limit commands need from a
// store driver.
type attemptStore interface {
	engine.AttemptStore
	ListRateLimits(ctx context.Context, q core.RateLimitQuery) ([]core.RateLimitEntry, error)
	CountRateLimits(ctx context.Context, q core.RateLimitQuery) (int, error)
	ResetRateLimits(ctx context.Context, q core.RateLimitQuery) (int64, error)
	CheckHealth(ctx context.Context) error
	Driver() string
	Close() error
}

// memoryStore adapts the in-process store to attemptStore.
type memoryStore struct {
	*engine.MemoryAttemptStore
}

func (memoryStore) CheckHealth(context.Context) error { return nil }
func (memoryStore) Driver() string                    { return config.DriverMemory }
func (memoryStore) Close() error                      { return nil }

// openStore opens the driver selected by cfg.Store.Driver.
func openStore(ctx context.Context, cfg *config.Config) (attemptStore, error) {
	switch cfg.Store.Driver {
	case config.DriverLibsql, "":
		db, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverRedis:
		rs, err := redisstore.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case config.DriverMemory:
		return memoryStore{engine.NewMemoryAttemptStore()}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openConfiguredStore loads configuration and opens its store, for commands
// that run outside the server.
func openConfiguredStore(ctx context.Context) (*config.Config, attemptStore, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}
