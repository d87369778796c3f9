package store

import (
	"context"
	"fmt"

	"enrollment-pipeline/internal/config"
)

// Open builds the backend selected by cfg.StoreBackend. Postgres backends
// have their migrations applied.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case "", "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	case "pebble":
		return OpenPebble(PebbleOptions{DataDir: cfg.PebbleDir})
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Embedded reports whether backend keeps its data inside the process that
// opened it. Such backends cannot be shared between the api and worker
// binaries and only work when both run in one process.
func Embedded(backend string) bool {
	switch backend {
	case "pebble", "memory":
		return true
	}
	return false
}
