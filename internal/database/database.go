package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/npezzotti/go-chatdelivery/internal/config"
)

var ErrNotFound = errors.New("not found")

// Open returns the repository selected by the storage driver. Postgres
// schemas are migrated first when AutoMigrate is set.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (GoChatRepository, error) {
	switch cfg.Driver {
	case "badger":
		return NewBadgerGoChatRepository(cfg.Path, logger)
	case "postgres":
		if cfg.AutoMigrate {
			if err := Migrate(cfg.DSN, MigrateUp); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return NewPgGoChatRepository(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
