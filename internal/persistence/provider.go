// Package persistence wires the configured database into the durable stores.
package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/db"
)

// Provide opens the database pool selected by cfg.Database. The memory driver
// returns a nil pool; callers treat that as "run without persistence".
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Database.Driver {
	case "memory", "":
		return nil, func() error { return nil }, nil

	case "sqlite":
		pool, err := db.NewSQLitePool(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", "sqlite"),
				zap.String("db_path", cfg.Database.Path))
		}
		cleanup := func() error {
			// Run PRAGMA optimize before closing to update query planner
			// statistics. Lightweight and safe to call on every close.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case "postgres":
		pool, err := db.NewPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", "postgres"),
				zap.String("db_host", cfg.Database.Host),
				zap.String("db_name", cfg.Database.DBName))
		}
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
