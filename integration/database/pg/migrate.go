package pg

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations with goose. Goose requires
// database/sql, so the pool is adapted via pgx stdlib without opening a
// second connection pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg Config, logger *slog.Logger) error {
	if cfg.MigrationsTable != "" {
		goose.SetTableName(cfg.MigrationsTable)
	}
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToApplyMigrations, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToApplyMigrations, err)
	}

	if logger != nil {
		version, err := goose.GetDBVersionContext(ctx, db)
		if err == nil {
			logger.InfoContext(ctx, "database migrations applied",
				slog.Int64("version", version))
		}
	}
	return nil
}
