package data

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/target/iview-tiler/internal/migrate"
)

// RunMigrations brings the PostgreSQL tile job schema up to date and returns the versions it applied.
// SQLite databases get their schema from OpenSQLite instead.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) ([]string, error) {
	return migrate.Run(ctx, db, logger)
}
