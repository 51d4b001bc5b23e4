// Package migrate applies the embedded PostgreSQL schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/target/iview-tiler/internal/data/pgxutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Session advisory lock serialising concurrent migrators (several tilerd replicas starting at once).
const migrationLockID int64 = 2000_0000

// Migration is one embedded SQL file.
type Migration struct {
	Version string
	File    string
}

// List returns the embedded migrations in apply order.
func List() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		out = append(out, Migration{Version: strings.TrimSuffix(e.Name(), ".sql"), File: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Run applies every pending migration, each in its own transaction, and returns the applied versions.
// It is safe to call repeatedly and from several processes at once.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "migrations")

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			logger.WarnContext(ctx, "failed to release migration lock", "error", err)
		}
	}()

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations table: %w", err)
	}

	migrations, err := List()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range migrations {
		ok, err := apply(ctx, db, m, logger)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, m.Version)
		}
	}
	return applied, nil
}

func apply(ctx context.Context, db *sql.DB, m Migration, logger *slog.Logger) (bool, error) {
	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", m.File, err)
	}
	if exists {
		return false, nil
	}

	body, err := migrationsFS.ReadFile("migrations/" + m.File)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", m.File, err)
	}

	logger.InfoContext(ctx, "applying migration", "version", m.Version)
	err = pgxutil.WithSQLTx(ctx, db, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return fmt.Errorf("exec migration %s: %w", m.File, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
				return fmt.Errorf("record migration %s: %w", m.File, err)
			}
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
