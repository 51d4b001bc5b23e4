package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/target/iview-tiler/internal/domain/model"
	apperrors "github.com/target/iview-tiler/internal/errors"

	// Register the pure-Go sqlite driver.
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tile_jobs (
	id            TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL,
	path          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'new' CHECK (status IN ('new', 'in_progress', 'done')),
	added_at      DATETIME NOT NULL,
	started_at    DATETIME,
	finished_at   DATETIME,
	tiles         INTEGER NOT NULL DEFAULT 0,
	width         INTEGER NOT NULL DEFAULT 0,
	height        INTEGER NOT NULL DEFAULT 0,
	zoom_levels   INTEGER NOT NULL DEFAULT 0,
	CHECK (status <> 'new' OR started_at IS NULL),
	CHECK ((status = 'done') = (finished_at IS NOT NULL))
);
CREATE UNIQUE INDEX IF NOT EXISTS tile_jobs_outstanding_key ON tile_jobs (collection_id, path) WHERE status <> 'done';
CREATE INDEX IF NOT EXISTS tile_jobs_new_added_idx ON tile_jobs (added_at, id) WHERE status = 'new';
CREATE INDEX IF NOT EXISTS tile_jobs_in_progress_started_idx ON tile_jobs (started_at) WHERE status = 'in_progress';
CREATE INDEX IF NOT EXISTS tile_jobs_collection_idx ON tile_jobs (collection_id);
`

// OpenSQLite opens (creating if needed) a SQLite job database and applies the schema.
// Pragmas are passed in the DSN so that every pooled connection gets them.
func OpenSQLite(ctx context.Context, dbPath string) (*sql.DB, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + dbPath + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		if cerr := db.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close sqlite db: %w", cerr))
		}
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}

// SQLiteTileJobRepo is the embedded tile job store used for single-node deployments and tests.
type SQLiteTileJobRepo struct {
	tileJobReader

	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewSQLiteTileJobRepo creates a SQLiteTileJobRepo on a database opened with OpenSQLite.
func NewSQLiteTileJobRepo(db *sql.DB, cfg RepoConfig) *SQLiteTileJobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SQLiteTileJobRepo{
		tileJobReader: tileJobReader{db: sqlx.NewDb(db, "sqlite")},
		timeProvider:  tp,
		logger:        logger.With("component", "sqlite_tile_job_repo"),
	}
}

// withTx runs fn in a transaction, rolling back on error.
func (r *SQLiteTileJobRepo) withTx(ctx context.Context, fn func(*sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertOrReuse upserts the outstanding job for key.
func (r *SQLiteTileJobRepo) InsertOrReuse(ctx context.Context, key model.TileJobKey) (*model.TileJob, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var job model.TileJob
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		return tx.QueryRowxContext(ctx, insertOrReuseSQL,
			uuid.NewString(), key.CollectionID, key.Path, r.timeProvider.Now()).StructScan(&job)
	})
	if err != nil {
		return nil, fmt.Errorf("insert or reuse tile job %s: %w", key, apperrors.MapDBError(err))
	}

	normalizeJobTimes(&job)
	return &job, nil
}

// MarkInProgress claims a new job. A false result means the job vanished or was already claimed.
func (r *SQLiteTileJobRepo) MarkInProgress(ctx context.Context, id string) (*model.TileJob, bool, error) {
	if err := validateID(id); err != nil {
		return nil, false, err
	}

	var (
		job     model.TileJob
		claimed bool
	)
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		scanErr := tx.QueryRowxContext(ctx, markInProgressSQL, r.timeProvider.Now(), id).StructScan(&job)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		claimed = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("mark tile job %s in progress: %w", id, apperrors.MapDBError(err))
	}
	if !claimed {
		return nil, false, nil
	}

	normalizeJobTimes(&job)
	return &job, true, nil
}

// MarkDone records a successful run. It returns false when the job is no longer in progress.
func (r *SQLiteTileJobRepo) MarkDone(ctx context.Context, id string, result model.TileResult) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	n, err := r.exec(ctx, markDoneSQL,
		r.timeProvider.Now(), result.Tiles, result.Width, result.Height, result.ZoomLevels, id)
	if err != nil {
		return false, fmt.Errorf("mark tile job %s done: %w", id, err)
	}
	return n > 0, nil
}

// ResetStaleInProgress returns every job claimed at or before olderThan to new in one transaction.
func (r *SQLiteTileJobRepo) ResetStaleInProgress(ctx context.Context, olderThan time.Time) (int64, error) {
	var ids []string
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &ids, `
			SELECT id FROM tile_jobs
			WHERE status = 'in_progress' AND started_at <= ?
			ORDER BY started_at`, olderThan.UTC()); err != nil {
			return fmt.Errorf("select stale tile jobs: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		query, args, err := sqlx.In(`
			UPDATE tile_jobs
			SET status = 'new', started_at = NULL
			WHERE status = 'in_progress' AND id IN (?)`, ids)
		if err != nil {
			return fmt.Errorf("build reset query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("reset stale tile jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}

	if len(ids) > 0 {
		r.logger.DebugContext(ctx, "reset stale tile jobs", "count", len(ids), "job_ids", strings.Join(ids, ","))
	}
	return int64(len(ids)), nil
}

// DeleteByKey removes every job for key in any state.
func (r *SQLiteTileJobRepo) DeleteByKey(ctx context.Context, key model.TileJobKey) (int64, error) {
	n, err := r.exec(ctx, deleteByKeySQL, key.CollectionID, key.Path)
	if err != nil {
		return 0, fmt.Errorf("delete tile jobs: %w", err)
	}
	return n, nil
}

// DeleteByCollection removes every job for the collection in any state.
func (r *SQLiteTileJobRepo) DeleteByCollection(ctx context.Context, collectionID string) (int64, error) {
	n, err := r.exec(ctx, deleteByCollectionSQL, strings.TrimSpace(collectionID))
	if err != nil {
		return 0, fmt.Errorf("delete tile jobs: %w", err)
	}
	return n, nil
}

func (r *SQLiteTileJobRepo) exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = rowsAffected(res)
		return err
	})
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	return n, nil
}
