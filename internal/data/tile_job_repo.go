package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"
	"github.com/target/iview-tiler/internal/data/pgxutil"
	"github.com/target/iview-tiler/internal/domain/model"
	apperrors "github.com/target/iview-tiler/internal/errors"
)

// TileJobsChannel is the LISTEN/NOTIFY channel announcing new or reclaimed jobs.
const TileJobsChannel = "tile_jobs_new"

// Advisory lock namespace for the stalled job sweep.
// Two-arg pg_try_advisory_xact_lock(major, minor) keeps it apart from other lock users.
const (
	advisoryLockTilingMajor      = 2000
	advisoryLockTilingResetStale = 1
)

// RepoConfig holds configuration options for the tile job repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// TileJobRepo is the PostgreSQL tile job store.
type TileJobRepo struct {
	tileJobReader

	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewTileJobRepo creates a TileJobRepo on a pgx-backed *sql.DB.
func NewTileJobRepo(db *sql.DB, cfg RepoConfig) *TileJobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TileJobRepo{
		tileJobReader: tileJobReader{db: sqlx.NewDb(db, "pgx")},
		DB:            db,
		timeProvider:  tp,
		logger:        logger.With("component", "tile_job_repo"),
	}
}

func pgSQL(query string) string {
	return sqlx.Rebind(sqlx.DOLLAR, query)
}

// InsertOrReuse upserts the outstanding job for key and notifies listeners in the same transaction.
func (r *TileJobRepo) InsertOrReuse(ctx context.Context, key model.TileJobKey) (*model.TileJob, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var job model.TileJob
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, pgSQL(insertOrReuseSQL),
				uuid.NewString(), key.CollectionID, key.Path, r.timeProvider.Now())
			if err != nil {
				return err
			}
			job, err = pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.TileJob])
			if err != nil {
				return err
			}
			return notifyTileJobs(ctx, tx, job.ID)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("insert or reuse tile job %s: %w", key, apperrors.MapDBError(err))
	}

	normalizeJobTimes(&job)
	return &job, nil
}

// MarkInProgress claims a new job. A false result means the job vanished or another process claimed it first.
func (r *TileJobRepo) MarkInProgress(ctx context.Context, id string) (*model.TileJob, bool, error) {
	if err := validateID(id); err != nil {
		return nil, false, err
	}

	var (
		job     model.TileJob
		claimed bool
	)
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, pgSQL(markInProgressSQL), r.timeProvider.Now(), id)
			if err != nil {
				return err
			}
			job, err = pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.TileJob])
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			claimed = true
			return nil
		},
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
func (r *TileJobRepo) MarkDone(ctx context.Context, id string, result model.TileResult) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	var n int64
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, pgSQL(markDoneSQL),
				r.timeProvider.Now(), result.Tiles, result.Width, result.Height, result.ZoomLevels, id)
			if err != nil {
				return err
			}
			n = tag.RowsAffected()
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("mark tile job %s done: %w", id, apperrors.MapDBError(err))
	}
	return n > 0, nil
}

// ResetStaleInProgress returns every job claimed at or before olderThan to new in one transaction.
// Concurrent sweeps from other processes are serialised with an advisory lock; the loser resets nothing.
func (r *TileJobRepo) ResetStaleInProgress(ctx context.Context, olderThan time.Time) (int64, error) {
	var ids []string
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockTilingMajor, advisoryLockTilingResetStale).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			rows, err := tx.QueryContext(ctx, `
				UPDATE tile_jobs
				SET status = 'new', started_at = NULL
				WHERE id IN (
					SELECT id FROM tile_jobs
					WHERE status = 'in_progress' AND started_at <= $1
					ORDER BY started_at
					FOR UPDATE SKIP LOCKED
				)
				RETURNING id`, olderThan.UTC())
			if err != nil {
				return fmt.Errorf("reset stale tile jobs: %w", err)
			}
			ids, err = collectIDs(rows)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, TileJobsChannel, "reset"); err != nil {
				return fmt.Errorf("send tile job notification: %w", err)
			}
			return nil
		},
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
func (r *TileJobRepo) DeleteByKey(ctx context.Context, key model.TileJobKey) (int64, error) {
	return r.exec(ctx, deleteByKeySQL, key.CollectionID, key.Path)
}

// DeleteByCollection removes every job for the collection in any state.
func (r *TileJobRepo) DeleteByCollection(ctx context.Context, collectionID string) (int64, error) {
	return r.exec(ctx, deleteByCollectionSQL, strings.TrimSpace(collectionID))
}

func (r *TileJobRepo) exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, pgSQL(query), args...)
			if err != nil {
				return err
			}
			n, err = rowsAffected(res)
			return err
		},
	})
	if err != nil {
		return 0, fmt.Errorf("delete tile jobs: %w", apperrors.MapDBError(err))
	}
	return n, nil
}

// WaitForNotification blocks until another process announces new work on TileJobsChannel.
func (r *TileJobRepo) WaitForNotification(ctx context.Context) error {
	n, err := pgxutil.WaitForNotification(ctx, r.DB, TileJobsChannel)
	if err != nil {
		return err
	}
	r.logger.DebugContext(ctx, "tile job notification", "payload", n.Payload)
	return nil
}

func notifyTileJobs(ctx context.Context, tx pgx.Tx, payload string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, TileJobsChannel, payload); err != nil {
		return fmt.Errorf("send tile job notification: %w", err)
	}
	return nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer func() {
		_ = rows.Close()
	}()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}
