package data

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/target/iview-tiler/internal/domain/model"
	apperrors "github.com/target/iview-tiler/internal/errors"
)

// Queries are written with '?' placeholders and rebound per driver.
const tileJobColumns = `id, collection_id, path, status, added_at, started_at, finished_at, tiles, width, height, zoom_levels`

const (
	insertOrReuseSQL = `
		INSERT INTO tile_jobs (id, collection_id, path, status, added_at)
		VALUES (?, ?, ?, 'new', ?)
		ON CONFLICT (collection_id, path) WHERE status <> 'done'
		DO UPDATE SET status = 'new', started_at = NULL
		RETURNING ` + tileJobColumns

	markInProgressSQL = `
		UPDATE tile_jobs
		SET status = 'in_progress', started_at = ?
		WHERE id = ? AND status = 'new'
		RETURNING ` + tileJobColumns

	markDoneSQL = `
		UPDATE tile_jobs
		SET status = 'done', finished_at = ?, tiles = ?, width = ?, height = ?, zoom_levels = ?
		WHERE id = ? AND status = 'in_progress'`

	deleteByKeySQL        = `DELETE FROM tile_jobs WHERE collection_id = ? AND path = ?`
	deleteByCollectionSQL = `DELETE FROM tile_jobs WHERE collection_id = ?`

	listNewSQL = `
		SELECT ` + tileJobColumns + `
		FROM tile_jobs
		WHERE status = 'new'
		ORDER BY added_at ASC, id ASC
		LIMIT ?`

	listInProgressSQL = `
		SELECT ` + tileJobColumns + `
		FROM tile_jobs
		WHERE status = 'in_progress'
		ORDER BY started_at ASC, id ASC
		LIMIT ?`

	countNewSQL        = `SELECT COUNT(*) FROM tile_jobs WHERE status = 'new'`
	countUnfinishedSQL = `SELECT COUNT(*) FROM tile_jobs WHERE collection_id = ? AND status <> 'done'`

	// Outstanding rows win over done rows; the newest done row is the fallback.
	getByKeySQL = `
		SELECT ` + tileJobColumns + `
		FROM tile_jobs
		WHERE collection_id = ? AND path = ?
		ORDER BY CASE WHEN status = 'done' THEN 1 ELSE 0 END ASC, added_at DESC
		LIMIT 1`

	statsSQL = `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'new' THEN 1 ELSE 0 END), 0) AS new_count,
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0) AS in_progress_count,
			COALESCE(SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END), 0) AS done_count
		FROM tile_jobs`
)

// defaultListLimit bounds listings when the caller passes a non-positive limit.
const defaultListLimit = 100

// tileJobReader implements the read-only side of the tile job store on top of sqlx.
// Both the PostgreSQL and the SQLite repositories embed it.
type tileJobReader struct {
	db *sqlx.DB
}

// ListNew returns up to limit new jobs ordered by enqueue time.
func (r *tileJobReader) ListNew(ctx context.Context, limit int) ([]model.TileJob, error) {
	return r.list(ctx, listNewSQL, limit)
}

// ListInProgress returns up to limit in-progress jobs ordered by claim time.
func (r *tileJobReader) ListInProgress(ctx context.Context, limit int) ([]model.TileJob, error) {
	return r.list(ctx, listInProgressSQL, limit)
}

func (r *tileJobReader) list(ctx context.Context, query string, limit int) ([]model.TileJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	jobs := make([]model.TileJob, 0, limit)
	if err := r.db.SelectContext(ctx, &jobs, r.db.Rebind(query), limit); err != nil {
		return nil, fmt.Errorf("list tile jobs: %w", apperrors.MapDBError(err))
	}
	for i := range jobs {
		normalizeJobTimes(&jobs[i])
	}
	return jobs, nil
}

// CountNew returns the number of jobs waiting to be claimed.
func (r *tileJobReader) CountNew(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, countNewSQL); err != nil {
		return 0, fmt.Errorf("count new tile jobs: %w", apperrors.MapDBError(err))
	}
	return n, nil
}

// CountUnfinished returns the number of jobs for the collection that are not done.
func (r *tileJobReader) CountUnfinished(ctx context.Context, collectionID string) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(countUnfinishedSQL), strings.TrimSpace(collectionID)); err != nil {
		return 0, fmt.Errorf("count unfinished tile jobs: %w", apperrors.MapDBError(err))
	}
	return n, nil
}

// Get returns the outstanding job for key, or the most recent done job when none is outstanding.
func (r *tileJobReader) Get(ctx context.Context, key model.TileJobKey) (*model.TileJob, error) {
	var job model.TileJob
	err := r.db.GetContext(ctx, &job, r.db.Rebind(getByKeySQL), key.CollectionID, key.Path)
	if err != nil {
		mapped := apperrors.MapDBError(err)
		if apperrors.IsNotFound(mapped) {
			return nil, model.ErrTileJobNotFound
		}
		return nil, fmt.Errorf("get tile job %s: %w", key, mapped)
	}
	normalizeJobTimes(&job)
	return &job, nil
}

// Stats returns job counts per status.
func (r *tileJobReader) Stats(ctx context.Context) (*model.TileJobStats, error) {
	var stats model.TileJobStats
	if err := r.db.GetContext(ctx, &stats, statsSQL); err != nil {
		return nil, fmt.Errorf("tile job stats: %w", apperrors.MapDBError(err))
	}
	return &stats, nil
}

func validateKey(key model.TileJobKey) error {
	if err := key.Validate(); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "invalid tile job key %q", key.String())
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperrors.Validationf("tile job id is required")
	}
	return nil
}

func normalizeJobTimes(job *model.TileJob) {
	job.Added = job.Added.UTC()
	if job.Started != nil {
		t := job.Started.UTC()
		job.Started = &t
	}
	if job.Finished != nil {
		t := job.Finished.UTC()
		job.Finished = &t
	}
}

func rowsAffected(res interface{ RowsAffected() (int64, error) }) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
