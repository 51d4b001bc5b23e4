package core

import (
	"context"
	"time"

	"github.com/target/iview-tiler/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Services depend on these interfaces; the data and adapters packages provide implementations.

// TileJobRepository is the durable store for tiling jobs.
//
// Every mutating method runs in its own transaction. Transient conflicts are
// surfaced as errors for which errors.IsRetryable reports true.
type TileJobRepository interface {
	// InsertOrReuse creates a new job for key, or resets the outstanding job for key back to new.
	InsertOrReuse(ctx context.Context, key model.TileJobKey) (*model.TileJob, error)
	// MarkInProgress claims a new job. It returns false when the job vanished or was claimed elsewhere.
	MarkInProgress(ctx context.Context, id string) (*model.TileJob, bool, error)
	// MarkDone completes an in-progress job. It returns false when the job is no longer in progress.
	MarkDone(ctx context.Context, id string, result model.TileResult) (bool, error)
	StaleJobRepository
	DeleteByKey(ctx context.Context, key model.TileJobKey) (int64, error)
	DeleteByCollection(ctx context.Context, collectionID string) (int64, error)
	// ListNew returns up to limit new jobs, oldest first.
	ListNew(ctx context.Context, limit int) ([]model.TileJob, error)
	// ListInProgress returns up to limit claimed jobs, longest running first.
	ListInProgress(ctx context.Context, limit int) ([]model.TileJob, error)
	CountNew(ctx context.Context) (int64, error)
	CountUnfinished(ctx context.Context, collectionID string) (int64, error)
	// Get returns the most recent job for key or model.ErrTileJobNotFound.
	Get(ctx context.Context, key model.TileJobKey) (*model.TileJob, error)
	Stats(ctx context.Context) (*model.TileJobStats, error)
}

// StaleJobRepository is the subset of the store used by the stalled job resetter.
type StaleJobRepository interface {
	// ResetStaleInProgress moves every in-progress job started at or before olderThan back to new
	// in a single transaction and returns how many were reset.
	ResetStaleInProgress(ctx context.Context, olderThan time.Time) (int64, error)
}

// TileRequest describes one tiling run.
type TileRequest struct {
	Key        model.TileJobKey
	SourcePath string
}

// Tiler converts a source image into a tile pyramid.
type Tiler interface {
	Tile(ctx context.Context, req TileRequest) (model.TileResult, error)
}

// SourceResolver locates the source image for a job.
type SourceResolver interface {
	Resolve(ctx context.Context, key model.TileJobKey) (string, error)
}

// TileJobEnqueuer is the write path used by intake adapters.
type TileJobEnqueuer interface {
	Enqueue(ctx context.Context, key model.TileJobKey) (bool, error)
	RemoveJob(ctx context.Context, key model.TileJobKey) (int64, error)
	RemoveAllJobsForCollection(ctx context.Context, collectionID string) (int64, error)
}
