package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/domain/model"
	"github.com/target/iview-tiler/internal/observability/metrics"
	"github.com/target/iview-tiler/internal/observability/statsd"
)

// TilingWorkerOptions groups dependencies for TilingWorker.
type TilingWorkerOptions struct {
	Repo     core.TileJobRepository // Required
	Resolver core.SourceResolver    // Required
	Tiler    core.Tiler             // Required
	Status   StatusInvalidator      // Optional
	Logger   *slog.Logger           // Optional
	Metrics  statsd.Sink            // Optional
}

// TilingWorker executes one claimed job.
//
// A failed job is abandoned: it stays in progress until the stalled job resetter
// returns it to the queue. The worker itself never retries.
type TilingWorker struct {
	repo     core.TileJobRepository
	resolver core.SourceResolver
	tiler    core.Tiler
	status   StatusInvalidator
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewTilingWorker constructs a TilingWorker.
func NewTilingWorker(opts TilingWorkerOptions) (*TilingWorker, error) {
	switch {
	case opts.Repo == nil:
		return nil, errors.New("TileJobRepository is required")
	case opts.Resolver == nil:
		return nil, errors.New("SourceResolver is required")
	case opts.Tiler == nil:
		return nil, errors.New("Tiler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TilingWorker{
		repo:     opts.Repo,
		resolver: opts.Resolver,
		tiler:    opts.Tiler,
		status:   opts.Status,
		logger:   logger.With("component", "tiling_worker"),
		metrics:  opts.Metrics,
	}, nil
}

// Run tiles j and records the result. The returned error is informational; the job
// has already been left in progress for later recovery.
func (w *TilingWorker) Run(ctx context.Context, j model.TileJob) error {
	start := time.Now()
	key := j.Key()
	logger := w.logger.With("job_id", j.ID, "collection_id", j.CollectionID, "path", j.Path)

	src, err := w.resolver.Resolve(ctx, key)
	if err != nil {
		return w.abandon(ctx, logger, start, fmt.Errorf("resolve source for %s: %w", key, err))
	}

	logger.InfoContext(ctx, "tiling started", "source", src)
	result, err := w.tiler.Tile(ctx, core.TileRequest{Key: key, SourcePath: src})
	if err != nil {
		return w.abandon(ctx, logger, start, fmt.Errorf("tile %s: %w", key, err))
	}
	if err := result.Validate(); err != nil {
		return w.abandon(ctx, logger, start, fmt.Errorf("tile %s: invalid result: %w", key, err))
	}

	done, err := w.repo.MarkDone(ctx, j.ID, result)
	elapsed := time.Since(start)
	metrics.EmitTileJobTransition(w.metrics, metrics.TileJobMetric{
		Transition: metrics.TransitionComplete,
		Result:     metrics.ResultFor(err, done),
		Duration:   elapsed,
		Err:        err,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to record tiling result", "error", err)
		return fmt.Errorf("mark tile job %s done: %w", j.ID, err)
	}
	if !done {
		// The job was reset or removed while it was running; the tiles on disk are still valid.
		logger.WarnContext(ctx, "tile job no longer in progress, result discarded", "elapsed", elapsed)
		return nil
	}

	if w.status != nil {
		w.status.Invalidate(ctx, j.CollectionID)
	}
	logger.InfoContext(ctx, "tiling finished",
		"tiles", result.Tiles,
		"width", result.Width,
		"height", result.Height,
		"zoom_levels", result.ZoomLevels,
		"elapsed", elapsed,
	)
	return nil
}

func (w *TilingWorker) abandon(ctx context.Context, logger *slog.Logger, start time.Time, err error) error {
	metrics.EmitTileJobTransition(w.metrics, metrics.TileJobMetric{
		Transition: metrics.TransitionAbandon,
		Result:     metrics.ResultError,
		Duration:   time.Since(start),
		Err:        err,
	})
	logger.ErrorContext(ctx, "tiling failed, job left for the stalled job resetter", "error", err)
	return err
}
