package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/domain/job"
	"github.com/target/iview-tiler/internal/domain/model"
	apperrors "github.com/target/iview-tiler/internal/errors"
	"github.com/target/iview-tiler/internal/observability/metrics"
	"github.com/target/iview-tiler/internal/observability/statsd"
)

const (
	// DefaultPrefetchSize is the number of new jobs pulled into the queue cache at once.
	DefaultPrefetchSize = 20
	// MaxIdleWait caps WaitForWork so a missed wake-up only delays work, never stalls it.
	MaxIdleWait = 60 * time.Second
)

// ErrQueueRequired indicates a component was built without a tiling queue.
var ErrQueueRequired = errors.New("tiling queue is required")

// StatusInvalidator drops cached "fully tiled" answers when a collection's jobs change.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, collectionID string)
}

// TilingQueueOptions groups dependencies for TilingQueue.
type TilingQueueOptions struct {
	Repo         core.TileJobRepository // Required
	PrefetchSize int                    // Optional: defaults to DefaultPrefetchSize
	Status       StatusInvalidator      // Optional
	Logger       *slog.Logger           // Optional
	Metrics      statsd.Sink            // Optional
}

// TilingQueue sits between producers and the tiling master.
//
// It keeps a small FIFO cache of prefetched new jobs. claimMu serialises the
// pick-and-claim sequence within this process; the store's conditional update
// is what prevents double claims across processes.
type TilingQueue struct {
	repo     core.TileJobRepository
	prefetch int
	status   StatusInvalidator
	logger   *slog.Logger
	metrics  statsd.Sink

	signal  *job.Signal
	running atomic.Bool
	// lastGen is the signal generation seen by the most recent Dequeue.
	lastGen atomic.Uint64

	claimMu sync.Mutex
	cache   []model.TileJob
}

// NewTilingQueue constructs a running TilingQueue.
func NewTilingQueue(opts TilingQueueOptions) (*TilingQueue, error) {
	if opts.Repo == nil {
		return nil, errors.New("TileJobRepository is required")
	}
	prefetch := opts.PrefetchSize
	if prefetch <= 0 {
		prefetch = DefaultPrefetchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &TilingQueue{
		repo:     opts.Repo,
		prefetch: prefetch,
		status:   opts.Status,
		logger:   logger.With("component", "tiling_queue"),
		metrics:  opts.Metrics,
		signal:   job.NewSignal(),
	}
	q.running.Store(true)
	return q, nil
}

// Running reports whether the queue accepts work.
func (q *TilingQueue) Running() bool {
	return q.running.Load()
}

// Enqueue records a job for key, reusing the outstanding one if present, and wakes waiters.
// It returns false without touching the store once the queue is shut down.
func (q *TilingQueue) Enqueue(ctx context.Context, key model.TileJobKey) (bool, error) {
	if !q.running.Load() {
		return false, nil
	}

	j, err := q.repo.InsertOrReuse(ctx, key)
	metrics.EmitTileJobTransition(q.metrics, metrics.TileJobMetric{
		Transition: metrics.TransitionEnqueue,
		Result:     metrics.ResultFor(err, true),
		Err:        err,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue tile job %s: %w", key, err)
	}

	q.logger.DebugContext(ctx, "tile job enqueued",
		"job_id", j.ID,
		"collection_id", j.CollectionID,
		"path", j.Path,
	)
	q.invalidate(ctx, key.CollectionID)
	q.signal.Broadcast()
	return true, nil
}

// Dequeue claims the oldest available job and returns a copy of it.
//
// The cache is refilled from the store at most once per call. Candidates that
// vanished or lost a claim race are skipped. A nil job with a nil error means
// no work is available (or the queue is shut down) and the caller should wait.
func (q *TilingQueue) Dequeue(ctx context.Context) (*model.TileJob, error) {
	if !q.running.Load() {
		return nil, nil
	}
	q.lastGen.Store(q.signal.Generation())

	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	prefetched := false
	for q.running.Load() {
		if len(q.cache) == 0 {
			if prefetched {
				return nil, nil
			}
			prefetched = true
			jobs, err := q.repo.ListNew(ctx, q.prefetch)
			if err != nil {
				return nil, fmt.Errorf("prefetch tile jobs: %w", err)
			}
			if len(jobs) == 0 {
				return nil, nil
			}
			q.cache = jobs
		}

		candidate := q.cache[0]
		q.cache = q.cache[1:]

		claimed, ok, err := q.repo.MarkInProgress(ctx, candidate.ID)
		if err != nil {
			// Lost claim races move on; an unreachable store is surfaced so the master backs off.
			if apperrors.IsRetryable(err) && apperrors.GetCode(err) == apperrors.ErrCodeConflict {
				q.logger.DebugContext(ctx, "tile job claim conflict, trying next candidate",
					"job_id", candidate.ID, "error", err)
				continue
			}
			metrics.EmitTileJobTransition(q.metrics, metrics.TileJobMetric{
				Transition: metrics.TransitionClaim, Result: metrics.ResultError, Err: err,
			})
			return nil, fmt.Errorf("claim tile job %s: %w", candidate.ID, err)
		}
		if !ok {
			q.logger.DebugContext(ctx, "tile job vanished before claim", "job_id", candidate.ID)
			metrics.EmitTileJobTransition(q.metrics, metrics.TileJobMetric{
				Transition: metrics.TransitionClaim, Result: metrics.ResultNoop,
			})
			continue
		}

		metrics.EmitTileJobTransition(q.metrics, metrics.TileJobMetric{
			Transition: metrics.TransitionClaim,
			Result:     metrics.ResultSuccess,
			Duration:   claimed.Age(derefTime(claimed.Started)),
		})
		return claimed, nil
	}
	return nil, nil
}

// Peek returns the job Dequeue would try next without claiming it.
func (q *TilingQueue) Peek(ctx context.Context) (*model.TileJob, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	if len(q.cache) > 0 {
		head := q.cache[0]
		return &head, nil
	}
	jobs, err := q.repo.ListNew(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("peek tile jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// WaitForWork blocks until new work is announced, the timeout elapses, ctx ends, or the
// queue shuts down. Announcements made since the last Dequeue return immediately.
// It reports whether a wake-up ended the wait.
func (q *TilingQueue) WaitForWork(ctx context.Context, timeout time.Duration) bool {
	if !q.running.Load() {
		return false
	}
	if timeout <= 0 || timeout > MaxIdleWait {
		timeout = MaxIdleWait
	}
	woke := q.signal.Wait(ctx, q.lastGen.Load(), timeout)
	return woke && q.running.Load()
}

// NotifyWork wakes every waiter, e.g. after stale jobs were reset.
func (q *TilingQueue) NotifyWork() {
	q.signal.Broadcast()
}

// RemoveJob deletes every job for key and drops it from the prefetch cache.
func (q *TilingQueue) RemoveJob(ctx context.Context, key model.TileJobKey) (int64, error) {
	n, err := q.repo.DeleteByKey(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("remove tile job %s: %w", key, err)
	}
	q.purge(func(j model.TileJob) bool { return j.Key() == key })
	q.afterRemove(ctx, key.CollectionID, n)
	return n, nil
}

// RemoveAllJobsForCollection deletes every job of the collection and drops them from the cache.
func (q *TilingQueue) RemoveAllJobsForCollection(ctx context.Context, collectionID string) (int64, error) {
	collectionID = strings.TrimSpace(collectionID)
	if collectionID == "" {
		return 0, apperrors.Validationf("collection id is required")
	}
	n, err := q.repo.DeleteByCollection(ctx, collectionID)
	if err != nil {
		return 0, fmt.Errorf("remove tile jobs for collection %s: %w", collectionID, err)
	}
	q.purge(func(j model.TileJob) bool { return j.CollectionID == collectionID })
	q.afterRemove(ctx, collectionID, n)
	return n, nil
}

func (q *TilingQueue) afterRemove(ctx context.Context, collectionID string, n int64) {
	metrics.EmitTileJobTransition(q.metrics, metrics.TileJobMetric{
		Transition: metrics.TransitionRemove,
		Result:     metrics.ResultFor(nil, n > 0),
		Count:      n,
	})
	if n > 0 {
		q.logger.InfoContext(ctx, "tile jobs removed", "collection_id", collectionID, "count", n)
	}
	q.invalidate(ctx, collectionID)
}

func (q *TilingQueue) purge(match func(model.TileJob) bool) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	kept := q.cache[:0]
	for _, j := range q.cache {
		if !match(j) {
			kept = append(kept, j)
		}
	}
	clear(q.cache[len(kept):])
	q.cache = kept
}

// Size returns the number of jobs waiting in the store.
func (q *TilingQueue) Size(ctx context.Context) (int64, error) {
	n, err := q.repo.CountNew(ctx)
	if err != nil {
		return 0, fmt.Errorf("count new tile jobs: %w", err)
	}
	return n, nil
}

// Shutdown stops the queue and releases every waiter. Later Enqueue and Dequeue calls are no-ops.
func (q *TilingQueue) Shutdown() {
	if q.running.CompareAndSwap(true, false) {
		q.logger.Info("tiling queue shut down")
	}
	q.signal.Broadcast()
}

// reopen lets a restarted master use the queue again.
func (q *TilingQueue) reopen() {
	q.running.Store(true)
}

func (q *TilingQueue) invalidate(ctx context.Context, collectionID string) {
	if q.status != nil {
		q.status.Invalidate(ctx, collectionID)
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
