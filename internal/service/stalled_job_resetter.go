package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/domain/job"
	obserrors "github.com/target/iview-tiler/internal/observability/errors"
	"github.com/target/iview-tiler/internal/observability/metrics"
	"github.com/target/iview-tiler/internal/observability/statsd"
)

// WorkNotifier is woken after stale jobs become available again.
type WorkNotifier interface {
	NotifyWork()
}

// StalledJobResetterOptions groups dependencies for StalledJobResetter.
type StalledJobResetterOptions struct {
	Repo     core.StaleJobRepository // Required
	Policy   *job.StalePolicy        // Required
	Notifier WorkNotifier            // Optional: usually the TilingQueue
	Clock    func() time.Time        // Optional: defaults to time.Now
	Logger   *slog.Logger            // Optional
	Metrics  statsd.Sink             // Optional
}

// StalledJobResetter periodically returns abandoned in-progress jobs to the queue.
type StalledJobResetter struct {
	repo     core.StaleJobRepository
	policy   *job.StalePolicy
	notifier WorkNotifier
	clock    func() time.Time
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewStalledJobResetter constructs a StalledJobResetter.
func NewStalledJobResetter(opts StalledJobResetterOptions) (*StalledJobResetter, error) {
	if opts.Repo == nil {
		return nil, errors.New("StaleJobRepository is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("StalePolicy is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stalled_job_resetter")
	logger.Debug("StalledJobResetter initialized",
		"threshold", opts.Policy.Threshold(),
		"period", opts.Policy.Period(),
	)

	return &StalledJobResetter{
		repo:     opts.Repo,
		policy:   opts.Policy,
		notifier: opts.Notifier,
		clock:    clock,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Run sweeps immediately (after a short jitter) and then once per policy period until ctx ends.
// It returns nil on graceful shutdown.
func (r *StalledJobResetter) Run(ctx context.Context) error {
	period := r.policy.Period()
	r.logger.InfoContext(ctx, "starting stalled job resetter", "period", period, "threshold", r.policy.Threshold())

	// Spread sweeps of replicas that start together.
	r.waitWithJitter(ctx, period)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	r.sweepAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "stalled job resetter stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}

// Sweep resets every job that has been in progress for at least the threshold.
// The store does this in one transaction; a failure resets nothing and is retried next period.
func (r *StalledJobResetter) Sweep(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := r.policy.Cutoff(r.clock())

	n, err := r.repo.ResetStaleInProgress(ctx, cutoff)
	r.emitSweepMetrics(n, err, time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("reset stale tile jobs: %w", err)
	}

	if n > 0 {
		r.logger.InfoContext(ctx, "reset stalled tile jobs",
			"count", n,
			"threshold", r.policy.Threshold(),
			"cutoff", cutoff,
		)
		if r.notifier != nil {
			r.notifier.NotifyWork()
		}
	}
	return n, nil
}

func (r *StalledJobResetter) sweepAndLog(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil {
		if isContextCancellation(err) {
			r.logger.DebugContext(ctx, "stale job sweep cancelled by context", "error", err)
			return
		}
		r.logger.ErrorContext(ctx, "stale job sweep failed", "error", err)
	}
}

// waitWithJitter waits a random delay up to 10% of the period.
func (r *StalledJobResetter) waitWithJitter(ctx context.Context, period time.Duration) {
	maxJitter := int64(period / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		r.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter))) // #nosec G115 - bounded by maxJitter

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (r *StalledJobResetter) emitSweepMetrics(n int64, err error, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	tags := map[string]string{"result": metrics.ResultFor(suppressContextCancellation(err), n > 0)}
	if err != nil && !isContextCancellation(err) {
		tags["error_class"] = obserrors.Classify(err)
	}
	r.metrics.Count("tiling.resetter.sweep", 1, tags)
	r.metrics.Timing("tiling.resetter.duration", elapsed, metrics.CloneTags(tags))
	if n > 0 {
		metrics.EmitTileJobTransition(r.metrics, metrics.TileJobMetric{
			Transition: metrics.TransitionReset,
			Result:     metrics.ResultSuccess,
			Count:      n,
		})
	}
	if err == nil {
		r.metrics.Gauge("tiling.resetter.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
