// Package tilerunner provides the adapter that runs the tiling master with its resetter and listener.
package tilerunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/iview-tiler/config"
	"github.com/target/iview-tiler/internal/adapters/tiler"
	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/domain/job"
	"github.com/target/iview-tiler/internal/observability/statsd"
	"github.com/target/iview-tiler/internal/service"
)

// stopGrace is added to the master's shutdown timeout when bounding Stop.
const stopGrace = 10 * time.Second

// Runner provides a simple adapter to run the tiling pipeline.
// It wires the queue, worker, stalled job resetter and optional listener into a master.
type Runner struct {
	master  *service.TilingMaster
	queue   *service.TilingQueue
	timeout time.Duration
	logger  *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Repo   core.TileJobRepository // Required
	Config config.TilingConfig
	Logger *slog.Logger

	// Optional dependency injection for testing/decoupling
	Queue    *service.TilingQueue
	Status   service.StatusInvalidator
	Waiter   job.Waiter
	Resolver core.SourceResolver
	Tiler    core.Tiler
	Metrics  statsd.Sink
}

// NewRunner creates a new tiling runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	queue, err := wireQueue(opts)
	if err != nil {
		return nil, fmt.Errorf("wire tiling queue: %w", err)
	}
	worker, err := wireWorker(opts)
	if err != nil {
		return nil, fmt.Errorf("wire tiling worker: %w", err)
	}
	background, err := wireBackground(opts, queue)
	if err != nil {
		return nil, fmt.Errorf("wire background tasks: %w", err)
	}

	master, err := service.NewTilingMaster(service.TilingMasterOptions{
		Queue:           queue,
		Runner:          worker,
		Background:      background,
		Workers:         opts.Config.Workers,
		IdleWait:        opts.Config.IdleWait,
		BusyWait:        opts.Config.BusyWait,
		ShutdownTimeout: opts.Config.ShutdownTimeout,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire tiling master: %w", err)
	}

	return &Runner{
		master:  master,
		queue:   queue,
		timeout: opts.Config.ShutdownTimeout + stopGrace,
		logger:  opts.Logger,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Repo == nil {
		return errors.New("tile job repository is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Config.Sanitize()
	return nil
}

func wireQueue(opts RunnerOptions) (*service.TilingQueue, error) {
	if opts.Queue != nil {
		return opts.Queue, nil
	}
	return service.NewTilingQueue(service.TilingQueueOptions{
		Repo:         opts.Repo,
		PrefetchSize: opts.Config.PrefetchSize,
		Status:       opts.Status,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})
}

func wireWorker(opts RunnerOptions) (*service.TilingWorker, error) {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = tiler.NewFSSourceResolver(opts.Config.SourceDir)
	}
	t := opts.Tiler
	if t == nil {
		pt, err := tiler.NewPyramidTiler(tiler.PyramidTilerOptions{
			TileDir:  opts.Config.TileDir,
			TileSize: opts.Config.TileSize,
			Quality:  opts.Config.JPEGQuality,
			Logger:   opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		t = pt
	}
	return service.NewTilingWorker(service.TilingWorkerOptions{
		Repo:     opts.Repo,
		Resolver: resolver,
		Tiler:    t,
		Status:   opts.Status,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
}

func wireBackground(opts RunnerOptions, queue *service.TilingQueue) ([]service.BackgroundTask, error) {
	policy, err := job.NewStalePolicy(opts.Config.StaleAfter, opts.Config.ResetInterval)
	if err != nil {
		return nil, err
	}
	resetter, err := service.NewStalledJobResetter(service.StalledJobResetterOptions{
		Repo:     opts.Repo,
		Policy:   policy,
		Notifier: queue,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	tasks := []service.BackgroundTask{resetter}

	if opts.Waiter != nil {
		listener, err := job.NewListener(job.ListenerOptions{
			Waiter:   opts.Waiter,
			OnNotify: queue.NotifyWork,
			Logger:   opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, listener)
	}
	return tasks, nil
}

// Queue returns the queue the runner's master schedules from.
func (r *Runner) Queue() *service.TilingQueue {
	return r.queue
}

// Run starts the master and blocks until ctx is cancelled, then stops it gracefully.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting tiling runner")
	if err := r.master.Start(ctx); err != nil {
		return fmt.Errorf("start tiling master: %w", err)
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.master.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop tiling master: %w", err)
	}
	return nil
}
