package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/target/iview-tiler/config"
	"github.com/target/iview-tiler/internal/adapters/intake"
	"github.com/target/iview-tiler/internal/adapters/tilerunner"
	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/domain/job"
	"github.com/target/iview-tiler/internal/observability/statsd"
	"github.com/target/iview-tiler/internal/service"
)

// TilerConfig contains configuration for the tiling runner.
type TilerConfig struct {
	Repo    core.TileJobRepository
	Waiter  job.Waiter
	Queue   *service.TilingQueue
	Status  *service.TilingStatusService
	Config  config.TilingConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// RunTiler starts the tiling master, its worker pool and the stalled job resetter.
func RunTiler(ctx context.Context, cfg TilerConfig) error {
	opts := tilerunner.RunnerOptions{
		Repo:    cfg.Repo,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Queue:   cfg.Queue,
		Waiter:  cfg.Waiter,
		Metrics: cfg.Metrics,
	}
	// A nil *TilingStatusService must not become a non-nil interface.
	if cfg.Status != nil {
		opts.Status = cfg.Status
	}
	runner, err := tilerunner.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create tiling runner: %w", err)
	}

	return runner.Run(ctx)
}

// IntakeConfig contains configuration for the AMQP intake consumer.
type IntakeConfig struct {
	Enqueuer core.TileJobEnqueuer
	Config   config.AMQPConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// RunIntake consumes tile job commands until ctx is cancelled.
func RunIntake(ctx context.Context, cfg IntakeConfig) error {
	consumer, err := intake.NewConsumer(intake.ConsumerOptions{
		Enqueuer:    cfg.Enqueuer,
		URL:         cfg.Config.URL,
		Queue:       cfg.Config.Queue,
		Prefetch:    cfg.Config.Prefetch,
		ConsumerTag: cfg.Config.ConsumerTag,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create intake consumer: %w", err)
	}

	return consumer.Run(ctx)
}
