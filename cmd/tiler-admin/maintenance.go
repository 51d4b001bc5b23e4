package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/target/iview-tiler/config"
	"github.com/target/iview-tiler/internal/bootstrap"
	"github.com/target/iview-tiler/internal/domain/job"
	"github.com/target/iview-tiler/internal/service"
)

const defaultMigrationTimeout = 5 * time.Minute

func newResetStaleCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "reset-stale",
		Short: "Return abandoned in-progress jobs to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			threshold := olderThan
			if threshold == 0 {
				threshold = ctx.cfg.Tiling.StaleAfter
			}
			policy, err := job.NewStalePolicy(threshold, 0)
			if err != nil {
				return err
			}

			return ctx.withServices(cmd, func(runCtx context.Context, services *bootstrap.ServiceContainer) error {
				resetter, err := service.NewStalledJobResetter(service.StalledJobResetterOptions{
					Repo:     services.Repo,
					Policy:   policy,
					Notifier: services.Queue,
					Logger:   ctx.logger,
					Metrics:  services.Observability.Sink(),
				})
				if err != nil {
					return err
				}
				n, err := resetter.Sweep(runCtx)
				if err != nil {
					return err
				}
				return writef(cmd, "Reset %d job(s) in progress for at least %s\n", n, threshold)
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Reset jobs running at least this long (default TILING_STALE_AFTER)")
	return cmd
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ctx.cfg.Store.Driver != config.StoreDriverPostgres {
				return writef(cmd, "Store driver %s applies its schema on open; nothing to migrate\n", ctx.cfg.Store.Driver)
			}
			if timeout <= 0 {
				return fmt.Errorf("timeout must be positive, got %s", timeout)
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			runCtx, cancel := context.WithTimeout(runCtx, timeout)
			defer cancel()

			db, err := bootstrap.ConnectDB(ctx.databaseConfig())
			if err != nil {
				return fmt.Errorf("connect db: %w", err)
			}
			defer func() {
				if closeErr := db.Close(); closeErr != nil {
					ctx.logger.Warn("db close failed", "error", closeErr)
				}
			}()

			ctx.logger.Info("running database migrations")
			if err := bootstrap.RunMigrations(runCtx, db, ctx.logger); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			return writef(cmd, "Migrations completed\n")
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", defaultMigrationTimeout, "Maximum time to wait for migrations")
	return cmd
}

type healthReport struct {
	Store string `json:"store"`
	Cache string `json:"cache"`
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the job store and status cache connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withServices(cmd, func(runCtx context.Context, services *bootstrap.ServiceContainer) error {
				report := healthReport{Store: "ok", Cache: "disabled"}
				var failed error
				if err := ctx.store.DB.PingContext(runCtx); err != nil {
					report.Store = err.Error()
					failed = fmt.Errorf("job store unhealthy: %w", err)
				}
				if services.Cache != nil {
					report.Cache = "ok"
					if err := services.Cache.Health(runCtx); err != nil {
						report.Cache = err.Error()
						failed = errors.Join(failed, fmt.Errorf("status cache unhealthy: %w", err))
					}
				}

				if ctx.jsonOutput {
					if err := writeJSON(cmd, report); err != nil {
						return err
					}
				} else {
					table := renderTable([]string{"Component", "State"}, [][]string{
						{fmt.Sprintf("store (%s)", ctx.cfg.Store.Driver), report.Store},
						{"cache", report.Cache},
					}, nil)
					if err := writef(cmd, "%s\n", table); err != nil {
						return err
					}
				}
				return failed
			})
		},
	}
}
