package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/target/iview-tiler/internal/bootstrap"
	"github.com/target/iview-tiler/internal/domain/job"
	"github.com/target/iview-tiler/internal/domain/model"
)

const defaultListLimit = 50

// parseKey validates the raw arguments so traversal attempts are rejected rather than cleaned.
func parseKey(collectionID, path string) (model.TileJobKey, error) {
	if err := (model.TileJobKey{CollectionID: collectionID, Path: path}).Validate(); err != nil {
		return model.TileJobKey{}, err
	}
	return model.NewTileJobKey(collectionID, path), nil
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <collection> <path>...",
		Short: "Queue source images for tiling",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]model.TileJobKey, 0, len(args)-1)
			for _, p := range args[1:] {
				key, err := parseKey(args[0], p)
				if err != nil {
					return err
				}
				keys = append(keys, key)
			}

			return ctx.withServices(cmd, func(runCtx context.Context, services *bootstrap.ServiceContainer) error {
				for _, key := range keys {
					ok, err := services.Queue.Enqueue(runCtx, key)
					if err != nil {
						return err
					}
					if !ok {
						return errors.New("tiling queue is not accepting work")
					}
					if err := writef(cmd, "Queued %s\n", key); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <collection> <path>",
		Short: "Delete every job for one source image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0], args[1])
			if err != nil {
				return err
			}
			return ctx.withServices(cmd, func(runCtx context.Context, services *bootstrap.ServiceContainer) error {
				n, err := services.Queue.RemoveJob(runCtx, key)
				if err != nil {
					return err
				}
				return writef(cmd, "Removed %d job(s) for %s\n", n, key)
			})
		},
	}
}

func newRemoveCollectionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-collection <collection>",
		Short: "Delete every job of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(runCtx context.Context, services *bootstrap.ServiceContainer) error {
				n, err := services.Queue.RemoveAllJobsForCollection(runCtx, args[0])
				if err != nil {
					return err
				}
				return writef(cmd, "Removed %d job(s) for collection %s\n", n, args[0])
			})
		},
	}
}

type collectionStatus struct {
	CollectionID string `json:"collection_id"`
	FullyTiled   bool   `json:"fully_tiled"`
	Unfinished   int64  `json:"unfinished"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <collection>",
		Short: "Report whether a collection is fully tiled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(runCtx context.Context, services *bootstrap.ServiceContainer) error {
				tiled, err := services.Status.IsFullyTiled(runCtx, args[0])
				if err != nil {
					return err
				}
				unfinished, err := services.Repo.CountUnfinished(runCtx, args[0])
				if err != nil {
					return err
				}
				status := collectionStatus{CollectionID: args[0], FullyTiled: tiled, Unfinished: unfinished}
				if ctx.jsonOutput {
					return writeJSON(cmd, status)
				}
				if tiled {
					return writef(cmd, "Collection %s is fully tiled\n", args[0])
				}
				return writef(cmd, "Collection %s has %d unfinished job(s)\n", args[0], unfinished)
			})
		},
	}
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <collection> <path>",
		Short: "Show the latest job for one source image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0], args[1])
			if err != nil {
				return err
			}
			return ctx.withServices(cmd, func(runCtx context.Context, services *bootstrap.ServiceContainer) error {
				j, err := services.Repo.Get(runCtx, key)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, j)
				}
				rows := [][]string{
					{"ID", j.ID},
					{"Collection", j.CollectionID},
					{"Path", j.Path},
					{"Status", string(j.Status)},
					{"Added", formatTime(&j.Added)},
					{"Started", formatTime(j.Started)},
					{"Finished", formatTime(j.Finished)},
				}
				if j.Status == model.TileJobStatusDone {
					rows = append(rows,
						[]string{"Size", fmt.Sprintf("%dx%d", j.Width, j.Height)},
						[]string{"Tiles", strconv.FormatInt(j.Tiles, 10)},
						[]string{"Zoom levels", strconv.Itoa(j.ZoomLevels)},
						[]string{"Elapsed", j.Elapsed().Round(time.Millisecond).String()},
					)
				}
				return writef(cmd, "%s\n", renderTable([]string{"Field", "Value"}, rows, nil))
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string
	var limit int
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List waiting or running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status model.TileJobStatus
			if err := status.UnmarshalText([]byte(statusFlag)); err != nil {
				return err
			}
			if status == model.TileJobStatusDone {
				return errors.New("finished jobs are not listed; use show for a single job")
			}
			if limit <= 0 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}
			if staleAfter <= 0 {
				staleAfter = ctx.cfg.Tiling.StaleAfter
			}
			// A zero threshold only disables the stale column.
			policy, _ := job.NewStalePolicy(staleAfter, 0)

			return ctx.withServices(cmd, func(runCtx context.Context, services *bootstrap.ServiceContainer) error {
				var (
					jobs []model.TileJob
					err  error
				)
				if status == model.TileJobStatusNew {
					jobs, err = services.Repo.ListNew(runCtx, limit)
				} else {
					jobs, err = services.Repo.ListInProgress(runCtx, limit)
				}
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, jobs)
				}
				if len(jobs) == 0 {
					return writef(cmd, "No %s jobs\n", status)
				}
				return writef(cmd, "%s\n", renderJobs(jobs, policy, time.Now()))
			})
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", string(model.TileJobStatusNew), "Job status to list (new or in_progress)")
	cmd.Flags().IntVar(&limit, "limit", defaultListLimit, "Maximum number of jobs to show")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "Flag running jobs older than this (default TILING_STALE_AFTER)")
	return cmd
}

// renderJobs lists jobs as a table. Running jobs past the policy threshold are
// marked stale; a nil policy marks nothing.
func renderJobs(jobs []model.TileJob, policy *job.StalePolicy, now time.Time) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		age := j.Age(now)
		if j.Status == model.TileJobStatusInProgress {
			age = j.RunningFor(now)
		}
		stale := "-"
		if policy != nil && policy.IsStale(j, now) {
			stale = "yes"
		}
		rows = append(rows, []string{
			j.ID,
			j.CollectionID,
			j.Path,
			string(j.Status),
			age.Round(time.Second).String(),
			stale,
		})
	}
	return renderTable(
		[]string{"ID", "Collection", "Path", "Status", "Age", "Stale"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withServices(cmd, func(runCtx context.Context, services *bootstrap.ServiceContainer) error {
				stats, err := services.Repo.Stats(runCtx)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, stats)
				}
				rows := [][]string{
					{string(model.TileJobStatusNew), strconv.FormatInt(stats.New, 10)},
					{string(model.TileJobStatusInProgress), strconv.FormatInt(stats.InProgress, 10)},
					{string(model.TileJobStatusDone), strconv.FormatInt(stats.Done, 10)},
					{"unfinished", strconv.FormatInt(stats.Unfinished(), 10)},
				}
				return writef(cmd, "%s\n", renderTable(
					[]string{"Status", "Jobs"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))
			})
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
