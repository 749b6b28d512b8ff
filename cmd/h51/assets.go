package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/config"
	"hangar51.dev/h51/purge"
	"hangar51.dev/h51/task"
	"hangar51.dev/h51/worker"
)

func newAssetsCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Asset and task queue maintenance",
	}
	cmd.AddCommand(
		newAssetsPurgeCmd(cfg),
		newAssetsClearTasksCmd(cfg),
		newAssetsMonitorTasksCmd(cfg),
		newAssetsShutdownWorkersCmd(cfg),
	)
	return cmd
}

func newAssetsPurgeCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete recently expired assets, blobs first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			p := purge.New(
				asset.NewStore(d.db),
				account.NewStore(d.db),
				account.NewStats(d.db, cfg.Location()),
				buildBackends(),
			)
			purged, err := p.Run(ctx, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d assets\n", purged)
			return nil
		},
	}
}

func newAssetsClearTasksCmd(cfg config.Config) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "clear-tasks",
		Short: "Drop queued tasks, optionally including claimed ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			queue := task.NewQueue(d.rdb)
			ids, err := queue.Pending(ctx)
			if err != nil {
				return err
			}
			dropped, skipped := 0, 0
			for _, id := range ids {
				ok, err := queue.Drop(ctx, id, force)
				if err != nil {
					return err
				}
				if ok {
					dropped++
				} else {
					skipped++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %d tasks, skipped %d claimed\n", dropped, skipped)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "also drop claimed tasks")
	return cmd
}

func newAssetsMonitorTasksCmd(cfg config.Config) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor-tasks",
		Short: "Watch the task queue and warn on backlog or stalled work",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			queue := task.NewQueue(d.rdb)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				monitorTasks(ctx, cfg, d, queue)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "time between checks")
	return cmd
}

// monitorTasks performs one monitoring pass, logging a warning per threshold
// crossed.
func monitorTasks(ctx context.Context, cfg config.Config, d *deps, queue *task.Queue) {
	snap, err := queue.Stats(ctx, time.Now())
	if err != nil {
		log.Errorf(ctx, err, "read queue stats")
		return
	}
	statuses, err := worker.ListStatuses(ctx, d.rdb)
	if err != nil {
		log.Errorf(ctx, err, "list workers")
		return
	}

	log.Info(ctx,
		log.KV{K: "tasks", V: snap.Total},
		log.KV{K: "claimed", V: snap.Claimed},
		log.KV{K: "oldest_age", V: snap.OldestAge.String()},
		log.KV{K: "workers", V: len(statuses)})

	if cfg.WarningsMaxTasks > 0 && snap.Total > cfg.WarningsMaxTasks {
		log.Info(ctx, log.KV{K: "warning", V: "task backlog"},
			log.KV{K: "tasks", V: snap.Total},
			log.KV{K: "max", V: cfg.WarningsMaxTasks})
	}
	if cfg.WarningsMaxTaskAge > 0 && snap.OldestAge > cfg.WarningsMaxTaskAge {
		log.Info(ctx, log.KV{K: "warning", V: "stale tasks"},
			log.KV{K: "oldest_age", V: snap.OldestAge.String()},
			log.KV{K: "max_age", V: cfg.WarningsMaxTaskAge.String()})
	}
	if snap.Total > 0 && len(statuses) == 0 {
		log.Info(ctx, log.KV{K: "warning", V: "tasks queued with no live workers"},
			log.KV{K: "tasks", V: snap.Total})
	}
}

func newAssetsShutdownWorkersCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown-workers",
		Short: "Broadcast a shutdown to every worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())
			return broadcastShutdown(cmd.Context(), d)
		},
	}
}
