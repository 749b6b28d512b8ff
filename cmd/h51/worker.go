package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/config"
	"hangar51.dev/h51/event"
	"hangar51.dev/h51/notify"
	"hangar51.dev/h51/task"
	"hangar51.dev/h51/worker"
)

func newWorkerCmd(cfg config.Config) *cobra.Command {
	var (
		id           string
		idleLifespan time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single asset worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			bus := event.NewBus(d.rdb)
			go runBus(ctx, bus)

			wc := worker.Config{
				ID:                id,
				MaxStatusInterval: cfg.WorkerMaxStatusInterval,
				SleepInterval:     cfg.WorkerSleepInterval,
				IdleLifespan:      cfg.WorkerIdleLifespan,
			}
			if idleLifespan > 0 {
				wc.IdleLifespan = idleLifespan
			}
			w := newWorker(cfg, d, bus, wc)
			err = w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id (defaults to a fresh uuid)")
	cmd.Flags().DurationVar(&idleLifespan, "idle-lifespan", 0,
		"exit after idling this long, overriding the configured default")
	return cmd
}

func newWorkersCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Manage the asset worker population",
	}
	cmd.AddCommand(
		newWorkersSpawnCmd(cfg),
		newWorkersStopCmd(cfg),
		newWorkersStatusCmd(cfg),
		newWorkersRespawnCmd(cfg),
	)
	return cmd
}

func newWorkersSpawnCmd(cfg config.Config) *cobra.Command {
	var minWorkers int

	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Run a supervised worker population sized to the queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			bus := event.NewBus(d.rdb)
			go runBus(ctx, bus)

			sup := worker.NewSupervisor(worker.SupervisorConfig{
				MinWorkers: minWorkers,
				MaxWorkers: cfg.MaxWorkers,
			}, task.NewQueue(d.rdb), func(extra bool) *worker.Worker {
				wc := worker.Config{
					MaxStatusInterval: cfg.WorkerMaxStatusInterval,
					SleepInterval:     cfg.WorkerSleepInterval,
					IdleLifespan:      cfg.WorkerIdleLifespan,
				}
				if extra {
					wc.IdleLifespan = time.Minute
				}
				return newWorker(cfg, d, bus, wc)
			})
			err = sup.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&minWorkers, "min", 1, "base worker population")
	return cmd
}

func newWorkersStopCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask every worker to exit after its current task",
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

func newWorkersStatusCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List the live workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			statuses, err := worker.ListStatuses(cmd.Context(), d.rdb)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tLAST SEEN\tCURRENT TASK")
			for _, s := range statuses {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					s.ID, unixString(s.Started), unixString(s.LastSeen), s.CurrentTask)
			}
			return tw.Flush()
		},
	}
}

func newWorkersRespawnCmd(cfg config.Config) *cobra.Command {
	spawn := newWorkersSpawnCmd(cfg)
	cmd := &cobra.Command{
		Use:   "respawn",
		Short: "Stop the running workers, then run a fresh population",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := broadcastShutdown(cmd.Context(), d); err != nil {
				d.close(context.Background())
				return err
			}
			d.close(context.Background())
			return spawn.RunE(cmd, args)
		},
	}
	cmd.Flags().AddFlagSet(spawn.Flags())
	return cmd
}

// newWorker assembles a worker over the shared connections.
func newWorker(cfg config.Config, d *deps, bus *event.Bus, wc worker.Config) *worker.Worker {
	return worker.New(wc, d.rdb,
		task.NewQueue(d.rdb), bus,
		account.NewStore(d.db), asset.NewStore(d.db),
		account.NewStats(d.db, cfg.Location()),
		buildBackends(), buildAnalyzers(), buildTransforms(),
		notify.New())
}

func runBus(ctx context.Context, bus *event.Bus) {
	if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf(ctx, err, "event bus stopped")
	}
}

func broadcastShutdown(ctx context.Context, d *deps) error {
	bus := event.NewBus(d.rdb)
	if err := bus.Publish(ctx, event.Event{Type: event.TypeShutdown}); err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "shutdown broadcast sent"})
	return nil
}

func unixString(ts float64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(0, int64(ts*1e9)).UTC().Format(time.RFC3339)
}
