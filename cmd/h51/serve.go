package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/antivirus"
	"hangar51.dev/h51/api"
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/config"
	"hangar51.dev/h51/event"
	"hangar51.dev/h51/ratelimit"
	"hangar51.dev/h51/task"
)

func newServeCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the h51 API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close(context.Background())

	accounts := account.NewStore(d.db)
	assets := asset.NewStore(d.db)
	stats := account.NewStats(d.db, cfg.Location())
	if err := accounts.EnsureIndexes(ctx); err != nil {
		return err
	}
	if err := assets.EnsureIndexes(ctx); err != nil {
		return err
	}
	if err := stats.EnsureIndexes(ctx); err != nil {
		return err
	}

	bus := event.NewBus(d.rdb)
	go func() {
		if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf(ctx, err, "event bus stopped")
		}
	}()

	var scanner antivirus.Scanner
	if cfg.AntiVirusEnabled {
		scanner = antivirus.NewClamd(cfg.ClamdAddr)
	}

	server := api.New(cfg,
		accounts, assets, stats,
		account.NewAPILog(d.rdb, cfg.MaxLogEntries),
		ratelimit.New(d.rdb, cfg.RateLimitPerSecond),
		task.NewQueue(d.rdb), bus,
		buildBackends(), buildAnalyzers(), buildTransforms(),
		scanner,
		health.NewChecker(mongoPinger{client: d.mongo}, redisPinger{rdb: d.rdb}),
	)

	httpServer := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           server.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, log.KV{K: "msg", V: "API server listening"},
			log.KV{K: "addr", V: cfg.APIAddr})
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info(ctx, log.KV{K: "msg", V: "shutting down"})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
