// Command h51 is the operator binary for the h51 asset service. It runs the
// API server and the asset workers and carries the maintenance commands for
// accounts, assets and the task queue.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"hangar51.dev/h51/config"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Errorf(ctx, err, "command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:           "h51",
		Short:         "h51 asset processing service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				cmd.SetContext(log.Context(cmd.Context(), log.WithDebug()))
			}
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	cfg := config.FromEnv()
	root.AddCommand(
		newServeCmd(cfg),
		newWorkerCmd(cfg),
		newWorkersCmd(cfg),
		newAssetsCmd(cfg),
		newAccountsCmd(cfg),
	)
	return root
}
