package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/backend"
	"hangar51.dev/h51/config"
)

func newAccountsCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage API accounts",
	}
	cmd.AddCommand(
		newAccountsAddCmd(cfg),
		newAccountsListCmd(cfg),
		newAccountsRotateKeyCmd(cfg),
		newAccountsSetBackendCmd(cfg),
		newAccountsStatsCmd(cfg),
		newAccountsLogsCmd(cfg),
		newAccountsTrimLogsCmd(cfg),
	)
	return cmd
}

func newAccountsAddCmd(cfg config.Config) *cobra.Command {
	var webhookURL string

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create an account and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			store := account.NewStore(d.db)
			if err := store.EnsureIndexes(ctx); err != nil {
				return err
			}
			acct := &account.Account{
				Name:       args[0],
				APIKey:     account.GenerateAPIKey(),
				WebhookURL: webhookURL,
			}
			if err := store.Insert(ctx, acct); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s created\napi key: %s\n", acct.Name, acct.APIKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "", "URL notified when the account's tasks settle")
	return cmd
}

func newAccountsListCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			accounts, err := account.NewStore(d.db).All(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPUBLIC BACKEND\tSECURE BACKEND\tWEBHOOK")
			for _, acct := range accounts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", acct.Name,
					backendName(acct.PublicBackend), backendName(acct.SecureBackend),
					acct.WebhookURL)
			}
			return tw.Flush()
		},
	}
}

func backendName(cfg *account.BackendConfig) string {
	if cfg == nil {
		return "-"
	}
	return cfg.Backend
}

func newAccountsRotateKeyCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <name>",
		Short: "Replace an account's API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			store := account.NewStore(d.db)
			acct, err := store.ByName(ctx, args[0])
			if err != nil {
				return err
			}
			key, err := store.RotateAPIKey(ctx, acct.ID, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "new api key: %s\n", key)
			return nil
		},
	}
}

func newAccountsSetBackendCmd(cfg config.Config) *cobra.Command {
	var (
		secure      bool
		settingsRaw string
		clear       bool
	)

	cmd := &cobra.Command{
		Use:   "set-backend <name> <backend>",
		Short: "Configure an account's storage backend",
		Long: "Configure an account's storage backend. Settings are validated " +
			"against the backend's schema and verified with a write/read/delete " +
			"round trip before the account is updated.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			store := account.NewStore(d.db)
			acct, err := store.ByName(ctx, args[0])
			if err != nil {
				return err
			}
			if clear {
				return store.SetBackend(ctx, acct.ID, secure, nil, time.Now())
			}
			if len(args) < 2 {
				return fmt.Errorf("backend name required (one of %v)", buildBackends().Names())
			}

			backends := buildBackends()
			schema, ok := backends.Schema(args[1])
			if !ok {
				return fmt.Errorf("unknown backend %q (one of %v)", args[1], backends.Names())
			}
			raw := map[string]any{}
			if settingsRaw != "" {
				if err := json.Unmarshal([]byte(settingsRaw), &raw); err != nil {
					return fmt.Errorf("parse settings: %w", err)
				}
			}
			settings, argErrs := schema.Validate(raw)
			if argErrs != nil {
				return fmt.Errorf("invalid settings: %v", argErrs)
			}

			b, err := backends.Build(args[1], settings)
			if err != nil {
				return err
			}
			if err := backend.Verify(ctx, b); err != nil {
				return fmt.Errorf("backend verification failed: %w", err)
			}

			return store.SetBackend(ctx, acct.ID, secure, &account.BackendConfig{
				Backend:  args[1],
				Settings: map[string]any(settings),
			}, time.Now())
		},
	}
	cmd.Flags().BoolVar(&secure, "secure", false, "configure the secure backend instead of the public one")
	cmd.Flags().StringVar(&settingsRaw, "settings", "", "backend settings as JSON")
	cmd.Flags().BoolVar(&clear, "clear", false, "remove the backend configuration")
	return cmd
}

func newAccountsStatsCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [name]",
		Short: "Show usage counters for an account, or service-wide without one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			scope := account.ScopeAll
			if len(args) == 1 {
				acct, err := account.NewStore(d.db).ByName(ctx, args[0])
				if err != nil {
					return err
				}
				scope = acct.ID.Hex()
			}
			values, err := account.NewStats(d.db, cfg.Location()).Values(ctx, scope)
			if err != nil {
				return err
			}

			buckets := make([]string, 0, len(values))
			for bucket := range values {
				buckets = append(buckets, bucket)
			}
			sort.Strings(buckets)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BUCKET\tASSETS\tVARIATIONS\tLENGTH")
			for _, bucket := range buckets {
				v := values[bucket]
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", bucket,
					v[account.StatAssets], v[account.StatVariations], v[account.StatLength])
			}
			return tw.Flush()
		},
	}
}

func newAccountsLogsCmd(cfg config.Config) *cobra.Command {
	var (
		outcome string
		limit   int64
	)

	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Show an account's recent API calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			acct, err := account.NewStore(d.db).ByName(ctx, args[0])
			if err != nil {
				return err
			}
			entries, err := account.NewAPILog(d.rdb, cfg.MaxLogEntries).
				Recent(ctx, acct.ID, outcome, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSTATUS\tMETHOD\tPATH\tIP")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
					unixString(e.CallTime), e.StatusCode, e.Method, e.Path, e.IPAddress)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "succeeded", "log ring to read (succeeded or failed)")
	cmd.Flags().Int64Var(&limit, "limit", 20, "max entries to show")
	return cmd
}

func newAccountsTrimLogsCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "trim-logs",
		Short: "Drop API log entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			accounts, err := account.NewStore(d.db).All(ctx)
			if err != nil {
				return err
			}
			apilog := account.NewAPILog(d.rdb, cfg.MaxLogEntries)
			now := time.Now()
			for _, acct := range accounts {
				if err := apilog.Expire(ctx, acct.ID, cfg.LogRetention, now); err != nil {
					log.Errorf(ctx, err, "trim logs for %s", acct.Name)
				}
			}
			return nil
		},
	}
}
