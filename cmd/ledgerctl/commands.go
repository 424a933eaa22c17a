package main

import (
	"fmt"
	"time"

	pgStorage "trading-ledger/internal/adapter/storage/postgres"
	"trading-ledger/internal/app"
	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/service"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newMigrateCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rc.load()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return fmt.Errorf("migrate needs storage.driver=postgres, have %q", cfg.Storage.Driver)
			}

			pool, err := pgStorage.NewPool(cmd.Context(), cfg.Database, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := pgStorage.Migrate(cmd.Context(), pool, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func newReconcileCmd(rc *rootConfig) *cobra.Command {
	var (
		startStr string
		endStr   string
		window   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the ledger against the gateway over [start, end)",
		Long: `Runs one reconciliation pass and prints the report.
Without --start/--end the trailing --window ending now is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC()
			if endStr != "" {
				t, err := time.Parse(time.RFC3339, endStr)
				if err != nil {
					return fmt.Errorf("bad --end: %w", err)
				}
				end = t
			}
			start := end.Add(-window)
			if startStr != "" {
				t, err := time.Parse(time.RFC3339, startStr)
				if err != nil {
					return fmt.Errorf("bad --start: %w", err)
				}
				start = t
			}

			a, err := rc.build(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Reconciler.RunReconciliation(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&startStr, "start", "", "window start (RFC 3339)")
	cmd.Flags().StringVar(&endStr, "end", "", "window end, exclusive (RFC 3339)")
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "trailing window when --start is omitted")
	return cmd
}

func newSummaryCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print balances, equity and queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rc.build(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.Summary.GetSummary(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newDLQCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered webhook events",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rc.build(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			dls, err := a.Webhooks.ListDeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if dls == nil {
				dls = []domain.DeadLetter{}
			}
			return printJSON(cmd.OutOrStdout(), dls)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	reprocess := &cobra.Command{
		Use:   "reprocess <event-id>",
		Short: "Move a failed event out of the DLQ and process it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("bad event id: %w", err)
			}

			a, err := rc.build(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			ev, err := a.Webhooks.ReprocessDLQEvent(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ev)
		},
	}

	cmd.AddCommand(list, reprocess)
	return cmd
}

func newRetryCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Run one webhook retry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rc.build(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Webhooks.RetryPending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d event(s)\n", n)
			return nil
		},
	}
}

func newTokenCmd(rc *rootConfig) *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := rc.load()
			if err != nil {
				return err
			}
			if cfg.Admin.JWTSecret == "" {
				return fmt.Errorf("admin.jwt_secret is not set; operator auth is disabled")
			}

			tokens := service.NewJWTTokenService(cfg.Admin.JWTSecret, cfg.Admin.JWTExpiry, cfg.Admin.JWTIssuer)
			token, expiresAt, err := tokens.Generate(subject)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"token":      token,
				"subject":    subject,
				"expires_at": expiresAt.UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator identity recorded in the token")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
