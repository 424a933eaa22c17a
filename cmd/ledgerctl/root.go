package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"trading-ledger/config"
	"trading-ledger/internal/app"
	"trading-ledger/pkg/logger"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootConfig carries the persistent flags to every subcommand.
type rootConfig struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}

	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operator tool for the trading ledger",
		Long: `ledgerctl runs operator tasks against the same storage the API uses:
schema migrations, on-demand reconciliation, the account summary,
dead-letter queue handling and operator tokens.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&rc.configPath, "config", os.Getenv("TL_CONFIG"), "config file (default ./config.yaml or ./config/config.yaml)")
	cmd.PersistentFlags().StringVar(&rc.logLevel, "log-level", "warn", "log level for ledgerctl itself")

	cmd.AddCommand(
		newMigrateCmd(rc),
		newReconcileCmd(rc),
		newSummaryCmd(rc),
		newDLQCmd(rc),
		newRetryCmd(rc),
		newTokenCmd(rc),
	)
	return cmd
}

func (rc *rootConfig) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(rc.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger.NewWithWriter(rc.logLevel, os.Stderr), nil
}

func (rc *rootConfig) build(ctx context.Context, opts app.Options) (*app.App, error) {
	cfg, log, err := rc.load()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, log, opts)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
