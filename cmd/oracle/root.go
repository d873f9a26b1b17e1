package main

import (
	"context"
	"fmt"
	"io"

	"github.com/eddiefleurent/trade_oracle/internal/app"
	"github.com/eddiefleurent/trade_oracle/internal/config"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oracle",
		Short: "Option position lifecycle engine",
		Long: `Trade oracle turns strategy signals into risk-checked multi-leg positions,
opens them atomically with rollback, and watches open positions for exits.

Run "oracle serve" for the API and monitor, "oracle trade" for entries, or use the subcommands to
inspect and close positions from the shell.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "config.yaml", "Path to configuration file")

	root.AddCommand(
		newServeCmd(),
		newMonitorCmd(),
		newTickCmd(),
		newTradeCmd(),
		newPositionsCmd(),
		newRiskCmd(),
	)
	return root
}

// withApp loads the configuration, builds the application and closes it
// after fn returns.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := app.NewLogger(cfg, cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.WithError(cerr).Warn("Error closing resources")
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
