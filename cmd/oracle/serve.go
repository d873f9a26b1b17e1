package main

import (
	"context"

	"github.com/eddiefleurent/trade_oracle/internal/app"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, websocket stream and position monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
}

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run only the position monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.RunMonitor(ctx)
			})
		},
	}
}

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one monitor pass and print the report",
		Long: `Marks every open position, evaluates its exit policy and unwinds the
positions that triggered, then prints the tick report as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd.OutOrStdout(), a.TickOnce(ctx))
			})
		},
	}
}

func newTradeCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "trade",
		Short: "Run the entry scheduler",
		Long: `Asks every enabled strategy for a signal, sizes and risk-checks the
candidates and opens the approved ones. By default one cycle runs and its
report is printed as JSON; --loop keeps cycling on schedule.entry_interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if loop {
					return a.RunTrader(ctx)
				}
				report, err := a.TradeOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "Keep running entry cycles until interrupted")
	return cmd
}
