package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/eddiefleurent/trade_oracle/internal/app"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/spf13/cobra"
)

func newPositionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "positions",
		Aliases: []string{"pos"},
		Short:   "Inspect and close positions",
	}
	cmd.AddCommand(newPositionsListCmd(), newPositionsShowCmd(), newPositionsCloseCmd())
	return cmd
}

func newPositionsListCmd() *cobra.Command {
	var (
		status   string
		strategy string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List positions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				positions, err := a.Store.ListPositions(ctx, storage.Filter{
					Status:   models.PositionStatus(status),
					Strategy: strategy,
					Limit:    limit,
				})
				if err != nil {
					return fmt.Errorf("listing positions: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(positions) == 0 {
					_, err := fmt.Fprintln(out, "No positions")
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTRATEGY\tUNDERLYING\tSTATUS\tLEGS\tENTRY\tMARK\tP&L\tOPENED")
				for i := range positions {
					p := &positions[i]
					pnl := p.UnrealizedPnL
					if !p.IsOpen() && p.RealizedPnL.Valid {
						pnl = p.RealizedPnL.Decimal
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
						p.ID, p.Strategy, p.Underlying, p.Status, len(p.Legs),
						p.EntryCredit.StringFixed(2), p.CurrentPrice.StringFixed(2), pnl.StringFixed(2),
						p.OpenedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (open, closed)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Filter by strategy name")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of positions")
	return cmd
}

func newPositionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a position and its trade records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				pos, err := a.Store.GetPosition(ctx, args[0])
				if err != nil {
					return err
				}
				trades, err := a.Store.ListTrades(ctx, storage.TradeFilter{PositionID: pos.ID})
				if err != nil {
					return fmt.Errorf("listing trades: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), struct {
					Position *models.Position     `json:"position"`
					Trades   []models.TradeRecord `json:"trades"`
				}{pos, trades})
			})
		},
	}
}

func newPositionsCloseCmd() *cobra.Command {
	var detail string
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Unwind a position now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Unwind(context.WithoutCancel(ctx), args[0], models.ExitManual, detail)
				if err != nil {
					return err
				}
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				switch {
				case res.Success, res.AlreadyClosed:
					return nil
				case res.InProgress:
					return errors.New("another close is in progress")
				default:
					return fmt.Errorf("close failed: %s", res.Reason)
				}
			})
		},
	}
	cmd.Flags().StringVar(&detail, "detail", "closed via CLI", "Exit detail recorded on the position")
	return cmd
}
