package main

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/app"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/risk"
	"github.com/spf13/cobra"
)

func newRiskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "risk",
		Short: "Print today's risk state, portfolio and limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				day := models.TradingDay(time.Now(), a.Config.Location())
				snap, state, err := risk.LoadPortfolio(ctx, a.Broker, a.Store, day)
				if err != nil {
					return fmt.Errorf("loading portfolio: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), struct {
					State     models.RiskState         `json:"state"`
					Portfolio models.PortfolioSnapshot `json:"portfolio"`
					Limits    risk.Limits              `json:"limits"`
				}{state, snap, a.Validator.Limits()})
			})
		},
	}
}
