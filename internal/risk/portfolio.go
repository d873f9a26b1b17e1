package risk

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
)

// EquitySource reports current account equity.
type EquitySource interface {
	GetAccountEquity(ctx context.Context) (decimal.Decimal, error)
}

// DayStore rolls the persisted risk state to a trading day.
type DayStore interface {
	EnsureRiskDay(ctx context.Context, day string, startingEquity decimal.Decimal) (models.RiskState, error)
}

// LoadPortfolio reads equity, rolls the risk state to day and returns the
// snapshot the validator evaluates against. Missing equity fails closed.
func LoadPortfolio(ctx context.Context, equity EquitySource, store DayStore, day string) (models.PortfolioSnapshot, models.RiskState, error) {
	eq, err := equity.GetAccountEquity(ctx)
	if err != nil {
		return models.PortfolioSnapshot{}, models.RiskState{}, fmt.Errorf("reading account equity: %w", err)
	}
	if !eq.IsPositive() {
		return models.PortfolioSnapshot{}, models.RiskState{}, fmt.Errorf("account equity %s is not positive", eq)
	}
	rs, err := store.EnsureRiskDay(ctx, day, eq)
	if err != nil {
		return models.PortfolioSnapshot{}, models.RiskState{}, fmt.Errorf("rolling risk state: %w", err)
	}
	return rs.Snapshot(eq), rs, nil
}
