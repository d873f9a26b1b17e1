package risk

import (
	"math"

	"github.com/eddiefleurent/trade_oracle/internal/performance"
	"github.com/shopspring/decimal"
)

// Sizing inputs used when history is missing or thin.
var (
	DefaultStats = performance.StrategyStats{WinRate: 0.55, AvgWin: decimal.NewFromInt(100), AvgLoss: decimal.NewFromInt(50)}
	ThinStats    = performance.StrategyStats{WinRate: 0.75, AvgWin: decimal.NewFromInt(120), AvgLoss: decimal.NewFromInt(80)}
)

// MinTradesForStats is the sample size below which ThinStats are used.
const MinTradesForStats = 10

// EffectiveStats picks the inputs Kelly sizing will use.
func EffectiveStats(stats *performance.StrategyStats) performance.StrategyStats {
	if stats == nil {
		return DefaultStats
	}
	if stats.Trades < MinTradesForStats {
		return ThinStats
	}
	out := *stats
	if !out.AvgWin.IsPositive() {
		out.AvgWin = DefaultStats.AvgWin
	}
	if !out.AvgLoss.IsPositive() {
		out.AvgLoss = DefaultStats.AvgLoss
	}
	return out
}

// HalfKelly returns half the Kelly fraction, capped at maxRisk. Negative edges give zero.
func HalfKelly(stats performance.StrategyStats, maxRisk decimal.Decimal) decimal.Decimal {
	avgWin := stats.AvgWin.InexactFloat64()
	if avgWin <= 0 {
		return decimal.Zero
	}
	kelly := (stats.WinRate*avgWin - (1-stats.WinRate)*stats.AvgLoss.InexactFloat64()) / avgWin
	if math.IsNaN(kelly) || kelly <= 0 {
		return decimal.Zero
	}
	return decimal.Min(decimal.NewFromFloat(kelly*0.5), maxRisk)
}

// SuggestQuantity sizes a trade with half-Kelly when the caller did not ask for
// a quantity. Zero means the edge does not justify a trade.
func (v *Validator) SuggestQuantity(stats *performance.StrategyStats, equity, maxLossPerUnit decimal.Decimal) int {
	if !equity.IsPositive() || !maxLossPerUnit.IsPositive() {
		return 0
	}
	frac := HalfKelly(EffectiveStats(stats), v.limits.MaxRiskPerTrade)
	return int(equity.Mul(frac).Div(maxLossPerUnit).Floor().IntPart())
}
