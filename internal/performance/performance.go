// Package performance summarizes closed trades into strategy statistics and a
// readiness verdict for live capital.
package performance

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
)

var (
	hundred         = decimal.NewFromInt(100)
	profitFactorCap = decimal.NewFromInt(999)
	// DefaultRiskFreeRate is the annual rate subtracted in the Sharpe ratio.
	DefaultRiskFreeRate = 0.04
)

const tradingDaysPerYear = 252

// Metrics is computed from realized P&L of exit trade records.
type Metrics struct {
	TotalTrades     int             `json:"total_trades"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	WinRate         decimal.Decimal `json:"win_rate"` // percent
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	AverageWin      decimal.Decimal `json:"average_win"`
	AverageLoss     decimal.Decimal `json:"average_loss"`
	LargestWin      decimal.Decimal `json:"largest_win"`
	LargestLoss     decimal.Decimal `json:"largest_loss"`
	ProfitFactor    decimal.Decimal `json:"profit_factor"`
	SharpeRatio     decimal.Decimal `json:"sharpe_ratio"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"` // percent of peak cumulative P&L
	ConfidenceScore decimal.Decimal `json:"confidence_score"`
	ReadyForLive    bool            `json:"ready_for_live"`
	ReadyReason     string          `json:"ready_reason"`
}

// Criteria gate the live-readiness verdict.
type Criteria struct {
	MinTrades      int
	MinWinRate     decimal.Decimal
	MinSharpe      decimal.Decimal
	MaxDrawdownPct decimal.Decimal
}

func DefaultCriteria() Criteria {
	return Criteria{
		MinTrades:      100,
		MinWinRate:     decimal.NewFromInt(65),
		MinSharpe:      decimal.RequireFromString("1.5"),
		MaxDrawdownPct: decimal.NewFromInt(10),
	}
}

// Filter selects which trades count. Month is "YYYY-MM" in UTC.
type Filter struct {
	Strategy string
	Month    string
}

// Select returns the exit trades with a realized P&L that match f, oldest first.
func Select(trades []models.TradeRecord, f Filter) []models.TradeRecord {
	var out []models.TradeRecord
	for _, t := range trades {
		if t.Kind != models.TradeExit || !t.PnL.Valid {
			continue
		}
		if f.Strategy != "" && t.Strategy != f.Strategy {
			continue
		}
		if f.Month != "" && t.Timestamp.UTC().Format("2006-01") != f.Month {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Calculate computes metrics over exit trades. Non-exit records are ignored.
func Calculate(trades []models.TradeRecord, criteria Criteria) Metrics {
	trades = Select(trades, Filter{})
	var m Metrics
	if len(trades) == 0 {
		m.ReadyReason = "no closed trades"
		return m
	}

	pnls := make([]decimal.Decimal, len(trades))
	var grossProfit, grossLoss, lossSum decimal.Decimal
	for i, t := range trades {
		p := t.PnL.Decimal
		pnls[i] = p
		m.TotalPnL = m.TotalPnL.Add(p)
		if p.IsPositive() {
			m.Wins++
			grossProfit = grossProfit.Add(p)
			if p.GreaterThan(m.LargestWin) {
				m.LargestWin = p
			}
		} else {
			lossSum = lossSum.Add(p)
			if p.IsNegative() {
				grossLoss = grossLoss.Add(p.Abs())
			}
			if m.Losses == 0 || p.LessThan(m.LargestLoss) {
				m.LargestLoss = p
			}
			m.Losses++
		}
	}
	m.TotalTrades = len(trades)
	m.WinRate = decimal.NewFromInt(int64(m.Wins)).Mul(hundred).Div(decimal.NewFromInt(int64(m.TotalTrades))).Round(2)
	if m.Wins > 0 {
		m.AverageWin = grossProfit.Div(decimal.NewFromInt(int64(m.Wins))).Round(2)
	}
	if m.Losses > 0 {
		m.AverageLoss = lossSum.Div(decimal.NewFromInt(int64(m.Losses))).Round(2)
	}
	m.ProfitFactor = ProfitFactor(grossProfit, grossLoss)
	m.SharpeRatio = Sharpe(pnls, DefaultRiskFreeRate)
	m.MaxDrawdown = MaxDrawdown(pnls)
	m.ConfidenceScore = ConfidenceScore(m.TotalTrades, m.WinRate, m.SharpeRatio, m.MaxDrawdown)
	m.ReadyForLive, m.ReadyReason = criteria.verdict(m)
	return m
}

// ProfitFactor is gross profit over gross loss, capped at 999 when nothing was lost.
func ProfitFactor(grossProfit, grossLoss decimal.Decimal) decimal.Decimal {
	if grossLoss.IsZero() {
		if grossProfit.IsZero() {
			return decimal.Zero
		}
		return profitFactorCap
	}
	return decimal.Min(grossProfit.Div(grossLoss).Round(2), profitFactorCap)
}

// Sharpe annualizes mean excess per-trade P&L over its sample deviation with √252.
// Fewer than two samples or zero deviation give zero.
func Sharpe(pnls []decimal.Decimal, riskFree float64) decimal.Decimal {
	if len(pnls) < 2 {
		return decimal.Zero
	}
	xs := make([]float64, len(pnls))
	var mean float64
	for i, p := range pnls {
		xs[i] = p.InexactFloat64()
		mean += xs[i]
	}
	mean /= float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(xs) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return decimal.Zero
	}
	excess := mean - riskFree/tradingDaysPerYear
	return decimal.NewFromFloat(excess / std * math.Sqrt(tradingDaysPerYear)).Round(2)
}

// MaxDrawdown is the largest peak-to-trough fall of cumulative P&L as a percent
// of the peak. Drawdowns before any positive peak do not count.
func MaxDrawdown(pnls []decimal.Decimal) decimal.Decimal {
	var cum, peak, maxDD decimal.Decimal
	for _, p := range pnls {
		cum = cum.Add(p)
		if cum.GreaterThan(peak) {
			peak = cum
		}
		if !peak.IsPositive() {
			continue
		}
		if dd := peak.Sub(cum).Div(peak).Mul(hundred); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD.Round(2)
}

// ConfidenceScore grades a track record 0-100 from sample size, win rate,
// Sharpe and drawdown.
func ConfidenceScore(trades int, winRate, sharpe, maxDrawdown decimal.Decimal) decimal.Decimal {
	score := 0
	switch {
	case trades >= 150:
		score += 40
	case trades >= 100:
		score += 35
	case trades >= 50:
		score += 25
	case trades >= 30:
		score += 15
	default:
		score += 10
	}

	wr := winRate.InexactFloat64()
	switch {
	case wr >= 75:
		score += 30
	case wr >= 70:
		score += 25
	case wr >= 65:
		score += 20
	case wr >= 60:
		score += 15
	case wr >= 55:
		score += 10
	default:
		score += 5
	}

	sr := sharpe.InexactFloat64()
	switch {
	case sr >= 2.0:
		score += 20
	case sr >= 1.5:
		score += 15
	case sr >= 1.0:
		score += 10
	default:
		score += 5
	}

	dd := maxDrawdown.InexactFloat64()
	switch {
	case dd <= 5:
		score += 10
	case dd <= 10:
		score += 7
	case dd <= 15:
		score += 5
	default:
		score += 2
	}

	if score > 100 {
		score = 100
	}
	return decimal.NewFromInt(int64(score))
}

// Grade names the confidence band.
func Grade(score decimal.Decimal) string {
	s := score.IntPart()
	switch {
	case s >= 90:
		return "PROVEN"
	case s >= 75:
		return "PROMISING"
	case s >= 60:
		return "UNCERTAIN"
	default:
		return "NOT READY"
	}
}

func (c Criteria) verdict(m Metrics) (bool, string) {
	var reasons []string
	if m.TotalTrades < c.MinTrades {
		reasons = append(reasons, fmt.Sprintf("need %d more trades", c.MinTrades-m.TotalTrades))
	}
	if m.WinRate.LessThan(c.MinWinRate) {
		reasons = append(reasons, fmt.Sprintf("win rate %s%% below required %s%%", m.WinRate, c.MinWinRate))
	}
	if m.SharpeRatio.LessThan(c.MinSharpe) {
		reasons = append(reasons, fmt.Sprintf("sharpe %s below required %s", m.SharpeRatio, c.MinSharpe))
	}
	if m.MaxDrawdown.GreaterThan(c.MaxDrawdownPct) {
		reasons = append(reasons, fmt.Sprintf("drawdown %s%% exceeds max %s%%", m.MaxDrawdown, c.MaxDrawdownPct))
	}
	if len(reasons) == 0 {
		return true, "all criteria met"
	}
	return false, strings.Join(reasons, "; ")
}

// StrategyStats feeds Kelly sizing.
type StrategyStats struct {
	Trades  int
	WinRate float64 // 0-1
	AvgWin  decimal.Decimal
	AvgLoss decimal.Decimal // positive magnitude
}

// Stats derives sizing inputs for one strategy from its closed trades.
func Stats(trades []models.TradeRecord, strategy string) StrategyStats {
	sel := Select(trades, Filter{Strategy: strategy})
	st := StrategyStats{Trades: len(sel)}
	if len(sel) == 0 {
		return st
	}
	var wins, losses int
	var winSum, lossSum decimal.Decimal
	for _, t := range sel {
		if p := t.PnL.Decimal; p.IsPositive() {
			wins++
			winSum = winSum.Add(p)
		} else {
			losses++
			lossSum = lossSum.Add(p.Abs())
		}
	}
	st.WinRate = float64(wins) / float64(len(sel))
	if wins > 0 {
		st.AvgWin = winSum.Div(decimal.NewFromInt(int64(wins)))
	}
	if losses > 0 {
		st.AvgLoss = lossSum.Div(decimal.NewFromInt(int64(losses)))
	}
	return st
}

// Report bundles per-strategy metrics for the API.
type Report struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Month       string             `json:"month,omitempty"`
	Overall     Metrics            `json:"overall"`
	ByStrategy  map[string]Metrics `json:"by_strategy"`
}

// BuildReport groups exit trades by strategy.
func BuildReport(trades []models.TradeRecord, month string, criteria Criteria, now time.Time) Report {
	sel := Select(trades, Filter{Month: month})
	r := Report{
		GeneratedAt: now,
		Month:       month,
		Overall:     Calculate(sel, criteria),
		ByStrategy:  make(map[string]Metrics),
	}
	groups := make(map[string][]models.TradeRecord)
	for _, t := range sel {
		groups[t.Strategy] = append(groups[t.Strategy], t)
	}
	for name, ts := range groups {
		r.ByStrategy[name] = Calculate(ts, criteria)
	}
	return r
}
