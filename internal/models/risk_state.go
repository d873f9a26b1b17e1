package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DayLayout formats the trading day key used by RiskState.
const DayLayout = "2006-01-02"

// RiskState carries the counters the risk validator reads. It is passed explicitly
// and only mutated by the store when a position closes.
type RiskState struct {
	Day               string          `json:"day"`
	StartingEquity    decimal.Decimal `json:"starting_equity"`
	DailyRealizedPnL  decimal.Decimal `json:"daily_realized_pnl"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	TotalTrades       int             `json:"total_trades"`
	Wins              int             `json:"wins"`
	Losses            int             `json:"losses"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TradingDay returns the day key for t in loc.
func TradingDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}

// Roll starts a new trading day. Daily P&L resets; the loss streak carries over.
// Non-positive equity keeps the previous starting equity.
func (rs *RiskState) Roll(day string, startingEquity decimal.Decimal) {
	if rs.Day == day {
		return
	}
	rs.Day = day
	rs.DailyRealizedPnL = decimal.Zero
	if startingEquity.IsPositive() {
		rs.StartingEquity = startingEquity
	}
}

// ApplyClose records a realized result. Losses extend the streak, anything else resets it.
// A close on a new day leaves StartingEquity unset for the next day roll to fill.
func (rs *RiskState) ApplyClose(pnl decimal.Decimal, day string, at time.Time) {
	if rs.Day != day {
		rs.StartingEquity = decimal.Zero
	}
	rs.Roll(day, decimal.Zero)
	rs.DailyRealizedPnL = rs.DailyRealizedPnL.Add(pnl)
	rs.TotalTrades++
	if pnl.IsNegative() {
		rs.Losses++
		rs.ConsecutiveLosses++
	} else {
		rs.Wins++
		rs.ConsecutiveLosses = 0
	}
	rs.UpdatedAt = at
}

// PortfolioSnapshot is what the risk validator evaluates a candidate against.
type PortfolioSnapshot struct {
	Equity            decimal.Decimal `json:"equity"`
	StartingEquity    decimal.Decimal `json:"starting_equity"`
	DailyRealizedPnL  decimal.Decimal `json:"daily_realized_pnl"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
}

// Snapshot combines the state with current equity. When the day has no starting
// equity yet, current equity is used.
func (rs RiskState) Snapshot(equity decimal.Decimal) PortfolioSnapshot {
	start := rs.StartingEquity
	if !start.IsPositive() {
		start = equity
	}
	return PortfolioSnapshot{
		Equity:            equity,
		StartingEquity:    start,
		DailyRealizedPnL:  rs.DailyRealizedPnL,
		ConsecutiveLosses: rs.ConsecutiveLosses,
	}
}
