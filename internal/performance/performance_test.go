package performance

import (
	"testing"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exit(strategy string, pnl int64, at time.Time) models.TradeRecord {
	return models.TradeRecord{
		ID: at.String(), Kind: models.TradeExit, Strategy: strategy,
		PnL: decimal.NewNullDecimal(decimal.NewFromInt(pnl)), Timestamp: at,
	}
}

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func sample() []models.TradeRecord {
	return []models.TradeRecord{
		exit("iron_condor", 100, t0),
		{ID: "entry", Kind: models.TradeEntry, Strategy: "iron_condor", Timestamp: t0},
		exit("iron_condor", -50, t0.Add(time.Hour)),
		exit("momentum", 200, t0.Add(2*time.Hour)),
		exit("momentum", -100, t0.Add(3*time.Hour)),
	}
}

func TestCalculate(t *testing.T) {
	m := Calculate(sample(), DefaultCriteria())

	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.Wins)
	assert.Equal(t, 2, m.Losses)
	assert.Equal(t, "50", m.WinRate.String())
	assert.Equal(t, "150", m.TotalPnL.String())
	assert.Equal(t, "150", m.AverageWin.String())
	assert.Equal(t, "-75", m.AverageLoss.String())
	assert.Equal(t, "200", m.LargestWin.String())
	assert.Equal(t, "-100", m.LargestLoss.String())
	assert.Equal(t, "2", m.ProfitFactor.String())
	assert.Equal(t, "50", m.MaxDrawdown.String())
	assert.InDelta(t, 4.32, m.SharpeRatio.InexactFloat64(), 0.01)
	assert.Equal(t, "37", m.ConfidenceScore.String())
	assert.False(t, m.ReadyForLive)
	assert.Contains(t, m.ReadyReason, "need 96 more trades")
	assert.Equal(t, "NOT READY", Grade(m.ConfidenceScore))
}

func TestCalculate_Empty(t *testing.T) {
	m := Calculate(nil, DefaultCriteria())
	assert.Zero(t, m.TotalTrades)
	assert.True(t, m.ProfitFactor.IsZero())
	assert.False(t, m.ReadyForLive)
}

func TestProfitFactor_Cap(t *testing.T) {
	assert.Equal(t, "999", ProfitFactor(decimal.NewFromInt(500), decimal.Zero).String())
	assert.Equal(t, "999", ProfitFactor(decimal.NewFromInt(1_000_000), decimal.NewFromInt(1)).String())
	assert.Equal(t, "0.5", ProfitFactor(decimal.NewFromInt(50), decimal.NewFromInt(100)).String())
}

func TestSharpe_Degenerate(t *testing.T) {
	assert.True(t, Sharpe([]decimal.Decimal{decimal.NewFromInt(5)}, DefaultRiskFreeRate).IsZero())
	flat := []decimal.Decimal{decimal.NewFromInt(5), decimal.NewFromInt(5), decimal.NewFromInt(5)}
	assert.True(t, Sharpe(flat, DefaultRiskFreeRate).IsZero())
}

func TestMaxDrawdown_IgnoresLossesBeforePeak(t *testing.T) {
	pnls := []decimal.Decimal{decimal.NewFromInt(-100), decimal.NewFromInt(-50), decimal.NewFromInt(400), decimal.NewFromInt(-100)}
	// peak 250, trough 150
	assert.Equal(t, "40", MaxDrawdown(pnls).String())
}

func TestConfidenceScore(t *testing.T) {
	tests := []struct {
		name   string
		trades int
		wr, sr string
		dd     string
		want   string
	}{
		{"proven", 200, "80", "2.5", "3", "100"},
		{"promising", 100, "70", "1.6", "8", "82"},
		{"thin sample", 10, "60", "0.5", "20", "32"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConfidenceScore(tt.trades, decimal.RequireFromString(tt.wr), decimal.RequireFromString(tt.sr), decimal.RequireFromString(tt.dd))
			assert.Equal(t, tt.want, got.String())
		})
	}
	assert.Equal(t, "PROVEN", Grade(decimal.NewFromInt(95)))
	assert.Equal(t, "PROMISING", Grade(decimal.NewFromInt(82)))
	assert.Equal(t, "UNCERTAIN", Grade(decimal.NewFromInt(60)))
}

func TestReadyForLive(t *testing.T) {
	var trades []models.TradeRecord
	for i := 0; i < 120; i++ {
		pnl := int64(50 + i%7)
		if i%4 == 3 {
			pnl = -5
		}
		trades = append(trades, exit("strangle", pnl, t0.Add(time.Duration(i)*time.Hour)))
	}
	m := Calculate(trades, DefaultCriteria())
	require.Equal(t, 120, m.TotalTrades)
	assert.Equal(t, "75", m.WinRate.String())
	assert.True(t, m.ReadyForLive, m.ReadyReason)
	assert.Equal(t, "all criteria met", m.ReadyReason)
}

func TestStats(t *testing.T) {
	st := Stats(sample(), "iron_condor")
	assert.Equal(t, 2, st.Trades)
	assert.InDelta(t, 0.5, st.WinRate, 1e-9)
	assert.Equal(t, "100", st.AvgWin.String())
	assert.Equal(t, "50", st.AvgLoss.String())

	none := Stats(sample(), "strangle")
	assert.Zero(t, none.Trades)
}

func TestBuildReport(t *testing.T) {
	trades := append(sample(), exit("momentum", 10, t0.AddDate(0, 1, 0)))
	r := BuildReport(trades, "2026-03", DefaultCriteria(), t0)
	assert.Equal(t, 4, r.Overall.TotalTrades)
	require.Contains(t, r.ByStrategy, "momentum")
	assert.Equal(t, 2, r.ByStrategy["momentum"].TotalTrades)
	assert.Equal(t, "50", r.ByStrategy["iron_condor"].TotalPnL.String())
}
