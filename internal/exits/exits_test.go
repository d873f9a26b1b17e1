package exits

import (
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var newYork = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}()

func at(hh, mm int) time.Time {
	return time.Date(2025, 3, 14, hh, mm, 0, 0, newYork)
}

func quote(bid, ask string) *broker.Quote {
	return &broker.Quote{Bid: d(bid), Ask: d(ask)}
}

// shortPut is a one-contract credit position opened for $1.00.
func shortPut() *models.Position {
	return &models.Position{
		ID:          "p1",
		Strategy:    "iron_condor",
		Underlying:  "SPY",
		EntryCredit: d("100"),
		Status:      models.PositionOpen,
		OpenedAt:    at(9, 35),
		Legs: []models.Leg{{
			Symbol: "SPY250314P00500000", Side: models.SideSell, OptionType: models.OptionPut,
			Strike: d("500"), Quantity: 1, Expiration: at(0, 0),
		}},
	}
}

func condor() *models.Position {
	exp := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	leg := func(sym string, side models.Side, typ models.OptionType, strike string) models.Leg {
		return models.Leg{Symbol: sym, Side: side, OptionType: typ, Strike: d(strike), Quantity: 1, Expiration: exp}
	}
	return &models.Position{
		ID:          "ic",
		Strategy:    "iron_condor",
		Underlying:  "SPY",
		EntryCredit: d("120"),
		Status:      models.PositionOpen,
		OpenedAt:    at(9, 35),
		Legs: []models.Leg{
			leg("SPY250314C00510000", models.SideSell, models.OptionCall, "510"),
			leg("SPY250314C00515000", models.SideBuy, models.OptionCall, "515"),
			leg("SPY250314P00490000", models.SideSell, models.OptionPut, "490"),
			leg("SPY250314P00485000", models.SideBuy, models.OptionPut, "485"),
		},
	}
}

func condorPolicy() Policy {
	return NewPolicy(
		ProfitTarget{Fraction: d("0.5")},
		Breach{Buffer: d("0.02")},
		StopLoss{CreditMultiple: d("2")},
		ForcedClose{Cutoff: MustClock("15:50"), Intraday: true},
	)
}

func TestValue_Condor(t *testing.T) {
	pos := condor()
	quotes := map[string]*broker.Quote{
		"SPY250314C00510000": quote("0.50", "0.60"),
		"SPY250314C00515000": quote("0.10", "0.20"),
		"SPY250314P00490000": quote("0.40", "0.50"),
		"SPY250314P00485000": quote("0.05", "0.15"),
	}
	v, err := Value(pos, quotes)
	require.NoError(t, err)
	// 55 - 15 + 45 - 10
	assert.True(t, d("75").Equal(v.CostToClose), "cost %s", v.CostToClose)
	assert.True(t, d("45").Equal(v.UnrealizedPnL), "pnl %s", v.UnrealizedPnL)
	assert.True(t, d("0.55").Equal(v.Marks["SPY250314C00510000"]))
}

func TestValue_Debit(t *testing.T) {
	pos := &models.Position{
		EntryCredit: d("-250"),
		Legs:        []models.Leg{{Symbol: "SPY250314C00500000", Side: models.SideBuy, OptionType: models.OptionCall, Strike: d("500"), Quantity: 1}},
	}
	v, err := Value(pos, map[string]*broker.Quote{"SPY250314C00500000": quote("3.70", "3.80")})
	require.NoError(t, err)
	assert.True(t, d("-375").Equal(v.CostToClose))
	assert.True(t, d("125").Equal(v.UnrealizedPnL))
}

func TestValue_MissingQuote(t *testing.T) {
	pos := condor()
	quotes := map[string]*broker.Quote{
		"SPY250314C00510000": quote("0.50", "0.60"),
		"SPY250314C00515000": quote("0.10", "0.20"),
		"SPY250314P00490000": quote("0.60", "0.50"), // crossed
		"SPY250314P00485000": quote("0.05", "0.15"),
	}
	_, err := Value(pos, quotes)
	assert.True(t, errors.Is(err, ErrMissingQuote))

	delete(quotes, "SPY250314P00490000")
	_, err = Value(pos, quotes)
	assert.True(t, errors.Is(err, ErrMissingQuote))
}

// Entry credit $1.00, stop multiple 2, target 50%, cutoff 15:50.
func TestPolicy_WorkedExample(t *testing.T) {
	policy := condorPolicy()
	tests := []struct {
		name   string
		mid    string
		now    time.Time
		exit   bool
		reason models.ExitReason
	}{
		{"hold", "1.00", at(11, 0), false, ""},
		{"profit target below 0.50", "0.49", at(14, 0), true, models.ExitProfitTarget},
		{"profit target at 0.50", "0.50", at(14, 0), true, models.ExitProfitTarget},
		{"just above target", "0.51", at(14, 0), false, ""},
		{"stop at 2.00", "2.00", at(14, 0), true, models.ExitStopLoss},
		{"below stop", "1.99", at(14, 0), false, ""},
		{"forced close beats profit target", "0.49", at(15, 50), true, models.ExitForcedClose},
		{"forced close beats stop", "2.50", at(15, 55), true, models.ExitForcedClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := shortPut()
			bid := d(tt.mid).Sub(d("0.01"))
			ask := d(tt.mid).Add(d("0.01"))
			v, err := Value(pos, map[string]*broker.Quote{pos.Legs[0].Symbol: {Bid: bid, Ask: ask}})
			require.NoError(t, err)
			got := policy.Evaluate(Input{Position: pos, Valuation: v, Now: tt.now, Location: newYork})
			assert.Equal(t, tt.exit, got.Exit)
			assert.Equal(t, tt.reason, got.Reason)
			if tt.exit {
				assert.NotEmpty(t, got.Detail)
			}
		})
	}
}

func TestPolicy_OrderIsEnforced(t *testing.T) {
	// Deliberately built out of order.
	p := Policy{Rules: []Rule{
		ProfitTarget{Fraction: d("0.5")},
		ForcedClose{Cutoff: MustClock("15:50")},
	}}
	pos := shortPut()
	in := Input{
		Position:  pos,
		Valuation: Valuation{CostToClose: d("10"), UnrealizedPnL: d("90")},
		Now:       at(15, 51),
		Location:  newYork,
	}
	assert.Equal(t, models.ExitForcedClose, p.Evaluate(in).Reason)
}

func TestForcedClose_UsesExchangeTime(t *testing.T) {
	r := ForcedClose{Cutoff: MustClock("15:50")}
	// 19:55 UTC is 15:55 in New York during DST
	now := time.Date(2025, 6, 2, 19, 55, 0, 0, time.UTC)
	ok, _ := r.Check(Input{Now: now, Location: newYork})
	assert.True(t, ok)

	ok, _ = r.Check(Input{Now: now.Add(-time.Hour), Location: newYork})
	assert.False(t, ok)
}

func TestForcedClose_StaleIntraday(t *testing.T) {
	pos := shortPut()
	pos.OpenedAt = at(9, 35).AddDate(0, 0, -1)
	r := ForcedClose{Cutoff: MustClock("15:50"), Intraday: true}
	ok, detail := r.Check(Input{Position: pos, Now: at(9, 31), Location: newYork})
	assert.True(t, ok)
	assert.Contains(t, detail, "intraday")

	r.Intraday = false
	ok, _ = r.Check(Input{Position: pos, Now: at(9, 31), Location: newYork})
	assert.False(t, ok)
}

func TestExpiryClose(t *testing.T) {
	pos := shortPut()
	pos.Legs[0].Expiration = time.Date(2025, 4, 4, 0, 0, 0, 0, time.UTC)
	r := ExpiryClose{MaxDTE: 21}

	ok, _ := r.Check(Input{Position: pos, Now: at(10, 0), Location: newYork}) // 21 DTE
	assert.True(t, ok)
	assert.Equal(t, models.ExitForcedClose, r.Reason())

	ok, _ = r.Check(Input{Position: pos, Now: at(10, 0).AddDate(0, 0, -1), Location: newYork})
	assert.False(t, ok)
}

func TestStopLoss_Debit(t *testing.T) {
	pos := &models.Position{EntryCredit: d("-200")}
	r := StopLoss{DebitFraction: d("0.5")}

	ok, _ := r.Check(Input{Position: pos, Valuation: Valuation{UnrealizedPnL: d("-100")}})
	assert.True(t, ok)
	ok, _ = r.Check(Input{Position: pos, Valuation: Valuation{UnrealizedPnL: d("-99.99")}})
	assert.False(t, ok)
}

func TestBreach(t *testing.T) {
	pos := condor()
	r := Breach{Buffer: d("0.015")}
	tests := []struct {
		name string
		spot decimal.NullDecimal
		want bool
	}{
		{"centered", decimal.NewNullDecimal(d("500")), false},
		{"near call", decimal.NewNullDecimal(d("503")), true},
		{"through call", decimal.NewNullDecimal(d("512")), true},
		{"near put", decimal.NewNullDecimal(d("497")), true},
		{"no price", decimal.NullDecimal{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, _ := r.Check(Input{Position: pos, Underlying: tt.spot})
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestProfitTarget_Debit(t *testing.T) {
	pos := &models.Position{EntryCredit: d("-200")}
	r := ProfitTarget{Fraction: d("1.0")}
	ok, _ := r.Check(Input{Position: pos, Valuation: Valuation{UnrealizedPnL: d("200")}})
	assert.True(t, ok)
	ok, _ = r.Check(Input{Position: pos, Valuation: Valuation{UnrealizedPnL: d("199")}})
	assert.False(t, ok)
}

func TestPolicy_NeedsUnderlying(t *testing.T) {
	assert.True(t, condorPolicy().NeedsUnderlying())
	assert.False(t, NewPolicy(ProfitTarget{Fraction: d("0.5")}).NeedsUnderlying())
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("09:31")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 9, Minute: 31}, c)
	assert.Equal(t, "09:31", c.String())

	_, err = ParseClock("25:00")
	assert.Error(t, err)
}

func TestProfitTarget_DebitFraction(t *testing.T) {
	r := ProfitTarget{Fraction: d("0.5"), DebitFraction: d("1.0")}

	debit := &models.Position{EntryCredit: d("-200")}
	ok, _ := r.Check(Input{Position: debit, Valuation: Valuation{UnrealizedPnL: d("150")}})
	assert.False(t, ok)
	ok, _ = r.Check(Input{Position: debit, Valuation: Valuation{UnrealizedPnL: d("200")}})
	assert.True(t, ok)

	credit := &models.Position{EntryCredit: d("200")}
	ok, _ = r.Check(Input{Position: credit, Valuation: Valuation{UnrealizedPnL: d("100")}})
	assert.True(t, ok)
}

func TestClock_Within(t *testing.T) {
	start, end := MustClock("09:31"), MustClock("09:45")
	assert.False(t, Within(at(9, 30), start, end))
	assert.True(t, Within(at(9, 31), start, end))
	assert.True(t, Within(at(9, 44), start, end))
	assert.False(t, Within(at(9, 45), start, end))

	var c Clock
	require.NoError(t, c.UnmarshalText([]byte("15:50")))
	assert.Equal(t, MustClock("15:50"), c)
	assert.Error(t, c.UnmarshalText([]byte("3pm")))
}
