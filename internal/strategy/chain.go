package strategy

import (
	"math"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/greeks"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/util"
	"github.com/shopspring/decimal"
)

var tick = decimal.RequireFromString("0.01")

// sessionClose is when same-day options stop trading, exchange time.
const sessionCloseHour = 16

// expirationDate returns the calendar date as midnight UTC, the form chain
// entries and OCC symbols carry.
func expirationDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// targetExpiration returns the first Friday at least targetDTE days after now.
func targetExpiration(now time.Time, targetDTE int) time.Time {
	target := now.AddDate(0, 0, targetDTE)
	for target.Weekday() != time.Friday {
		target = target.AddDate(0, 0, 1)
	}
	return expirationDate(target)
}

// yearsToExpiry measures time until the closing bell of the expiration date.
func yearsToExpiry(exp, now time.Time, loc *time.Location) float64 {
	if loc == nil {
		loc = time.UTC
	}
	end := time.Date(exp.Year(), exp.Month(), exp.Day(), sessionCloseHour, 0, 0, 0, loc)
	days := end.Sub(now).Hours() / 24
	return greeks.YearsUntil(math.Max(days, 0))
}

func pricingInputs(c broker.ChainEntry, spot decimal.Decimal, now time.Time, loc *time.Location) greeks.Inputs {
	return greeks.Inputs{
		Type:   c.Type,
		Spot:   spot.InexactFloat64(),
		Strike: c.Strike.InexactFloat64(),
		Years:  yearsToExpiry(c.Expiration, now, loc),
		Rate:   greeks.DefaultRiskFreeRate,
	}
}

// impliedVol returns the entry's IV, solving it from the mid when the chain
// does not carry one.
func impliedVol(c broker.ChainEntry, spot decimal.Decimal, now time.Time, loc *time.Location) (float64, bool) {
	if c.Greeks != nil && c.Greeks.IV > 0 {
		return c.Greeks.IV, true
	}
	mid := c.Mid()
	if !mid.IsPositive() {
		return 0, false
	}
	iv, err := greeks.ImpliedVolatility(mid.InexactFloat64(), pricingInputs(c, spot, now, loc))
	if err != nil {
		return 0, false
	}
	return iv, true
}

// deltaOf returns the chain delta, or a Black-Scholes delta when the broker
// supplied none.
func deltaOf(c broker.ChainEntry, spot decimal.Decimal, now time.Time, loc *time.Location) (float64, bool) {
	if c.Greeks != nil && c.Greeks.Delta != 0 {
		return c.Greeks.Delta, true
	}
	iv, ok := impliedVol(c, spot, now, loc)
	if !ok {
		return 0, false
	}
	in := pricingInputs(c, spot, now, loc)
	in.Volatility = iv
	return greeks.Delta(in), true
}

func quoted(c broker.ChainEntry) bool {
	return c.Ask.IsPositive() && !c.Bid.IsNegative() && c.Bid.LessThanOrEqual(c.Ask)
}

// findByDelta returns the quoted contract of typ whose absolute delta is
// closest to target. A positive tolerance rejects anything further away.
func findByDelta(chain []broker.ChainEntry, typ models.OptionType, target, tolerance float64,
	spot decimal.Decimal, now time.Time, loc *time.Location) (broker.ChainEntry, float64, bool) {
	var best broker.ChainEntry
	bestDelta := 0.0
	bestDiff := math.MaxFloat64
	for _, c := range chain {
		if c.Type != typ || !quoted(c) {
			continue
		}
		delta, ok := deltaOf(c, spot, now, loc)
		if !ok {
			continue
		}
		diff := math.Abs(math.Abs(delta) - target)
		if diff < bestDiff {
			best, bestDelta, bestDiff = c, delta, diff
		}
	}
	if bestDiff == math.MaxFloat64 || (tolerance > 0 && bestDiff > tolerance) {
		return broker.ChainEntry{}, 0, false
	}
	return best, bestDelta, true
}

// atTheMoney returns the quoted contract of typ with the strike nearest spot.
func atTheMoney(chain []broker.ChainEntry, typ models.OptionType, spot decimal.Decimal) (broker.ChainEntry, bool) {
	var best broker.ChainEntry
	found := false
	for _, c := range chain {
		if c.Type != typ || !quoted(c) {
			continue
		}
		if !found || c.Strike.Sub(spot).Abs().LessThan(best.Strike.Sub(spot).Abs()) {
			best, found = c, true
		}
	}
	return best, found
}

// limitPrice is the mid rounded to the tick, never below one tick.
func limitPrice(c broker.ChainEntry) decimal.Decimal {
	return decimal.Max(util.RoundToTick(c.Mid(), tick), tick)
}

func legFrom(c broker.ChainEntry, side models.Side) models.Leg {
	return models.Leg{
		Symbol:     c.Symbol,
		Side:       side,
		OptionType: c.Type,
		Strike:     c.Strike,
		Expiration: c.Expiration,
		Quantity:   1,
		LimitPrice: limitPrice(c),
	}
}

// netPrice is the per-share net of the legs at their limits: positive for a credit.
func netPrice(legs []models.Leg) decimal.Decimal {
	net := decimal.Zero
	for _, l := range legs {
		if l.Side == models.SideSell {
			net = net.Add(l.LimitPrice)
		} else {
			net = net.Sub(l.LimitPrice)
		}
	}
	return net
}

// IVRank places current within the range of history, clamped to [0, 1]. It
// needs at least two readings with a non-zero range.
func IVRank(current float64, history []float64) (float64, bool) {
	if len(history) < 2 || current <= 0 {
		return 0, false
	}
	lo, hi := history[0], history[0]
	for _, v := range history[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi-lo <= 0 {
		return 0, false
	}
	return math.Max(0, math.Min(1, (current-lo)/(hi-lo))), true
}
