package exits

import (
	"fmt"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustClock is ParseClock for constants.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// On returns the clock time on t's calendar day in t's location.
func (c Clock) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Before reports whether c is earlier in the day than o.
func (c Clock) Before(o Clock) bool {
	return c.Hour < o.Hour || (c.Hour == o.Hour && c.Minute < o.Minute)
}

// Within reports whether t's wall-clock time falls in [start, end).
func Within(t time.Time, start, end Clock) bool {
	c := Clock{Hour: t.Hour(), Minute: t.Minute()}
	return !c.Before(start) && c.Before(end)
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ForcedClose exits once exchange-local time reaches Cutoff. Intraday
// positions carried past the session they were opened in also exit.
type ForcedClose struct {
	Cutoff   Clock
	Intraday bool
}

func (ForcedClose) Reason() models.ExitReason { return models.ExitForcedClose }
func (ForcedClose) Priority() int             { return PriorityForcedClose }

func (r ForcedClose) Check(in Input) (bool, string) {
	now := in.local()
	if !now.Before(r.Cutoff.On(now)) {
		return true, fmt.Sprintf("%s force close (now %s)", r.Cutoff, now.Format("15:04"))
	}
	if r.Intraday && in.Position != nil {
		opened := in.Position.OpenedAt.In(now.Location())
		if models.DaysBetween(opened, now) > 0 {
			return true, fmt.Sprintf("intraday position opened %s still open", opened.Format(models.DayLayout))
		}
	}
	return false, ""
}

// ExpiryClose exits when the nearest leg is within MaxDTE days of expiring.
// It is reported as a forced close.
type ExpiryClose struct {
	MaxDTE int
}

func (ExpiryClose) Reason() models.ExitReason { return models.ExitForcedClose }
func (ExpiryClose) Priority() int             { return PriorityExpiry }

func (r ExpiryClose) Check(in Input) (bool, string) {
	if in.Position == nil || len(in.Position.Legs) == 0 {
		return false, ""
	}
	dte := models.DaysBetween(in.local(), in.Position.NearestExpiration())
	if dte <= r.MaxDTE {
		return true, fmt.Sprintf("%d DTE <= %d", dte, r.MaxDTE)
	}
	return false, ""
}

// StopLoss exits on an adverse move. For credit positions it fires when the
// cost to close reaches CreditMultiple times the entry credit. For debit
// positions it fires when the loss reaches DebitFraction of the premium paid.
type StopLoss struct {
	CreditMultiple decimal.Decimal
	DebitFraction  decimal.Decimal
}

func (StopLoss) Reason() models.ExitReason { return models.ExitStopLoss }
func (StopLoss) Priority() int             { return PriorityStopLoss }

func (r StopLoss) Check(in Input) (bool, string) {
	pos := in.Position
	if pos == nil || pos.EntryCredit.IsZero() {
		return false, ""
	}
	v := in.Valuation
	if pos.IsCredit() {
		if !r.CreditMultiple.IsPositive() {
			return false, ""
		}
		limit := pos.EntryCredit.Mul(r.CreditMultiple)
		if v.CostToClose.GreaterThanOrEqual(limit) {
			return true, fmt.Sprintf("cost to close %s >= %sx credit %s",
				v.CostToClose.StringFixed(2), r.CreditMultiple, pos.EntryCredit.StringFixed(2))
		}
		return false, ""
	}
	if !r.DebitFraction.IsPositive() {
		return false, ""
	}
	maxLoss := pos.EntryCost().Mul(r.DebitFraction)
	if v.UnrealizedPnL.Neg().GreaterThanOrEqual(maxLoss) {
		return true, fmt.Sprintf("loss %s >= %s%% of premium %s",
			v.UnrealizedPnL.Neg().StringFixed(2), r.DebitFraction.Mul(hundred), pos.EntryCost().StringFixed(2))
	}
	return false, ""
}

// Breach exits when the underlying trades within Buffer (a fraction of the
// underlying price) of any short strike.
type Breach struct {
	Buffer decimal.Decimal
}

func (Breach) Reason() models.ExitReason { return models.ExitBreach }
func (Breach) Priority() int             { return PriorityBreach }

func (r Breach) Check(in Input) (bool, string) {
	if in.Position == nil || !in.Underlying.Valid || !in.Underlying.Decimal.IsPositive() {
		return false, ""
	}
	spot := in.Underlying.Decimal
	for _, l := range in.Position.ShortLegs() {
		var distance decimal.Decimal
		switch l.OptionType {
		case models.OptionCall:
			distance = l.Strike.Sub(spot).Div(spot)
		case models.OptionPut:
			distance = spot.Sub(l.Strike).Div(spot)
		default:
			continue
		}
		if distance.LessThanOrEqual(r.Buffer) {
			return true, fmt.Sprintf("underlying %s within %s%% of short %s strike %s (distance %s%%)",
				spot.StringFixed(2), r.Buffer.Mul(hundred), l.OptionType, l.Strike,
				distance.Mul(hundred).StringFixed(2))
		}
	}
	return false, ""
}

// ProfitTarget exits once unrealized P&L reaches Fraction of max profit.
// DebitFraction, when set, replaces Fraction for debit positions.
type ProfitTarget struct {
	Fraction      decimal.Decimal
	DebitFraction decimal.Decimal
}

func (ProfitTarget) Reason() models.ExitReason { return models.ExitProfitTarget }
func (ProfitTarget) Priority() int             { return PriorityProfitTarget }

func (r ProfitTarget) Check(in Input) (bool, string) {
	pos := in.Position
	if pos == nil || !pos.MaxProfit().IsPositive() {
		return false, ""
	}
	frac := r.Fraction
	if !pos.IsCredit() && r.DebitFraction.IsPositive() {
		frac = r.DebitFraction
	}
	if !frac.IsPositive() {
		return false, ""
	}
	target := pos.MaxProfit().Mul(frac)
	if in.Valuation.UnrealizedPnL.GreaterThanOrEqual(target) {
		return true, fmt.Sprintf("unrealized %s >= %s%% of max profit %s",
			in.Valuation.UnrealizedPnL.StringFixed(2), frac.Mul(hundred), pos.MaxProfit().StringFixed(2))
	}
	return false, ""
}

var (
	_ Rule = ForcedClose{}
	_ Rule = ExpiryClose{}
	_ Rule = StopLoss{}
	_ Rule = Breach{}
	_ Rule = ProfitTarget{}
)
