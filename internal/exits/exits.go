// Package exits values open positions and evaluates the ordered exit rules a
// strategy attaches to them.
package exits

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
)

// ErrMissingQuote is returned when any leg cannot be priced this tick.
var ErrMissingQuote = errors.New("missing quote")

// Rule priorities. Lower runs first; the first matching rule wins.
const (
	PriorityForcedClose  = 10
	PriorityExpiry       = 15
	PriorityStopLoss     = 20
	PriorityBreach       = 30
	PriorityProfitTarget = 40
)

// Valuation is a mark-to-market of every leg at the mid.
type Valuation struct {
	// CostToClose is the signed dollar amount paid to flatten all legs at the
	// mid: positive when closing costs money (short premium), negative when
	// closing returns money (long premium).
	CostToClose   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Marks         map[string]decimal.Decimal
}

// Value prices pos from quotes keyed by leg symbol. Any leg without a usable
// quote fails the whole valuation with ErrMissingQuote.
//
// Unrealized P&L is EntryCredit - CostToClose for both credit and debit
// positions, since EntryCredit is negative for debits.
func Value(pos *models.Position, quotes map[string]*broker.Quote) (Valuation, error) {
	v := Valuation{Marks: make(map[string]decimal.Decimal, len(pos.Legs))}
	for _, l := range pos.Legs {
		q, ok := quotes[l.Symbol]
		if !ok || !q.Valid() {
			return Valuation{}, fmt.Errorf("%w for leg %s", ErrMissingQuote, l.Symbol)
		}
		mid := q.Mid()
		v.Marks[l.Symbol] = mid
		v.CostToClose = v.CostToClose.Add(l.CashFlow(mid))
	}
	v.UnrealizedPnL = pos.EntryCredit.Sub(v.CostToClose)
	return v, nil
}

// Input is everything a rule may look at.
type Input struct {
	Position  *models.Position
	Valuation Valuation
	// Now is the evaluation time; rules convert it to Location themselves.
	Now      time.Time
	Location *time.Location
	// Underlying is the underlying's price, invalid when it was not fetched.
	Underlying decimal.NullDecimal
}

func (in Input) local() time.Time {
	if in.Location == nil {
		return in.Now
	}
	return in.Now.In(in.Location)
}

// Rule is one exit condition.
type Rule interface {
	Reason() models.ExitReason
	Priority() int
	// Check reports whether the rule fires and a human-readable detail.
	Check(in Input) (bool, string)
}

// Decision is the outcome of evaluating a policy.
type Decision struct {
	Exit   bool
	Reason models.ExitReason
	Detail string
}

// Policy is the ordered rule list of one strategy.
type Policy struct {
	Rules []Rule
}

// NewPolicy returns a policy whose rules are sorted by priority.
func NewPolicy(rules ...Rule) Policy {
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return Policy{Rules: sorted}
}

// Evaluate returns the first matching rule in priority order. The order is
// re-applied here so a hand-built Policy cannot reorder it.
func (p Policy) Evaluate(in Input) Decision {
	rules := p.Rules
	if !sort.SliceIsSorted(rules, func(i, j int) bool { return rules[i].Priority() < rules[j].Priority() }) {
		rules = NewPolicy(rules...).Rules
	}
	for _, r := range rules {
		if ok, detail := r.Check(in); ok {
			return Decision{Exit: true, Reason: r.Reason(), Detail: detail}
		}
	}
	return Decision{}
}

// NeedsUnderlying reports whether any rule reads the underlying price.
func (p Policy) NeedsUnderlying() bool {
	for _, r := range p.Rules {
		if _, ok := r.(Breach); ok {
			return true
		}
	}
	return false
}
