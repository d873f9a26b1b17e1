package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CandidateTrade is a strategy's request to open a position. Leg quantities are
// ratios per unit; Quantity is the number of units requested.
type CandidateTrade struct {
	Strategy        string          `json:"strategy"`
	Underlying      string          `json:"underlying"`
	Legs            []Leg           `json:"legs"`
	Quantity        int             `json:"quantity"`
	NetPrice        decimal.Decimal `json:"net_price"` // per share per unit, >0 credit
	MaxLossPerUnit  decimal.Decimal `json:"max_loss_per_unit"`
	NotionalPerUnit decimal.Decimal `json:"notional_per_unit"`
	Confidence      float64         `json:"confidence"`
	Reasoning       string          `json:"reasoning,omitempty"`
}

// Validate rejects malformed candidates before risk or execution sees them.
func (c CandidateTrade) Validate() error {
	if c.Strategy == "" {
		return fmt.Errorf("strategy is required")
	}
	if c.Underlying == "" {
		return fmt.Errorf("underlying is required")
	}
	if len(c.Legs) == 0 {
		return fmt.Errorf("at least one leg is required")
	}
	if c.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	seen := make(map[string]bool, len(c.Legs))
	for _, l := range c.Legs {
		if err := l.Validate(); err != nil {
			return err
		}
		if seen[l.Symbol] {
			return fmt.Errorf("duplicate leg %s", l.Symbol)
		}
		seen[l.Symbol] = true
	}
	return nil
}

// ScaledLegs returns copies of the legs sized for units.
func (c CandidateTrade) ScaledLegs(units int) []Leg {
	out := make([]Leg, len(c.Legs))
	for i, l := range c.Legs {
		l.Quantity *= units
		l.FillPrice = decimal.NullDecimal{}
		l.OrderID = ""
		out[i] = l
	}
	return out
}

// LegNotional is the premium of one unit at the legs' limit prices,
// counting every leg regardless of side.
func (c CandidateTrade) LegNotional() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Legs {
		total = total.Add(l.LimitPrice.Abs().Mul(decimal.NewFromInt(int64(l.Quantity))).Mul(multiplier))
	}
	return total
}

// MaxLoss is the total max loss for the given number of units.
func (c CandidateTrade) MaxLoss(units int) decimal.Decimal {
	return c.MaxLossPerUnit.Mul(decimal.NewFromInt(int64(units)))
}

// Approval is the risk validator's verdict on a candidate.
type Approval struct {
	Approved          bool            `json:"approved"`
	RequestedQuantity int             `json:"requested_quantity"`
	Quantity          int             `json:"quantity"`
	MaxLoss           decimal.Decimal `json:"max_loss"`
	Reason            string          `json:"reason"`
	Checks            []string        `json:"checks,omitempty"`
}
