package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a set of filled legs opened together by one strategy.
type Position struct {
	ID              string              `json:"id"`
	Strategy        string              `json:"strategy"`
	Underlying      string              `json:"underlying"`
	Legs            []Leg               `json:"legs"`
	EntryCredit     decimal.Decimal     `json:"entry_credit"` // signed dollars: >0 credit, <0 debit
	MaxLoss         decimal.Decimal     `json:"max_loss"`
	EntryCommission decimal.Decimal     `json:"entry_commission"`
	EntryTradeID    string              `json:"entry_trade_id"`
	Status          PositionStatus      `json:"status"`
	OpenedAt        time.Time           `json:"opened_at"`
	ClosedAt        *time.Time          `json:"closed_at,omitempty"`
	ExitReason      ExitReason          `json:"exit_reason,omitempty"`
	ExitDetail      string              `json:"exit_detail,omitempty"`
	RealizedPnL     decimal.NullDecimal `json:"realized_pnl"`
	CurrentPrice    decimal.Decimal     `json:"current_price"` // cost to close, signed dollars
	UnrealizedPnL   decimal.Decimal     `json:"unrealized_pnl"`
	MarkedAt        *time.Time          `json:"marked_at,omitempty"`
}

// IsOpen reports whether the monitor should still manage the position.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// IsCredit reports whether the position was opened for a net credit.
func (p *Position) IsCredit() bool {
	return p.EntryCredit.IsPositive()
}

// EntryCost is the absolute dollar size of the opening cash flow.
func (p *Position) EntryCost() decimal.Decimal {
	return p.EntryCredit.Abs()
}

// MaxProfit is the reference amount profit targets are measured against:
// the collected credit for credit positions, the premium paid for debit positions.
func (p *Position) MaxProfit() decimal.Decimal {
	return p.EntryCredit.Abs()
}

// ShortLegs returns the legs sold to open.
func (p *Position) ShortLegs() []Leg {
	var out []Leg
	for _, l := range p.Legs {
		if l.IsShort() {
			out = append(out, l)
		}
	}
	return out
}

// Contracts is the total number of contracts across all legs.
func (p *Position) Contracts() int {
	n := 0
	for _, l := range p.Legs {
		n += l.Quantity
	}
	return n
}

// NearestExpiration returns the earliest leg expiration.
func (p *Position) NearestExpiration() time.Time {
	var exp time.Time
	for i, l := range p.Legs {
		if i == 0 || l.Expiration.Before(exp) {
			exp = l.Expiration
		}
	}
	return exp
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.Legs = append([]Leg(nil), p.Legs...)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	if p.MarkedAt != nil {
		t := *p.MarkedAt
		c.MarkedAt = &t
	}
	return &c
}
