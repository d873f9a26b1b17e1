package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ContractMultiplier is the number of shares controlled by one equity option contract.
const ContractMultiplier = 100

var multiplier = decimal.NewFromInt(ContractMultiplier)

// Side is the direction of an order or leg.
type Side string

const (
	// SideBuy buys the contract (pays premium)
	SideBuy Side = "buy"
	// SideSell sells the contract (receives premium)
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that flattens s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OptionType is call or put.
type OptionType string

const (
	// OptionCall is a call option
	OptionCall OptionType = "call"
	// OptionPut is a put option
	OptionPut OptionType = "put"
)

// Valid reports whether t is call or put.
func (t OptionType) Valid() bool {
	return t == OptionCall || t == OptionPut
}

// Leg is one option contract line inside a position.
type Leg struct {
	Symbol        string              `json:"symbol"`
	Side          Side                `json:"side"`
	OptionType    OptionType          `json:"option_type"`
	Strike        decimal.Decimal     `json:"strike"`
	Expiration    time.Time           `json:"expiration"`
	Quantity      int                 `json:"quantity"`
	LimitPrice    decimal.Decimal     `json:"limit_price"`
	FillPrice     decimal.NullDecimal `json:"fill_price"`
	OrderID       string              `json:"order_id,omitempty"`
	ExitFillPrice decimal.NullDecimal `json:"exit_fill_price"`
	ExitOrderID   string              `json:"exit_order_id,omitempty"`
}

// Validate checks the fields every submitted leg must carry.
func (l Leg) Validate() error {
	if l.Symbol == "" {
		return fmt.Errorf("leg symbol is required")
	}
	if !l.Side.Valid() {
		return fmt.Errorf("leg %s: invalid side %q", l.Symbol, l.Side)
	}
	if !l.OptionType.Valid() {
		return fmt.Errorf("leg %s: invalid option type %q", l.Symbol, l.OptionType)
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("leg %s: quantity must be positive", l.Symbol)
	}
	if !l.Strike.IsPositive() {
		return fmt.Errorf("leg %s: strike must be positive", l.Symbol)
	}
	if l.LimitPrice.IsNegative() {
		return fmt.Errorf("leg %s: limit price must not be negative", l.Symbol)
	}
	return nil
}

// CashFlow returns the dollar cash flow of trading this leg's side at price:
// positive for sells (proceeds), negative for buys (cost).
func (l Leg) CashFlow(price decimal.Decimal) decimal.Decimal {
	v := price.Mul(decimal.NewFromInt(int64(l.Quantity))).Mul(multiplier)
	if l.Side == SideBuy {
		return v.Neg()
	}
	return v
}

// IsShort reports whether the leg was sold to open.
func (l Leg) IsShort() bool {
	return l.Side == SideSell
}

// DaysToExpiration counts calendar days from now until the leg expires.
func (l Leg) DaysToExpiration(now time.Time) int {
	return DaysBetween(now, l.Expiration)
}

// DaysBetween returns whole calendar days between two dates, compared in UTC.
func DaysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}
