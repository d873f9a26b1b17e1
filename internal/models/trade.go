package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeKind marks whether a trade record opened or closed a position.
type TradeKind string

const (
	TradeEntry TradeKind = "entry"
	TradeExit  TradeKind = "exit"
)

// LegFill is the expected and actual execution of one leg order.
type LegFill struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      int             `json:"quantity"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	OrderID       string          `json:"order_id"`
}

// Slippage is the relative difference between actual and expected price.
// Zero when no expected price was set.
func (f LegFill) Slippage() decimal.Decimal {
	if f.ExpectedPrice.IsZero() {
		return decimal.Zero
	}
	return f.FillPrice.Sub(f.ExpectedPrice).Div(f.ExpectedPrice)
}

// AdverseCost is the dollar amount lost to slippage on this fill. Negative values
// mean the fill improved on the limit.
func (f LegFill) AdverseCost() decimal.Decimal {
	diff := f.FillPrice.Sub(f.ExpectedPrice)
	if f.Side == SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(int64(f.Quantity))).Mul(multiplier)
}

// TradeRecord is the append-only audit row written for every entry and exit fill.
type TradeRecord struct {
	ID             string              `json:"id"`
	PositionID     string              `json:"position_id"`
	OpeningTradeID string              `json:"opening_trade_id,omitempty"`
	Kind           TradeKind           `json:"kind"`
	Strategy       string              `json:"strategy"`
	Underlying     string              `json:"underlying"`
	Fills          []LegFill           `json:"fills"`
	EntryPrice     decimal.Decimal     `json:"entry_price"`
	ExitPrice      decimal.NullDecimal `json:"exit_price"`
	Commission     decimal.Decimal     `json:"commission"`
	Slippage       decimal.Decimal     `json:"slippage"`
	PnL            decimal.NullDecimal `json:"pnl"`
	Reason         string              `json:"reason,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}
