package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes limit orders (normal path) from market orders (flattening).
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderIntent says whether an order opens or closes exposure.
type OrderIntent string

const (
	IntentOpen  OrderIntent = "open"
	IntentClose OrderIntent = "close"
)

// Order tracks one broker order for one leg while an execution is in flight.
// Orders are transient and are not persisted on their own.
type Order struct {
	ID          string          `json:"id"`
	LegIndex    int             `json:"leg_index"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Intent      OrderIntent     `json:"intent"`
	Quantity    int             `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Status      OrderStatus     `json:"status"`
	FilledQty   int             `json:"filled_qty"`
	FillPrice   decimal.Decimal `json:"fill_price"`
	Error       string          `json:"error,omitempty"`
}
