// Package models provides the data structures shared by signal generation, risk,
// execution, storage and monitoring.
package models

import (
	"fmt"
	"strings"
)

// OrderStatus is the broker-reported state of a single leg order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderRejected        OrderStatus = "rejected"
	OrderCanceled        OrderStatus = "canceled"
	OrderExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further fills can occur.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCanceled, OrderExpired:
		return true
	default:
		return false
	}
}

// ParseOrderStatus maps broker status strings onto OrderStatus.
// Unknown strings are treated as pending so polling continues.
func ParseOrderStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "filled", "fill":
		return OrderFilled
	case "partially_filled", "partial", "partially filled":
		return OrderPartiallyFilled
	case "rejected", "error":
		return OrderRejected
	case "canceled", "cancelled", "pending_cancel", "done_for_day":
		return OrderCanceled
	case "expired":
		return OrderExpired
	default:
		return OrderPending
	}
}

// OrderTransition defines a permitted status change.
type OrderTransition struct {
	From        OrderStatus
	To          OrderStatus
	Description string
}

// ValidOrderTransitions lists every status change an order may make.
var ValidOrderTransitions = []OrderTransition{
	{OrderPending, OrderPartiallyFilled, "Some contracts executed"},
	{OrderPending, OrderFilled, "Order filled completely"},
	{OrderPending, OrderRejected, "Broker rejected order"},
	{OrderPending, OrderCanceled, "Order canceled"},
	{OrderPending, OrderExpired, "Order expired unfilled"},
	{OrderPartiallyFilled, OrderFilled, "Remaining contracts executed"},
	{OrderPartiallyFilled, OrderCanceled, "Remainder canceled"},
	{OrderPartiallyFilled, OrderExpired, "Remainder expired"},
}

// IsValidOrderTransition reports whether from -> to is allowed. Staying in the same
// status is always allowed.
func IsValidOrderTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	for _, t := range ValidOrderTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// PositionStatus is open or closed.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// ExitReason names the rule (or operator action) that closed a position.
type ExitReason string

const (
	ExitForcedClose  ExitReason = "forced_close"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitBreach       ExitReason = "breach"
	ExitProfitTarget ExitReason = "profit_target"
	ExitManual       ExitReason = "manual"
)

// Valid reports whether r is one of the known exit reasons.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitForcedClose, ExitStopLoss, ExitBreach, ExitProfitTarget, ExitManual:
		return true
	default:
		return false
	}
}

// Transition moves the order to a new status, refusing transitions the table does not allow.
func (o *Order) Transition(to OrderStatus) error {
	if !IsValidOrderTransition(o.Status, to) {
		return fmt.Errorf("invalid order transition from %s to %s", o.Status, to)
	}
	o.Status = to
	return nil
}
