package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder_Transition(t *testing.T) {
	o := &Order{ID: "1", Status: OrderPending}

	require.NoError(t, o.Transition(OrderPartiallyFilled))
	require.NoError(t, o.Transition(OrderFilled))
	assert.Equal(t, OrderFilled, o.Status)

	err := o.Transition(OrderPending)
	assert.Error(t, err)
	assert.Equal(t, OrderFilled, o.Status, "status should be unchanged after a refused transition")
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderPending, false},
		{OrderPartiallyFilled, false},
		{OrderFilled, true},
		{OrderRejected, true},
		{OrderCanceled, true},
		{OrderExpired, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsTerminal())
		})
	}
}

func TestParseOrderStatus(t *testing.T) {
	tests := map[string]OrderStatus{
		"filled":           OrderFilled,
		"FILLED":           OrderFilled,
		"partially_filled": OrderPartiallyFilled,
		"cancelled":        OrderCanceled,
		"canceled":         OrderCanceled,
		"rejected":         OrderRejected,
		"expired":          OrderExpired,
		"open":             OrderPending,
		"new":              OrderPending,
		"":                 OrderPending,
	}
	for raw, want := range tests {
		assert.Equal(t, want, ParseOrderStatus(raw), raw)
	}
}

func TestExitReason_Valid(t *testing.T) {
	assert.True(t, ExitProfitTarget.Valid())
	assert.True(t, ExitManual.Valid())
	assert.False(t, ExitReason("bored").Valid())
}
