package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sym = "SPY250117C00460000"

func newFrozen() *PaperBroker {
	p := NewPaperBroker(decimal.NewFromInt(100000)).Freeze()
	p.SetUnderlying("SPY", 455)
	p.SetVolatility(0.2)
	p.SetClock(func() time.Time { return time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC) })
	return p
}

func limit(symbol string) broker.OrderRequest {
	return broker.OrderRequest{Symbol: symbol, Side: models.SideBuy, Intent: models.IntentOpen, Quantity: 2, LimitPrice: decimal.RequireFromString("1.50")}
}

func TestPaperBroker_FillsAtLimit(t *testing.T) {
	p := newFrozen()
	ctx := context.Background()

	id, err := p.SubmitLimitOrder(ctx, limit(sym))
	require.NoError(t, err)

	st, err := p.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, st.Status)
	assert.Equal(t, 2, st.FilledQuantity)
	assert.True(t, decimal.RequireFromString("1.50").Equal(st.AvgFillPrice))
	assert.Len(t, p.Submitted(), 1)
}

func TestPaperBroker_PendingThenCancel(t *testing.T) {
	p := newFrozen()
	p.SetBehavior(sym, Behavior{PendingPolls: 100})
	ctx := context.Background()

	id, err := p.SubmitLimitOrder(ctx, limit(sym))
	require.NoError(t, err)

	st, _ := p.GetOrderStatus(ctx, id)
	assert.Equal(t, models.OrderPending, st.Status)

	require.NoError(t, p.CancelOrder(ctx, id))
	st, _ = p.GetOrderStatus(ctx, id)
	assert.Equal(t, models.OrderCanceled, st.Status)
	assert.Equal(t, []string{id}, p.Canceled())
}

func TestPaperBroker_ObservedFillSurvivesCancel(t *testing.T) {
	p := newFrozen()
	ctx := context.Background()

	id, _ := p.SubmitLimitOrder(ctx, limit(sym))
	st, _ := p.GetOrderStatus(ctx, id)
	require.Equal(t, models.OrderFilled, st.Status)

	require.NoError(t, p.CancelOrder(ctx, id))
	st, _ = p.GetOrderStatus(ctx, id)
	assert.Equal(t, models.OrderFilled, st.Status)
}

func TestPaperBroker_ScriptedOutcomes(t *testing.T) {
	p := newFrozen()
	ctx := context.Background()

	p.SetBehavior(sym, Behavior{SubmitErr: errors.New("exchange closed")})
	_, err := p.SubmitLimitOrder(ctx, limit(sym))
	assert.EqualError(t, err, "exchange closed")

	p.SetBehavior(sym, Behavior{Status: models.OrderRejected})
	id, err := p.SubmitLimitOrder(ctx, limit(sym))
	require.NoError(t, err)
	st, _ := p.GetOrderStatus(ctx, id)
	assert.Equal(t, models.OrderRejected, st.Status)

	// Market orders ignore scripted limit outcomes.
	mid, err := p.SubmitMarketOrder(ctx, limit(sym))
	require.NoError(t, err)
	st, _ = p.GetOrderStatus(ctx, mid)
	assert.Equal(t, models.OrderFilled, st.Status)
	assert.True(t, st.AvgFillPrice.IsPositive())
}

func TestPaperBroker_PartialFillCanceled(t *testing.T) {
	p := newFrozen()
	p.SetBehavior(sym, Behavior{Status: models.OrderPartiallyFilled, FilledQuantity: 1})
	ctx := context.Background()

	id, _ := p.SubmitLimitOrder(ctx, limit(sym))
	st, _ := p.GetOrderStatus(ctx, id)
	assert.Equal(t, models.OrderPartiallyFilled, st.Status)

	require.NoError(t, p.CancelOrder(ctx, id))
	st, _ = p.GetOrderStatus(ctx, id)
	assert.Equal(t, models.OrderCanceled, st.Status)
	assert.Equal(t, 1, st.FilledQuantity)
}

func TestPaperBroker_Quotes(t *testing.T) {
	p := newFrozen()
	ctx := context.Background()

	q, err := p.GetLatestQuote(ctx, sym)
	require.NoError(t, err)
	assert.True(t, q.Valid())

	p.SetQuote(sym, decimal.RequireFromString("0.40"), decimal.RequireFromString("0.50"))
	q, err = p.GetLatestQuote(ctx, sym)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.45").Equal(q.Mid()))

	spot, err := p.GetLatestQuote(ctx, "SPY")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(455).Equal(spot.Last), "frozen broker does not walk")

	_, err = p.GetLatestQuote(ctx, "QQQ")
	assert.Error(t, err)
}

func TestPaperBroker_OptionChain(t *testing.T) {
	p := newFrozen()
	chain, err := p.GetOptionChain(context.Background(), "SPY", time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, chain, 122)

	put, ok := broker.FindByStrike(chain, decimal.NewFromInt(440), models.OptionPut)
	require.True(t, ok)
	require.NotNil(t, put.Greeks)
	assert.Less(t, put.Greeks.Delta, 0.0)
	assert.True(t, put.Ask.GreaterThan(put.Bid))
}
