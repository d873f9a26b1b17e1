// Package storagetest holds fixtures and a behavioural suite shared by every
// storage.Store implementation.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 14, 31, 0, 0, time.UTC)

// Position builds an open two-leg short strangle that collected $2.50 per contract.
func Position(id string, openedAt time.Time) (*models.Position, *models.TradeRecord) {
	exp := time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)
	legs := []models.Leg{
		{
			Symbol: "SPY260417P00550000", Side: models.SideSell, OptionType: models.OptionPut,
			Strike: decimal.NewFromInt(550), Expiration: exp, Quantity: 1,
			LimitPrice: decimal.RequireFromString("1.20"),
			FillPrice:  decimal.NewNullDecimal(decimal.RequireFromString("1.20")), OrderID: "o-1",
		},
		{
			Symbol: "SPY260417C00610000", Side: models.SideSell, OptionType: models.OptionCall,
			Strike: decimal.NewFromInt(610), Expiration: exp, Quantity: 1,
			LimitPrice: decimal.RequireFromString("1.30"),
			FillPrice:  decimal.NewNullDecimal(decimal.RequireFromString("1.30")), OrderID: "o-2",
		},
	}
	pos := &models.Position{
		ID:              id,
		Strategy:        "strangle",
		Underlying:      "SPY",
		Legs:            legs,
		EntryCredit:     decimal.NewFromInt(250),
		MaxLoss:         decimal.NewFromInt(500),
		EntryCommission: decimal.RequireFromString("1.30"),
		EntryTradeID:    "t-" + id + "-entry",
		Status:          models.PositionOpen,
		OpenedAt:        openedAt,
	}
	entry := &models.TradeRecord{
		ID:         pos.EntryTradeID,
		PositionID: id,
		Kind:       models.TradeEntry,
		Strategy:   pos.Strategy,
		Underlying: pos.Underlying,
		Fills: []models.LegFill{
			{Symbol: legs[0].Symbol, Side: models.SideSell, Quantity: 1, ExpectedPrice: legs[0].LimitPrice, FillPrice: legs[0].LimitPrice, OrderID: "o-1"},
			{Symbol: legs[1].Symbol, Side: models.SideSell, Quantity: 1, ExpectedPrice: legs[1].LimitPrice, FillPrice: legs[1].LimitPrice, OrderID: "o-2"},
		},
		EntryPrice: decimal.RequireFromString("2.50"),
		Commission: pos.EntryCommission,
		Timestamp:  openedAt,
	}
	return pos, entry
}

// CloseRequest builds a close for pos realizing pnl.
func CloseRequest(pos *models.Position, pnl decimal.Decimal, at time.Time) storage.CloseRequest {
	fills := make([]models.LegFill, 0, len(pos.Legs))
	for i, l := range pos.Legs {
		fills = append(fills, models.LegFill{
			Symbol: l.Symbol, Side: l.Side.Opposite(), Quantity: l.Quantity,
			ExpectedPrice: decimal.RequireFromString("0.50"), FillPrice: decimal.RequireFromString("0.50"),
			OrderID: "x-" + pos.ID + "-" + string(rune('a'+i)),
		})
	}
	return storage.CloseRequest{
		PositionID:  pos.ID,
		Reason:      models.ExitProfitTarget,
		Detail:      "test close",
		RealizedPnL: pnl,
		ClosedAt:    at,
		Day:         models.TradingDay(at, time.UTC),
		Trade: &models.TradeRecord{
			ID:             "t-" + pos.ID + "-exit",
			PositionID:     pos.ID,
			OpeningTradeID: pos.EntryTradeID,
			Kind:           models.TradeExit,
			Strategy:       pos.Strategy,
			Underlying:     pos.Underlying,
			Fills:          fills,
			EntryPrice:     decimal.RequireFromString("2.50"),
			ExitPrice:      decimal.NewNullDecimal(decimal.RequireFromString("1.00")),
			Commission:     decimal.RequireFromString("1.30"),
			PnL:            decimal.NewNullDecimal(pnl),
			Reason:         string(models.ExitProfitTarget),
			Timestamp:      at,
		},
	}
}

// Run exercises a Store. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		pos, entry := Position("p1", base)
		require.NoError(t, s.CreatePosition(ctx, pos, entry))

		got, err := s.GetPosition(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "strangle", got.Strategy)
		assert.Equal(t, models.PositionOpen, got.Status)
		assert.True(t, got.EntryCredit.Equal(decimal.NewFromInt(250)))
		require.Len(t, got.Legs, 2)
		assert.True(t, got.Legs[1].FillPrice.Decimal.Equal(decimal.RequireFromString("1.30")))
		assert.True(t, got.OpenedAt.Equal(base))

		trades, err := s.ListTrades(ctx, storage.TradeFilter{PositionID: "p1"})
		require.NoError(t, err)
		require.Len(t, trades, 1)
		assert.Equal(t, models.TradeEntry, trades[0].Kind)
		assert.Len(t, trades[0].Fills, 2)
	})

	t.Run("missing position", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetPosition(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		err = s.UpdateMarks(ctx, "nope", storage.Mark{At: base})
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.ClosePosition(ctx, CloseRequest(&models.Position{ID: "nope"}, decimal.Zero, base))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		s := newStore(t)
		pos, entry := Position("p1", base)
		require.NoError(t, s.CreatePosition(ctx, pos, entry))
		assert.Error(t, s.CreatePosition(ctx, pos, entry))
	})

	t.Run("returned positions are copies", func(t *testing.T) {
		s := newStore(t)
		pos, entry := Position("p1", base)
		require.NoError(t, s.CreatePosition(ctx, pos, entry))
		pos.Legs[0].Quantity = 99

		got, err := s.GetPosition(ctx, "p1")
		require.NoError(t, err)
		got.Legs[0].Quantity = 42
		again, err := s.GetPosition(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 1, again.Legs[0].Quantity)
	})

	t.Run("list filters and ordering", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"b", "a", "c"} {
			pos, entry := Position(id, base.Add(time.Duration(i)*time.Minute))
			if id == "c" {
				pos.Strategy = "iron_condor"
				entry.Strategy = "iron_condor"
			}
			require.NoError(t, s.CreatePosition(ctx, pos, entry))
		}
		b, _ := s.GetPosition(ctx, "b")
		_, err := s.ClosePosition(ctx, CloseRequest(b, decimal.NewFromInt(10), base.Add(time.Hour)))
		require.NoError(t, err)

		all, err := s.ListPositions(ctx, storage.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"b", "a", "c"}, ids(all))

		open, err := s.ListPositions(ctx, storage.Filter{Status: models.PositionOpen})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids(open))

		condors, err := s.ListPositions(ctx, storage.Filter{Strategy: "iron_condor"})
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(condors))

		last, err := s.ListPositions(ctx, storage.Filter{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(last))
	})

	t.Run("update marks only while open", func(t *testing.T) {
		s := newStore(t)
		pos, entry := Position("p1", base)
		require.NoError(t, s.CreatePosition(ctx, pos, entry))

		at := base.Add(time.Minute)
		require.NoError(t, s.UpdateMarks(ctx, "p1", storage.Mark{
			CurrentPrice:  decimal.NewFromInt(100),
			UnrealizedPnL: decimal.NewFromInt(150),
			At:            at,
		}))
		got, err := s.GetPosition(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(100)))
		assert.True(t, got.UnrealizedPnL.Equal(decimal.NewFromInt(150)))
		require.NotNil(t, got.MarkedAt)
		assert.True(t, got.MarkedAt.Equal(at))

		_, err = s.ClosePosition(ctx, CloseRequest(got, decimal.NewFromInt(120), at))
		require.NoError(t, err)
		err = s.UpdateMarks(ctx, "p1", storage.Mark{At: at})
		assert.ErrorIs(t, err, storage.ErrPositionNotOpen)
	})

	t.Run("close is conditional and updates risk state once", func(t *testing.T) {
		s := newStore(t)
		pos, entry := Position("p1", base)
		require.NoError(t, s.CreatePosition(ctx, pos, entry))
		_, err := s.EnsureRiskDay(ctx, models.TradingDay(base, time.UTC), decimal.NewFromInt(100000))
		require.NoError(t, err)

		req := CloseRequest(pos, decimal.NewFromInt(-80), base.Add(time.Hour))
		req.Reason = models.ExitStopLoss
		closed, err := s.ClosePosition(ctx, req)
		require.NoError(t, err)
		assert.True(t, closed)

		again, err := s.ClosePosition(ctx, req)
		require.NoError(t, err)
		assert.False(t, again)

		got, err := s.GetPosition(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, models.PositionClosed, got.Status)
		assert.Equal(t, models.ExitStopLoss, got.ExitReason)
		require.True(t, got.RealizedPnL.Valid)
		assert.True(t, got.RealizedPnL.Decimal.Equal(decimal.NewFromInt(-80)))
		require.NotNil(t, got.ClosedAt)
		assert.True(t, got.Legs[0].ExitFillPrice.Valid)

		rs, err := s.GetRiskState(ctx)
		require.NoError(t, err)
		assert.True(t, rs.DailyRealizedPnL.Equal(decimal.NewFromInt(-80)))
		assert.Equal(t, 1, rs.ConsecutiveLosses)
		assert.Equal(t, 1, rs.TotalTrades)
		assert.True(t, rs.StartingEquity.Equal(decimal.NewFromInt(100000)))

		exits, err := s.ListTrades(ctx, storage.TradeFilter{Kind: models.TradeExit})
		require.NoError(t, err)
		require.Len(t, exits, 1)
		assert.Equal(t, pos.EntryTradeID, exits[0].OpeningTradeID)
	})

	t.Run("concurrent closes apply once", func(t *testing.T) {
		s := newStore(t)
		pos, entry := Position("p1", base)
		require.NoError(t, s.CreatePosition(ctx, pos, entry))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ClosePosition(ctx, CloseRequest(pos, decimal.NewFromInt(50), base.Add(time.Hour)))
				if err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		rs, err := s.GetRiskState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rs.TotalTrades)
	})

	t.Run("risk day roll resets daily pnl", func(t *testing.T) {
		s := newStore(t)
		day1 := models.TradingDay(base, time.UTC)
		rs, err := s.EnsureRiskDay(ctx, day1, decimal.NewFromInt(50000))
		require.NoError(t, err)
		assert.Equal(t, day1, rs.Day)

		pos, entry := Position("p1", base)
		require.NoError(t, s.CreatePosition(ctx, pos, entry))
		_, err = s.ClosePosition(ctx, CloseRequest(pos, decimal.NewFromInt(-25), base.Add(time.Hour)))
		require.NoError(t, err)

		// same day keeps the original starting equity
		rs, err = s.EnsureRiskDay(ctx, day1, decimal.NewFromInt(99999))
		require.NoError(t, err)
		assert.True(t, rs.StartingEquity.Equal(decimal.NewFromInt(50000)))
		assert.True(t, rs.DailyRealizedPnL.Equal(decimal.NewFromInt(-25)))

		day2 := models.TradingDay(base.Add(24*time.Hour), time.UTC)
		rs, err = s.EnsureRiskDay(ctx, day2, decimal.NewFromInt(49975))
		require.NoError(t, err)
		assert.Equal(t, day2, rs.Day)
		assert.True(t, rs.DailyRealizedPnL.IsZero())
		assert.True(t, rs.StartingEquity.Equal(decimal.NewFromInt(49975)))
		assert.Equal(t, 1, rs.ConsecutiveLosses)
	})

	t.Run("close on a new day lets the day roll set starting equity", func(t *testing.T) {
		s := newStore(t)
		day1 := models.TradingDay(base, time.UTC)
		_, err := s.EnsureRiskDay(ctx, day1, decimal.NewFromInt(50000))
		require.NoError(t, err)

		next := base.Add(24 * time.Hour)
		pos, entry := Position("p1", base)
		require.NoError(t, s.CreatePosition(ctx, pos, entry))
		_, err = s.ClosePosition(ctx, CloseRequest(pos, decimal.NewFromInt(-25), next))
		require.NoError(t, err)

		rs, err := s.EnsureRiskDay(ctx, models.TradingDay(next, time.UTC), decimal.NewFromInt(49975))
		require.NoError(t, err)
		assert.True(t, rs.StartingEquity.Equal(decimal.NewFromInt(49975)))
		assert.True(t, rs.DailyRealizedPnL.Equal(decimal.NewFromInt(-25)))
	})
}

func ids(ps []models.Position) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
