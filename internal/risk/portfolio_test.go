package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedEquity struct {
	equity decimal.Decimal
	err    error
}

func (f fixedEquity) GetAccountEquity(context.Context) (decimal.Decimal, error) {
	return f.equity, f.err
}

func TestLoadPortfolio(t *testing.T) {
	store := storage.NewMockStorage()
	ctx := context.Background()

	snap, rs, err := LoadPortfolio(ctx, fixedEquity{equity: d("50000")}, store, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", rs.Day)
	assert.True(t, snap.Equity.Equal(d("50000")))
	assert.True(t, snap.StartingEquity.Equal(d("50000")))

	// Same day keeps the starting equity from the first read.
	snap, _, err = LoadPortfolio(ctx, fixedEquity{equity: d("49000")}, store, "2026-03-02")
	require.NoError(t, err)
	assert.True(t, snap.Equity.Equal(d("49000")))
	assert.True(t, snap.StartingEquity.Equal(d("50000")))
}

func TestLoadPortfolio_FailsClosed(t *testing.T) {
	store := storage.NewMockStorage()
	ctx := context.Background()

	_, _, err := LoadPortfolio(ctx, fixedEquity{err: errors.New("broker down")}, store, "2026-03-02")
	assert.ErrorContains(t, err, "broker down")

	_, _, err = LoadPortfolio(ctx, fixedEquity{equity: decimal.Zero}, store, "2026-03-02")
	assert.ErrorContains(t, err, "not positive")
}
