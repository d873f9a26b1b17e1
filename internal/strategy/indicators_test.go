package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEMA(t *testing.T) {
	got, ok := EMA([]float64{1, 2, 3, 4, 5}, 3)
	require.True(t, ok)
	// Seed 2, then 3 and 4 with k = 0.5.
	assert.InDelta(t, 4.0, got, 1e-9)

	_, ok = EMA([]float64{1, 2}, 3)
	assert.False(t, ok)
	_, ok = EMA([]float64{1, 2}, 0)
	assert.False(t, ok)
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{name: "mixed", values: []float64{1, 2, 1, 2, 3}, want: 75},
		{name: "only gains", values: []float64{1, 2, 3, 4, 5}, want: 100},
		{name: "only losses", values: []float64{5, 4, 3, 2, 1}, want: 0},
		{name: "flat", values: []float64{2, 2, 2, 2, 2}, want: 50},
		{name: "uses last changes only", values: []float64{10, 1, 2, 1, 2, 3}, want: 75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RSI(tt.values, 4)
			require.True(t, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, ok := RSI([]float64{1, 2, 3, 4}, 4)
	assert.False(t, ok)
}

func TestVWAP(t *testing.T) {
	bars := []Bar{
		{High: 11, Low: 9, Close: 10, Volume: 100},
		{High: 21, Low: 19, Close: 20, Volume: 300},
	}
	got, ok := VWAP(bars)
	require.True(t, ok)
	assert.InDelta(t, 17.5, got, 1e-9)

	_, ok = VWAP([]Bar{{High: 1, Low: 1, Close: 1}})
	assert.False(t, ok)
}

func TestRelativeVolume(t *testing.T) {
	got, ok := RelativeVolume([]Bar{{Volume: 100}, {Volume: 300}, {Volume: 400}})
	require.True(t, ok)
	assert.InDelta(t, 2.0, got, 1e-9)

	_, ok = RelativeVolume([]Bar{{Volume: 100}})
	assert.False(t, ok)
	_, ok = RelativeVolume([]Bar{{Volume: 0}, {Volume: 100}})
	assert.False(t, ok)
}

func TestCrossover(t *testing.T) {
	flat := func(last float64) []float64 {
		closes := make([]float64, 6)
		for i := range closes {
			closes[i] = 10
		}
		closes[5] = last
		return closes
	}
	assert.Equal(t, Bullish, Crossover(flat(11), 2, 4))
	assert.Equal(t, Bearish, Crossover(flat(9), 2, 4))
	assert.Equal(t, 0, Crossover(flat(10), 2, 4))
	assert.Equal(t, 0, Crossover([]float64{1, 2, 3}, 2, 4))

	// Already above; no fresh cross.
	assert.Equal(t, 0, Crossover([]float64{10, 10, 10, 10, 11, 12, 13}, 2, 4))
}

func TestIVRank(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		history []float64
		want    float64
		ok      bool
	}{
		{name: "middle", current: 0.20, history: []float64{0.10, 0.30, 0.15}, want: 0.5, ok: true},
		{name: "clamped high", current: 0.50, history: []float64{0.10, 0.30}, want: 1, ok: true},
		{name: "clamped low", current: 0.05, history: []float64{0.10, 0.30}, want: 0, ok: true},
		{name: "too short", current: 0.20, history: []float64{0.10}},
		{name: "no range", current: 0.20, history: []float64{0.10, 0.10}},
		{name: "no current", current: 0, history: []float64{0.10, 0.30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := IVRank(tt.current, tt.history)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}
