package util

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        string
		tick     string
		expected string
	}{
		{name: "basic rounding down", x: "1.2345", tick: "0.01", expected: "1.23"},
		{name: "tie rounds away from zero", x: "1.235", tick: "0.01", expected: "1.24"},
		{name: "negative tie rounds away from zero", x: "-1.235", tick: "0.01", expected: "-1.24"},
		{name: "negative basic rounding", x: "-1.2345", tick: "0.01", expected: "-1.23"},
		{name: "larger tick size", x: "1.07", tick: "0.05", expected: "1.05"},
		{name: "nickel tie", x: "1.075", tick: "0.05", expected: "1.1"},
		{name: "zero tick returns input", x: "1.2345", tick: "0", expected: "1.2345"},
		{name: "negative tick returns input", x: "1.2345", tick: "-0.01", expected: "1.2345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToTick(decimal.RequireFromString(tt.x), decimal.RequireFromString(tt.tick))
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("RoundToTick(%s, %s) = %s, want %s", tt.x, tt.tick, got, tt.expected)
			}
		})
	}
}

func TestFloorCeilToTick(t *testing.T) {
	tick := decimal.RequireFromString("0.05")
	x := decimal.RequireFromString("1.07")

	if got := FloorToTick(x, tick); !got.Equal(decimal.RequireFromString("1.05")) {
		t.Errorf("FloorToTick = %s, want 1.05", got)
	}
	if got := CeilToTick(x, tick); !got.Equal(decimal.RequireFromString("1.10")) {
		t.Errorf("CeilToTick = %s, want 1.10", got)
	}
}

func TestMid(t *testing.T) {
	got := Mid(decimal.RequireFromString("1.00"), decimal.RequireFromString("1.05"))
	if !got.Equal(decimal.RequireFromString("1.025")) {
		t.Errorf("Mid = %s, want 1.025", got)
	}
}
