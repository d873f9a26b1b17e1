package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts monitor passes.
	TicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trade_oracle_monitor_ticks_total",
			Help: "Monitor passes over the open positions",
		},
	)

	// TickDuration observes how long one pass takes.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trade_oracle_monitor_tick_duration_seconds",
			Help:    "Duration of one monitor pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SkippedTotal counts positions left for the next tick, by reason.
	SkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_oracle_monitor_skipped_total",
			Help: "Positions skipped in a monitor pass, by reason",
		},
		[]string{"reason"},
	)

	// ExitSignalsTotal counts exit decisions by rule and strategy.
	ExitSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_oracle_monitor_exit_signals_total",
			Help: "Exit rules that fired, by reason and strategy",
		},
		[]string{"reason", "strategy"},
	)
)
