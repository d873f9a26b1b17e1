package execution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts open and close attempts by kind and outcome.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_oracle_executions_total",
			Help: "Executions by kind (single, multi_leg, unwind) and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// RollbacksTotal counts compensating rollbacks by path.
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_oracle_rollbacks_total",
			Help: "Rollbacks performed, by path (open, unwind)",
		},
		[]string{"path"},
	)

	// CriticalFailuresTotal counts failures that need a human.
	CriticalFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trade_oracle_critical_failures_total",
			Help: "Flatten or persistence failures that could not be recovered automatically",
		},
	)

	// ExecutionDuration observes submit-to-result latency.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trade_oracle_execution_duration_seconds",
			Help:    "Time from first submission to final result",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		},
		[]string{"kind"},
	)

	// ExitsTotal counts closed positions by exit reason.
	ExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_oracle_exits_total",
			Help: "Positions closed, by exit reason",
		},
		[]string{"reason", "strategy"},
	)

	// RealizedPnL tracks cumulative realized P&L in dollars since process start.
	RealizedPnL = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trade_oracle_realized_pnl_dollars",
			Help: "Cumulative realized P&L of positions closed by this process",
		},
	)
)
