package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts approvals and rejections by the rule that decided them.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_oracle_risk_decisions_total",
			Help: "Risk validator decisions by outcome and deciding rule",
		},
		[]string{"outcome", "rule"},
	)

	// QuantityReductionsTotal counts approvals that were sized down.
	QuantityReductionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_oracle_risk_quantity_reductions_total",
			Help: "Approvals whose quantity was reduced, by binding rule",
		},
		[]string{"rule"},
	)
)
