// Package risk gates candidate trades against portfolio circuit breakers and
// sizes them. The validator is pure: it reads a snapshot and never mutates state.
package risk

import (
	"fmt"
	"strings"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Rule names used in approval checks and metrics.
const (
	RuleValidation        = "validation"
	RulePerTradeRisk      = "per_trade_risk"
	RulePositionSize      = "position_size"
	RuleDailyLoss         = "daily_loss_limit"
	RuleConsecutiveLosses = "consecutive_losses"
)

// Hardcoded ceilings. Configuration may tighten these but never loosen them.
var (
	CeilingRiskPerTrade      = decimal.RequireFromString("0.02")
	CeilingPositionSize      = decimal.RequireFromString("0.05")
	CeilingDailyLoss         = decimal.RequireFromString("0.03")
	CeilingConsecutiveLosses = 3
	hundred                  = decimal.NewFromInt(100)
)

// Limits are fractions of equity (0.02 = 2%).
type Limits struct {
	MaxRiskPerTrade      decimal.Decimal `json:"max_risk_per_trade"`
	MaxPositionSize      decimal.Decimal `json:"max_position_size"`
	DailyLossLimit       decimal.Decimal `json:"daily_loss_limit"`
	MaxConsecutiveLosses int             `json:"max_consecutive_losses"`
}

// DefaultLimits are the ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxRiskPerTrade:      CeilingRiskPerTrade,
		MaxPositionSize:      CeilingPositionSize,
		DailyLossLimit:       CeilingDailyLoss,
		MaxConsecutiveLosses: CeilingConsecutiveLosses,
	}
}

// Clamp replaces unset values with the ceiling and caps anything looser.
// It returns the names of fields that were capped.
func (l Limits) Clamp() (Limits, []string) {
	var capped []string
	clamp := func(name string, v, ceiling decimal.Decimal) decimal.Decimal {
		if !v.IsPositive() {
			return ceiling
		}
		if v.GreaterThan(ceiling) {
			capped = append(capped, name)
			return ceiling
		}
		return v
	}
	out := Limits{
		MaxRiskPerTrade: clamp("max_risk_per_trade", l.MaxRiskPerTrade, CeilingRiskPerTrade),
		MaxPositionSize: clamp("max_position_size", l.MaxPositionSize, CeilingPositionSize),
		DailyLossLimit:  clamp("daily_loss_limit", l.DailyLossLimit, CeilingDailyLoss),
	}
	switch {
	case l.MaxConsecutiveLosses <= 0:
		out.MaxConsecutiveLosses = CeilingConsecutiveLosses
	case l.MaxConsecutiveLosses > CeilingConsecutiveLosses:
		capped = append(capped, "max_consecutive_losses")
		out.MaxConsecutiveLosses = CeilingConsecutiveLosses
	default:
		out.MaxConsecutiveLosses = l.MaxConsecutiveLosses
	}
	return out, capped
}

// Validator approves or rejects candidate trades.
type Validator struct {
	limits Limits
	logger logrus.FieldLogger
}

// NewValidator clamps limits to the ceilings.
func NewValidator(limits Limits, logger logrus.FieldLogger) *Validator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "risk")
	clamped, capped := limits.Clamp()
	if len(capped) > 0 {
		logger.WithField("capped", strings.Join(capped, ",")).Warn("Risk limits above hardcoded ceilings were capped")
	}
	return &Validator{limits: clamped, logger: logger}
}

// Limits returns the effective limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Approve evaluates every rule on its own and applies the most restrictive result.
func (v *Validator) Approve(trade models.CandidateTrade, p models.PortfolioSnapshot) models.Approval {
	a := models.Approval{RequestedQuantity: trade.Quantity}
	log := v.logger.WithFields(logrus.Fields{"strategy": trade.Strategy, "underlying": trade.Underlying})

	reject := func(rule, reason string) models.Approval {
		a.Approved = false
		a.Quantity = 0
		a.MaxLoss = decimal.Zero
		a.Reason = reason
		DecisionsTotal.WithLabelValues("rejected", rule).Inc()
		log.WithFields(logrus.Fields{"rule": rule, "reason": reason}).Info("Trade rejected")
		return a
	}

	if err := trade.Validate(); err != nil {
		return reject(RuleValidation, "invalid trade: "+err.Error())
	}
	if !trade.MaxLossPerUnit.IsPositive() {
		return reject(RuleValidation, "invalid trade: max loss per unit must be positive")
	}
	if !p.Equity.IsPositive() {
		return reject(RuleValidation, "invalid portfolio: equity must be positive")
	}

	// Candidates that omit their notional are sized from the leg limits.
	notional := trade.NotionalPerUnit
	if !notional.IsPositive() {
		notional = trade.LegNotional()
	}
	if !notional.IsPositive() {
		return reject(RuleValidation, "invalid trade: notional per unit cannot be determined from the legs")
	}

	starting := p.StartingEquity
	if !starting.IsPositive() {
		starting = p.Equity
	}

	// Circuit breakers first so their reason wins over sizing.
	var blocked []string
	var blockedRule string
	lossFloor := v.limits.DailyLossLimit.Mul(starting).Neg()
	if p.DailyRealizedPnL.LessThanOrEqual(lossFloor) {
		msg := fmt.Sprintf("daily loss limit: realized %s <= -%s%% of starting equity %s",
			p.DailyRealizedPnL.StringFixed(2), pct(v.limits.DailyLossLimit), starting.StringFixed(2))
		blocked = append(blocked, msg)
		blockedRule = RuleDailyLoss
		a.Checks = append(a.Checks, RuleDailyLoss+": fail")
	} else {
		a.Checks = append(a.Checks, RuleDailyLoss+": pass")
	}
	if p.ConsecutiveLosses >= v.limits.MaxConsecutiveLosses {
		msg := fmt.Sprintf("consecutive loss limit: %d >= %d", p.ConsecutiveLosses, v.limits.MaxConsecutiveLosses)
		blocked = append(blocked, msg)
		if blockedRule == "" {
			blockedRule = RuleConsecutiveLosses
		}
		a.Checks = append(a.Checks, RuleConsecutiveLosses+": fail")
	} else {
		a.Checks = append(a.Checks, RuleConsecutiveLosses+": pass")
	}

	qty := trade.Quantity
	binding := ""
	riskBudget := v.limits.MaxRiskPerTrade.Mul(p.Equity)
	riskCap := int(riskBudget.Div(trade.MaxLossPerUnit).Floor().IntPart())
	if riskCap < qty {
		qty, binding = riskCap, RulePerTradeRisk
	}
	a.Checks = append(a.Checks, fmt.Sprintf("%s: max %d units (budget %s)", RulePerTradeRisk, riskCap, riskBudget.StringFixed(2)))

	sizeBudget := v.limits.MaxPositionSize.Mul(p.Equity)
	sizeCap := int(sizeBudget.Div(notional).Floor().IntPart())
	if sizeCap < qty {
		qty, binding = sizeCap, RulePositionSize
	}
	a.Checks = append(a.Checks, fmt.Sprintf("%s: max %d units (budget %s)", RulePositionSize, sizeCap, sizeBudget.StringFixed(2)))

	if len(blocked) > 0 {
		return reject(blockedRule, strings.Join(blocked, "; "))
	}
	if qty < 1 {
		if binding == RulePositionSize {
			return reject(binding, fmt.Sprintf("position size too small: notional %s per unit exceeds %s%% of equity %s",
				notional.StringFixed(2), pct(v.limits.MaxPositionSize), p.Equity.StringFixed(2)))
		}
		return reject(RulePerTradeRisk, fmt.Sprintf("position size too small: max loss %s per unit exceeds %s%% of equity %s",
			trade.MaxLossPerUnit.StringFixed(2), pct(v.limits.MaxRiskPerTrade), p.Equity.StringFixed(2)))
	}

	a.Approved = true
	a.Quantity = qty
	a.MaxLoss = trade.MaxLoss(qty)
	if qty < trade.Quantity {
		a.Reason = fmt.Sprintf("approved %d of %d units, reduced by %s; max loss %s", qty, trade.Quantity, binding, a.MaxLoss.StringFixed(2))
		QuantityReductionsTotal.WithLabelValues(binding).Inc()
	} else {
		a.Reason = fmt.Sprintf("approved %d units; max loss %s", qty, a.MaxLoss.StringFixed(2))
	}
	DecisionsTotal.WithLabelValues("approved", "").Inc()
	log.WithFields(logrus.Fields{"quantity": qty, "max_loss": a.MaxLoss.String()}).Info("Trade approved")
	return a
}

func pct(f decimal.Decimal) string {
	return f.Mul(hundred).String()
}
