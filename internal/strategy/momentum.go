package strategy

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/trade_oracle/internal/exits"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MomentumName is the registry name of the intraday momentum strategy.
const MomentumName = "momentum"

// MomentumConfig holds indicator periods, confirmation thresholds and exits.
type MomentumConfig struct {
	FastEMA       int             `yaml:"fast_ema"`
	SlowEMA       int             `yaml:"slow_ema"`
	RSIPeriod     int             `yaml:"rsi_period"`
	RSIOverbought float64         `yaml:"rsi_overbought"`
	RSIOversold   float64         `yaml:"rsi_oversold"`
	MinRelVolume  float64         `yaml:"min_relative_volume"`
	EntryStart    exits.Clock     `yaml:"entry_start"`
	EntryEnd      exits.Clock     `yaml:"entry_end"`
	ProfitTarget  decimal.Decimal `yaml:"profit_target"`
	StopLoss      decimal.Decimal `yaml:"stop_loss"`
	ForceClose    exits.Clock     `yaml:"force_close"`
}

// DefaultMomentumConfig returns the standard morning momentum parameters.
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{
		FastEMA:       9,
		SlowEMA:       21,
		RSIPeriod:     14,
		RSIOverbought: 70,
		RSIOversold:   30,
		MinRelVolume:  2.0,
		EntryStart:    exits.MustClock("09:31"),
		EntryEnd:      exits.MustClock("11:30"),
		ProfitTarget:  decimal.RequireFromString("0.5"),
		StopLoss:      decimal.RequireFromString("0.5"),
		ForceClose:    exits.MustClock("11:30"),
	}
}

// Momentum buys a same-day at-the-money option in the direction of a fresh
// EMA crossover confirmed by RSI, VWAP and a volume surge.
type Momentum struct {
	config MomentumConfig
	logger logrus.FieldLogger
}

// NewMomentum creates the strategy.
func NewMomentum(config MomentumConfig, logger logrus.FieldLogger) *Momentum {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Momentum{config: config, logger: logger.WithField("strategy", MomentumName)}
}

func (s *Momentum) Name() string { return MomentumName }

// ExitPolicy is symmetric on the premium paid and flat by late morning.
func (s *Momentum) ExitPolicy() exits.Policy {
	return exits.NewPolicy(
		exits.ForcedClose{Cutoff: s.config.ForceClose, Intraday: true},
		exits.StopLoss{DebitFraction: s.config.StopLoss},
		exits.ProfitTarget{DebitFraction: s.config.ProfitTarget},
	)
}

func (s *Momentum) Generate(ctx context.Context, snap Snapshot) (*models.CandidateTrade, error) {
	now := snap.local()
	if !exits.Within(now, s.config.EntryStart, s.config.EntryEnd) {
		return nil, noSignal("outside entry window %s-%s (now %s)", s.config.EntryStart, s.config.EntryEnd, now.Format("15:04"))
	}
	if len(snap.Bars) < s.config.SlowEMA+1 {
		return nil, noSignal("need %d bars, got %d", s.config.SlowEMA+1, len(snap.Bars))
	}
	closes := make([]float64, len(snap.Bars))
	for i, b := range snap.Bars {
		closes[i] = b.Close
	}
	last := closes[len(closes)-1]

	direction := Crossover(closes, s.config.FastEMA, s.config.SlowEMA)
	if direction == 0 {
		return nil, noSignal("no EMA %d/%d crossover", s.config.FastEMA, s.config.SlowEMA)
	}
	rsi, ok := RSI(closes, s.config.RSIPeriod)
	if !ok {
		return nil, noSignal("need %d closes for RSI", s.config.RSIPeriod+1)
	}
	vwap, ok := VWAP(snap.Bars)
	if !ok {
		return nil, noSignal("no volume for VWAP")
	}
	relVol, ok := RelativeVolume(snap.Bars)
	if !ok || relVol < s.config.MinRelVolume {
		return nil, noSignal("relative volume %.2f below %.2f", relVol, s.config.MinRelVolume)
	}

	var typ models.OptionType
	switch {
	case direction == Bullish && rsi > s.config.RSIOversold && last > vwap:
		typ = models.OptionCall
	case direction == Bearish && rsi < s.config.RSIOverbought && last < vwap:
		typ = models.OptionPut
	default:
		return nil, noSignal("crossover not confirmed (rsi %.1f, close %.2f, vwap %.2f)", rsi, last, vwap)
	}

	spot := snap.Spot
	if !spot.IsPositive() {
		spot = decimal.NewFromFloat(last)
	}
	chain, err := snap.chain(ctx, expirationDate(now))
	if err != nil {
		return nil, err
	}
	atm, ok := atTheMoney(chain, typ, spot)
	if !ok {
		return nil, noSignal("no quoted at-the-money %s", typ)
	}
	leg := legFrom(atm, models.SideBuy)
	legs := []models.Leg{leg}
	premium := leg.LimitPrice.Mul(decimal.NewFromInt(models.ContractMultiplier))

	dirName := "bullish"
	if direction == Bearish {
		dirName = "bearish"
	}
	s.logger.WithFields(logrus.Fields{
		"underlying": snap.Underlying, "symbol": leg.Symbol, "direction": dirName,
		"rsi": rsi, "vwap": vwap, "relative_volume": relVol,
	}).Info("Momentum signal")

	return &models.CandidateTrade{
		Strategy:        MomentumName,
		Underlying:      snap.Underlying,
		Legs:            legs,
		Quantity:        1,
		NetPrice:        netPrice(legs),
		MaxLossPerUnit:  premium,
		NotionalPerUnit: premium,
		Confidence:      momentumConfidence(relVol, s.config.MinRelVolume),
		Reasoning: fmt.Sprintf("%s EMA %d/%d cross, RSI %.1f, close %.2f vs VWAP %.2f, %.1fx volume",
			dirName, s.config.FastEMA, s.config.SlowEMA, rsi, last, vwap, relVol),
	}, nil
}

// momentumConfidence grows with the volume surge, saturating at twice the minimum.
func momentumConfidence(relVol, minRelVol float64) float64 {
	if minRelVol <= 0 {
		return 1
	}
	c := 0.5 + 0.5*(relVol-minRelVol)/minRelVol
	if c > 1 {
		return 1
	}
	return c
}

var _ Strategy = (*Momentum)(nil)
