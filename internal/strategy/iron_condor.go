package strategy

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/exits"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// IronCondorName is the registry name of the 0DTE iron condor.
const IronCondorName = "iron_condor"

// IronCondorConfig holds entry and exit parameters for the 0DTE iron condor.
type IronCondorConfig struct {
	EntryStart     exits.Clock     `yaml:"entry_start"`
	EntryEnd       exits.Clock     `yaml:"entry_end"`
	TargetDelta    float64         `yaml:"target_delta"`
	DeltaTolerance float64         `yaml:"delta_tolerance"`
	WingWidth      decimal.Decimal `yaml:"wing_width"`
	MinCredit      decimal.Decimal `yaml:"min_credit"` // total per share
	ProfitTarget   decimal.Decimal `yaml:"profit_target"`
	StopMultiple   decimal.Decimal `yaml:"stop_multiple"`
	BreachBuffer   decimal.Decimal `yaml:"breach_buffer"`
	ForceClose     exits.Clock     `yaml:"force_close"`
}

// DefaultIronCondorConfig returns the standard 0DTE parameters.
func DefaultIronCondorConfig() IronCondorConfig {
	return IronCondorConfig{
		EntryStart:     exits.MustClock("09:31"),
		EntryEnd:       exits.MustClock("09:45"),
		TargetDelta:    0.15,
		DeltaTolerance: 0.05,
		WingWidth:      decimal.NewFromInt(5),
		MinCredit:      decimal.NewFromInt(1),
		ProfitTarget:   decimal.RequireFromString("0.5"),
		StopMultiple:   decimal.NewFromInt(2),
		BreachBuffer:   decimal.RequireFromString("0.02"),
		ForceClose:     exits.MustClock("15:50"),
	}
}

// IronCondor sells a same-day call spread and put spread around spot.
type IronCondor struct {
	config IronCondorConfig
	logger logrus.FieldLogger
}

// NewIronCondor creates the strategy.
func NewIronCondor(config IronCondorConfig, logger logrus.FieldLogger) *IronCondor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &IronCondor{config: config, logger: logger.WithField("strategy", IronCondorName)}
}

func (s *IronCondor) Name() string { return IronCondorName }

// ExitPolicy closes at the profit target, on a breach, at the stop, or at the
// afternoon cutoff. Positions left over from an earlier session close at once.
func (s *IronCondor) ExitPolicy() exits.Policy {
	return exits.NewPolicy(
		exits.ForcedClose{Cutoff: s.config.ForceClose, Intraday: true},
		exits.StopLoss{CreditMultiple: s.config.StopMultiple},
		exits.Breach{Buffer: s.config.BreachBuffer},
		exits.ProfitTarget{Fraction: s.config.ProfitTarget},
	)
}

func (s *IronCondor) Generate(ctx context.Context, snap Snapshot) (*models.CandidateTrade, error) {
	now := snap.local()
	if !exits.Within(now, s.config.EntryStart, s.config.EntryEnd) {
		return nil, noSignal("outside entry window %s-%s (now %s)", s.config.EntryStart, s.config.EntryEnd, now.Format("15:04"))
	}
	spot, err := snap.spot(ctx)
	if err != nil {
		return nil, err
	}
	chain, err := snap.chain(ctx, expirationDate(now))
	if err != nil {
		return nil, err
	}

	shortCall, callDelta, ok := findByDelta(chain, models.OptionCall, s.config.TargetDelta, s.config.DeltaTolerance, spot, snap.Now, snap.Location)
	if !ok {
		return nil, noSignal("no call within %.2f of %.2f delta", s.config.DeltaTolerance, s.config.TargetDelta)
	}
	shortPut, putDelta, ok := findByDelta(chain, models.OptionPut, s.config.TargetDelta, s.config.DeltaTolerance, spot, snap.Now, snap.Location)
	if !ok {
		return nil, noSignal("no put within %.2f of %.2f delta", s.config.DeltaTolerance, s.config.TargetDelta)
	}
	longCall, ok := broker.FindByStrike(chain, shortCall.Strike.Add(s.config.WingWidth), models.OptionCall)
	if !ok || !quoted(longCall) {
		return nil, noSignal("no quoted call wing at %s", shortCall.Strike.Add(s.config.WingWidth))
	}
	longPut, ok := broker.FindByStrike(chain, shortPut.Strike.Sub(s.config.WingWidth), models.OptionPut)
	if !ok || !quoted(longPut) {
		return nil, noSignal("no quoted put wing at %s", shortPut.Strike.Sub(s.config.WingWidth))
	}

	legs := []models.Leg{
		legFrom(shortCall, models.SideSell),
		legFrom(longCall, models.SideBuy),
		legFrom(shortPut, models.SideSell),
		legFrom(longPut, models.SideBuy),
	}
	credit := netPrice(legs)
	if credit.LessThan(s.config.MinCredit) {
		return nil, noSignal("credit %s below minimum %s", credit.StringFixed(2), s.config.MinCredit.StringFixed(2))
	}

	// Only one side can finish in the money, so the worst case is one wing less the credit.
	maxLoss := s.config.WingWidth.Sub(credit).Mul(decimal.NewFromInt(models.ContractMultiplier))
	if !maxLoss.IsPositive() {
		return nil, noSignal("credit %s is not below wing width %s", credit.StringFixed(2), s.config.WingWidth)
	}

	s.logger.WithFields(logrus.Fields{
		"underlying":  snap.Underlying,
		"call_spread": fmt.Sprintf("%s/%s", shortCall.Strike, longCall.Strike),
		"put_spread":  fmt.Sprintf("%s/%s", shortPut.Strike, longPut.Strike),
		"credit":      credit.StringFixed(2),
	}).Info("Iron condor signal")

	return &models.CandidateTrade{
		Strategy:        IronCondorName,
		Underlying:      snap.Underlying,
		Legs:            legs,
		Quantity:        1,
		NetPrice:        credit,
		MaxLossPerUnit:  maxLoss,
		NotionalPerUnit: s.config.WingWidth.Mul(decimal.NewFromInt(models.ContractMultiplier)),
		Confidence:      1 - (callDelta-putDelta)/2,
		Reasoning: fmt.Sprintf("0DTE condor %s/%s calls, %s/%s puts for %s credit; short deltas %.2f/%.2f",
			shortCall.Strike, longCall.Strike, shortPut.Strike, longPut.Strike, credit.StringFixed(2), callDelta, putDelta),
	}, nil
}

var _ Strategy = (*IronCondor)(nil)
