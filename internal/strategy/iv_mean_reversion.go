package strategy

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/trade_oracle/internal/exits"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// IVMeanReversionName is the registry name of the IV mean reversion strategy.
const IVMeanReversionName = "iv_mean_reversion"

// IVMeanReversionConfig holds the IV rank thresholds and exit parameters.
type IVMeanReversionConfig struct {
	HighRank   float64           `yaml:"high_rank"`
	LowRank    float64           `yaml:"low_rank"`
	MinDTE     int               `yaml:"min_dte"`
	MaxDTE     int               `yaml:"max_dte"`
	OptionType models.OptionType `yaml:"option_type"`
	SellStop   decimal.Decimal   `yaml:"sell_stop_multiple"`
	BuyStop    decimal.Decimal   `yaml:"buy_stop_fraction"`
	SellTarget decimal.Decimal   `yaml:"sell_profit_target"`
	BuyTarget  decimal.Decimal   `yaml:"buy_profit_target"`
	ExitDTE    int               `yaml:"exit_dte"`
}

// DefaultIVMeanReversionConfig returns the standard thresholds.
func DefaultIVMeanReversionConfig() IVMeanReversionConfig {
	return IVMeanReversionConfig{
		HighRank:   0.70,
		LowRank:    0.30,
		MinDTE:     30,
		MaxDTE:     45,
		OptionType: models.OptionPut,
		SellStop:   decimal.NewFromInt(2),
		BuyStop:    decimal.RequireFromString("0.5"),
		SellTarget: decimal.RequireFromString("0.5"),
		BuyTarget:  decimal.NewFromInt(1),
		ExitDTE:    21,
	}
}

// IVMeanReversion sells premium when implied volatility is rich against its
// own history and buys it when cheap.
type IVMeanReversion struct {
	config IVMeanReversionConfig
	logger logrus.FieldLogger
}

// NewIVMeanReversion creates the strategy.
func NewIVMeanReversion(config IVMeanReversionConfig, logger logrus.FieldLogger) *IVMeanReversion {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if !config.OptionType.Valid() {
		config.OptionType = models.OptionPut
	}
	return &IVMeanReversion{config: config, logger: logger.WithField("strategy", IVMeanReversionName)}
}

func (s *IVMeanReversion) Name() string { return IVMeanReversionName }

// ExitPolicy applies the sell-side or buy-side thresholds depending on
// whether the position was opened for a credit.
func (s *IVMeanReversion) ExitPolicy() exits.Policy {
	return exits.NewPolicy(
		exits.ExpiryClose{MaxDTE: s.config.ExitDTE},
		exits.StopLoss{CreditMultiple: s.config.SellStop, DebitFraction: s.config.BuyStop},
		exits.ProfitTarget{Fraction: s.config.SellTarget, DebitFraction: s.config.BuyTarget},
	)
}

func (s *IVMeanReversion) Generate(ctx context.Context, snap Snapshot) (*models.CandidateTrade, error) {
	if len(snap.IVHistory) < 2 {
		return nil, noSignal("need IV history to rank current IV, got %d readings", len(snap.IVHistory))
	}
	spot, err := snap.spot(ctx)
	if err != nil {
		return nil, err
	}
	now := snap.local()
	exp := targetExpiration(now, s.config.MinDTE)
	if dte := models.DaysBetween(now, exp); dte > s.config.MaxDTE {
		return nil, noSignal("no expiration within %d-%d DTE", s.config.MinDTE, s.config.MaxDTE)
	}
	chain, err := snap.chain(ctx, exp)
	if err != nil {
		return nil, err
	}
	atm, ok := atTheMoney(chain, s.config.OptionType, spot)
	if !ok {
		return nil, noSignal("no quoted at-the-money %s", s.config.OptionType)
	}
	iv, ok := impliedVol(atm, spot, snap.Now, snap.Location)
	if !ok {
		return nil, noSignal("cannot determine implied volatility of %s", atm.Symbol)
	}
	rank, ok := IVRank(iv, snap.IVHistory)
	if !ok {
		return nil, noSignal("IV history has no range")
	}

	var side models.Side
	var confidence float64
	var maxLoss decimal.Decimal
	leg := legFrom(atm, models.SideBuy)
	premium := leg.LimitPrice.Mul(decimal.NewFromInt(models.ContractMultiplier))
	switch {
	case rank > s.config.HighRank:
		side, confidence = models.SideSell, rank
		// The stop caps the loss at (multiple - 1) times the premium collected.
		maxLoss = premium.Mul(s.config.SellStop.Sub(decimal.NewFromInt(1)))
	case rank < s.config.LowRank:
		side, confidence = models.SideBuy, 1-rank
		maxLoss = premium
	default:
		return nil, noSignal("IV rank %.2f inside neutral band %.2f-%.2f", rank, s.config.LowRank, s.config.HighRank)
	}
	leg.Side = side
	legs := []models.Leg{leg}
	dte := models.DaysBetween(now, exp)

	s.logger.WithFields(logrus.Fields{
		"underlying": snap.Underlying, "symbol": leg.Symbol, "side": side,
		"iv": iv, "iv_rank": rank, "dte": dte,
	}).Info("IV mean reversion signal")

	return &models.CandidateTrade{
		Strategy:        IVMeanReversionName,
		Underlying:      snap.Underlying,
		Legs:            legs,
		Quantity:        1,
		NetPrice:        netPrice(legs),
		MaxLossPerUnit:  maxLoss,
		NotionalPerUnit: premium,
		Confidence:      confidence,
		Reasoning:       fmt.Sprintf("IV rank %.2f (IV %.1f%%), %s %s, DTE %d", rank, iv*100, side, leg.Symbol, dte),
	}, nil
}

var _ Strategy = (*IVMeanReversion)(nil)
