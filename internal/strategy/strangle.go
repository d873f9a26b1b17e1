package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/exits"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// StrangleName is the registry name of the short strangle.
const StrangleName = "strangle"

// StrangleConfig holds entry and exit parameters for the 45 DTE short strangle.
type StrangleConfig struct {
	DTETarget    int             `yaml:"dte_target"`
	DeltaTarget  float64         `yaml:"delta_target"`
	ProfitTarget decimal.Decimal `yaml:"profit_target"`
	StopMultiple decimal.Decimal `yaml:"stop_multiple"`
	ExitDTE      int             `yaml:"exit_dte"`
	MinIVRank    float64         `yaml:"min_iv_rank"`
	MinCredit    decimal.Decimal `yaml:"min_credit"`
	// BPRMultiple estimates buying power per unit as a multiple of the credit.
	BPRMultiple decimal.Decimal `yaml:"bpr_multiple"`
	// EventDates blocks entries within two days of each date (FOMC, CPI).
	EventDates []string `yaml:"event_dates"`
}

// DefaultStrangleConfig returns the standard 16 delta, 45 DTE parameters.
func DefaultStrangleConfig() StrangleConfig {
	return StrangleConfig{
		DTETarget:    45,
		DeltaTarget:  0.16,
		ProfitTarget: decimal.RequireFromString("0.5"),
		StopMultiple: decimal.NewFromInt(2),
		ExitDTE:      21,
		MinIVRank:    0.30,
		MinCredit:    decimal.NewFromInt(2),
		BPRMultiple:  decimal.NewFromInt(10),
	}
}

const eventWindow = 48 * time.Hour

// Strangle sells an out-of-the-money put and call at the same expiration.
type Strangle struct {
	config StrangleConfig
	events []time.Time
	logger logrus.FieldLogger
}

// NewStrangle creates the strategy. Event dates that do not parse are logged
// and ignored.
func NewStrangle(config StrangleConfig, logger logrus.FieldLogger) *Strangle {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("strategy", StrangleName)
	s := &Strangle{config: config, logger: logger}
	for _, d := range config.EventDates {
		t, err := time.Parse(models.DayLayout, d)
		if err != nil {
			logger.WithError(err).WithField("date", d).Warn("Ignoring unparseable event date")
			continue
		}
		s.events = append(s.events, t)
	}
	return s
}

func (s *Strangle) Name() string { return StrangleName }

func (s *Strangle) ExitPolicy() exits.Policy {
	return exits.NewPolicy(
		exits.ExpiryClose{MaxDTE: s.config.ExitDTE},
		exits.StopLoss{CreditMultiple: s.config.StopMultiple},
		exits.ProfitTarget{Fraction: s.config.ProfitTarget},
	)
}

func (s *Strangle) eventNearby(now time.Time) (time.Time, bool) {
	today := expirationDate(now)
	for _, e := range s.events {
		d := e.Sub(today)
		if d >= 0 && d <= eventWindow {
			return e, true
		}
	}
	return time.Time{}, false
}

func (s *Strangle) Generate(ctx context.Context, snap Snapshot) (*models.CandidateTrade, error) {
	now := snap.local()
	if e, ok := s.eventNearby(now); ok {
		return nil, noSignal("major event on %s within 48 hours", e.Format(models.DayLayout))
	}
	spot, err := snap.spot(ctx)
	if err != nil {
		return nil, err
	}
	exp := targetExpiration(now, s.config.DTETarget)
	chain, err := snap.chain(ctx, exp)
	if err != nil {
		return nil, err
	}

	// IV rank gates entry only when history is available.
	rank, ranked := -1.0, false
	if len(snap.IVHistory) >= 2 {
		if atm, ok := atTheMoney(chain, models.OptionPut, spot); ok {
			if iv, ok := impliedVol(atm, spot, snap.Now, snap.Location); ok {
				rank, ranked = IVRank(iv, snap.IVHistory)
			}
		}
		if ranked && rank < s.config.MinIVRank {
			return nil, noSignal("IV rank %.2f below %.2f", rank, s.config.MinIVRank)
		}
	}

	put, putDelta, ok := findByDelta(chain, models.OptionPut, s.config.DeltaTarget, 0, spot, snap.Now, snap.Location)
	if !ok {
		return nil, noSignal("no quoted put near %.2f delta", s.config.DeltaTarget)
	}
	call, callDelta, ok := findByDelta(chain, models.OptionCall, s.config.DeltaTarget, 0, spot, snap.Now, snap.Location)
	if !ok {
		return nil, noSignal("no quoted call near %.2f delta", s.config.DeltaTarget)
	}

	legs := []models.Leg{
		legFrom(put, models.SideSell),
		legFrom(call, models.SideSell),
	}
	credit := netPrice(legs)
	if credit.LessThan(s.config.MinCredit) {
		return nil, noSignal("credit %s below minimum %s", credit.StringFixed(2), s.config.MinCredit.StringFixed(2))
	}
	creditDollars := credit.Mul(decimal.NewFromInt(models.ContractMultiplier))
	// Undefined risk; the stop bounds the loss at (multiple - 1) credits.
	maxLoss := creditDollars.Mul(s.config.StopMultiple.Sub(decimal.NewFromInt(1)))
	dte := models.DaysBetween(now, exp)

	fields := logrus.Fields{
		"underlying": snap.Underlying,
		"put":        put.Strike.String(),
		"call":       call.Strike.String(),
		"expiration": exp.Format(models.DayLayout),
		"credit":     credit.StringFixed(2),
	}
	if ranked {
		fields["iv_rank"] = rank
	}
	s.logger.WithFields(fields).Info("Strangle signal")

	return &models.CandidateTrade{
		Strategy:        StrangleName,
		Underlying:      snap.Underlying,
		Legs:            legs,
		Quantity:        1,
		NetPrice:        credit,
		MaxLossPerUnit:  maxLoss,
		NotionalPerUnit: creditDollars.Mul(s.config.BPRMultiple),
		Confidence:      1 - (callDelta-putDelta)/2,
		Reasoning: fmt.Sprintf("%d DTE strangle %sP/%sC for %s credit; deltas %.2f/%.2f",
			dte, put.Strike, call.Strike, credit.StringFixed(2), putDelta, callDelta),
	}, nil
}

var _ Strategy = (*Strangle)(nil)
