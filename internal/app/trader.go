package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/execution"
	"github.com/eddiefleurent/trade_oracle/internal/exits"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/performance"
	"github.com/eddiefleurent/trade_oracle/internal/risk"
	"github.com/eddiefleurent/trade_oracle/internal/server"
	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/eddiefleurent/trade_oracle/internal/strategy"
	"github.com/sirupsen/logrus"
)

// Reasons a strategy is passed over in an entry cycle.
const (
	SkipDisabled       = "disabled"
	SkipOutsideSession = "outside_session"
	SkipPositionOpen   = "position_open"
	SkipNoSignal       = "no_signal"
	SkipNoEdge         = "no_edge"
	SkipRejected       = "rejected"
)

// TraderConfig controls the entry scheduler.
type TraderConfig struct {
	Interval   time.Duration
	Underlying string
	Location   *time.Location
	// SessionStart and SessionEnd limit cycles to weekday exchange hours when both are set.
	SessionStart *exits.Clock
	SessionEnd   *exits.Clock
}

// DefaultTraderConfig is the default configuration for the entry scheduler.
var DefaultTraderConfig = TraderConfig{
	Interval:   5 * time.Minute,
	Underlying: "SPY",
}

func (c TraderConfig) sanitized() TraderConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultTraderConfig.Interval
	}
	if c.Underlying == "" {
		c.Underlying = DefaultTraderConfig.Underlying
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// TraderDeps are the components an entry cycle drives.
type TraderDeps struct {
	Broker     broker.Broker
	Store      storage.Store
	Validator  *risk.Validator
	Engine     *execution.Engine
	Strategies *strategy.Registry
	Enabled    map[string]bool
	// Hub is optional; opened positions are published to it.
	Hub *server.Hub
}

// Entry is a position opened by a cycle.
type Entry struct {
	Strategy   string `json:"strategy"`
	PositionID string `json:"position_id"`
	Quantity   int    `json:"quantity"`
}

// SkippedEntry is a strategy that did not trade, and why.
type SkippedEntry struct {
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// CycleReport summarizes one entry cycle.
type CycleReport struct {
	At      time.Time      `json:"at"`
	Entries []Entry        `json:"entries,omitempty"`
	Skipped []SkippedEntry `json:"skipped,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

// Trader asks each enabled strategy for a signal on a schedule, runs the
// candidate through the risk validator and hands approved trades to the engine.
// A strategy with an open position waits for it to close.
type Trader struct {
	deps   TraderDeps
	config TraderConfig
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewTrader creates an entry scheduler.
func NewTrader(deps TraderDeps, logger logrus.FieldLogger, config ...TraderConfig) *Trader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg := DefaultTraderConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Trader{
		deps:   deps,
		config: cfg.sanitized(),
		logger: logger.WithField("component", "trader"),
		now:    time.Now,
	}
}

// Run executes a cycle immediately and then on every interval until ctx is canceled.
func (t *Trader) Run(ctx context.Context) error {
	t.logger.WithField("interval", t.config.Interval).Info("Entry scheduler starting")
	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	t.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Entry scheduler stopped")
			return nil
		case <-ticker.C:
			t.Cycle(ctx)
		}
	}
}

func (t *Trader) inSession(now time.Time) bool {
	if t.config.SessionStart == nil || t.config.SessionEnd == nil {
		return true
	}
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return exits.Within(now, *t.config.SessionStart, *t.config.SessionEnd)
}

// Cycle runs every enabled strategy once. Failures are logged and reported,
// never returned, so one broken strategy does not stop the others.
func (t *Trader) Cycle(ctx context.Context) CycleReport {
	now := t.now()
	local := now.In(t.config.Location)
	report := CycleReport{At: now.UTC()}

	if !t.inSession(local) {
		t.logger.WithField("now", local.Format("Mon 15:04")).Debug("Outside session, skipping entry cycle")
		report.Skipped = append(report.Skipped, SkippedEntry{Reason: SkipOutsideSession})
		return report
	}

	for _, name := range t.deps.Strategies.Names() {
		if ctx.Err() != nil {
			break
		}
		if !t.deps.Enabled[name] {
			report.Skipped = append(report.Skipped, SkippedEntry{Strategy: name, Reason: SkipDisabled})
			continue
		}
		entry, skip, err := t.enter(ctx, name, now)
		switch {
		case err != nil:
			t.logger.WithError(err).WithField("strategy", name).Warn("Entry failed")
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
		case skip != nil:
			report.Skipped = append(report.Skipped, *skip)
		default:
			report.Entries = append(report.Entries, *entry)
		}
	}

	t.logger.WithFields(logrus.Fields{
		"entries": len(report.Entries),
		"skipped": len(report.Skipped),
		"errors":  len(report.Errors),
	}).Info("Entry cycle complete")
	return report
}

func (t *Trader) enter(ctx context.Context, name string, now time.Time) (*Entry, *SkippedEntry, error) {
	log := t.logger.WithField("strategy", name)
	skipped := func(reason, detail string) (*Entry, *SkippedEntry, error) {
		log.WithFields(logrus.Fields{"reason": reason, "detail": detail}).Debug("No entry")
		return nil, &SkippedEntry{Strategy: name, Reason: reason, Detail: detail}, nil
	}

	open, err := t.deps.Store.ListPositions(ctx, storage.Filter{Status: models.PositionOpen, Strategy: name, Limit: 1})
	if err != nil {
		return nil, nil, fmt.Errorf("listing open positions: %w", err)
	}
	if len(open) > 0 {
		return skipped(SkipPositionOpen, open[0].ID)
	}

	strat, err := t.deps.Strategies.Get(name)
	if err != nil {
		return nil, nil, err
	}
	candidate, err := strat.Generate(ctx, strategy.Snapshot{
		Underlying: t.config.Underlying,
		Now:        now,
		Location:   t.config.Location,
		Market:     t.deps.Broker,
	})
	if errors.Is(err, strategy.ErrNoSignal) {
		return skipped(SkipNoSignal, err.Error())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("generating signal: %w", err)
	}

	snap, _, err := risk.LoadPortfolio(ctx, t.deps.Broker, t.deps.Store, models.TradingDay(now, t.config.Location))
	if err != nil {
		return nil, nil, err
	}
	if candidate.Quantity <= 0 {
		trades, err := t.deps.Store.ListTrades(ctx, storage.TradeFilter{Kind: models.TradeExit})
		if err != nil {
			return nil, nil, fmt.Errorf("listing trades: %w", err)
		}
		stats := performance.Stats(trades, name)
		candidate.Quantity = t.deps.Validator.SuggestQuantity(&stats, snap.Equity, candidate.MaxLossPerUnit)
	}
	if candidate.Quantity <= 0 {
		return skipped(SkipNoEdge, "edge does not justify a trade at current risk limits")
	}

	approval := t.deps.Validator.Approve(*candidate, snap)
	if !approval.Approved {
		return skipped(SkipRejected, approval.Reason)
	}

	// An entry that reached the broker finishes or rolls back even on shutdown.
	result, err := t.deps.Engine.Execute(context.WithoutCancel(ctx), *candidate, approval)
	if err != nil {
		return nil, nil, err
	}
	if !result.Success {
		return nil, nil, fmt.Errorf("execution failed: %s", result.Reason)
	}
	if t.deps.Hub != nil {
		t.deps.Hub.Publish(server.TopicPosition, result.Position)
	}
	log.WithFields(logrus.Fields{
		"position_id": result.Position.ID,
		"quantity":    approval.Quantity,
		"net_price":   candidate.NetPrice.StringFixed(2),
	}).Info("Opened position")
	return &Entry{Strategy: name, PositionID: result.Position.ID, Quantity: approval.Quantity}, nil, nil
}
