// Package monitor marks open positions to market on a fixed interval and
// dispatches an unwind when a position's exit policy fires.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/execution"
	"github.com/eddiefleurent/trade_oracle/internal/exits"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/retry"
	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/eddiefleurent/trade_oracle/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Skip reasons reported in TickReport and the skipped metric.
const (
	SkipMissingQuote   = "missing_quote"
	SkipExitInFlight   = "exit_in_flight"
	SkipExitCapacity   = "exit_capacity"
	SkipOutsideSession = "outside_session"
)

// Topics published by the monitor.
const (
	TopicTick = "tick"
	TopicExit = "exit"
)

// Publisher receives tick snapshots and exit results, e.g. a websocket hub.
type Publisher interface {
	Publish(topic string, payload interface{})
}

// Unwinder closes positions. *execution.Engine implements it.
type Unwinder interface {
	Unwind(ctx context.Context, positionID string, reason models.ExitReason, detail string) (*execution.CloseResult, error)
}

// Policies resolves a strategy name to its exit policy. *strategy.Registry implements it.
type Policies interface {
	Policy(name string) (exits.Policy, error)
}

// Config contains configuration for the monitor.
type Config struct {
	Interval time.Duration
	// MaxConcurrentExits bounds unwinds running at once. Exits beyond it wait
	// for the next tick.
	MaxConcurrentExits int
	// SessionStart and SessionEnd limit ticks to exchange hours when both are set.
	SessionStart *exits.Clock
	SessionEnd   *exits.Clock
	Location     *time.Location
	// Retry applies to every quote read.
	Retry retry.Config
}

// DefaultConfig is the default configuration for the monitor.
var DefaultConfig = Config{
	Interval:           time.Minute,
	MaxConcurrentExits: 4,
	Retry:              retry.DefaultConfig,
}

func (c Config) sanitized() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultConfig.Interval
	}
	if c.MaxConcurrentExits <= 0 {
		c.MaxConcurrentExits = DefaultConfig.MaxConcurrentExits
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// PositionMark is the valuation of one position in a tick.
type PositionMark struct {
	PositionID    string          `json:"position_id"`
	Strategy      string          `json:"strategy"`
	CostToClose   decimal.Decimal `json:"cost_to_close"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Skipped is a position that was not evaluated this tick.
type Skipped struct {
	PositionID string `json:"position_id"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// ExitSignal is an exit decision handed to the unwinder.
type ExitSignal struct {
	PositionID string            `json:"position_id"`
	Strategy   string            `json:"strategy"`
	Reason     models.ExitReason `json:"reason"`
	Detail     string            `json:"detail"`
	Dispatched bool              `json:"dispatched"`
}

// TickReport summarizes one monitor pass.
type TickReport struct {
	At      time.Time      `json:"at"`
	Open    int            `json:"open"`
	Marks   []PositionMark `json:"marks"`
	Exits   []ExitSignal   `json:"exits"`
	Skipped []Skipped      `json:"skipped"`
	Error   string         `json:"error,omitempty"`
}

// Monitor polls open positions and evaluates their exit policies.
type Monitor struct {
	store     storage.Store
	quotes    broker.QuoteSource
	unwinder  Unwinder
	policies  Policies
	publisher Publisher
	logger    logrus.FieldLogger
	config    Config
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	exits    errgroup.Group
}

// NewMonitor creates a monitor. quotes should be the cached, circuit-broken
// quote source; policies and publisher may be nil.
func NewMonitor(
	store storage.Store,
	quotes broker.QuoteSource,
	unwinder Unwinder,
	policies Policies,
	publisher Publisher,
	logger logrus.FieldLogger,
	config ...Config,
) *Monitor {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if store == nil || quotes == nil || unwinder == nil {
		panic("monitor.NewMonitor: store, quotes and unwinder are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Monitor{
		store:     store,
		quotes:    quotes,
		unwinder:  unwinder,
		policies:  policies,
		publisher: publisher,
		logger:    logger.WithField("component", "monitor"),
		config:    cfg.sanitized(),
		now:       time.Now,
		inflight:  make(map[string]struct{}),
	}
	m.exits.SetLimit(m.config.MaxConcurrentExits)
	return m
}

// SetClock overrides the time source (tests).
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Run ticks immediately and then on every interval until ctx is done. It
// waits for dispatched unwinds before returning.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.WithField("interval", m.config.Interval).Info("Position monitor starting")
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Position monitor stopping, waiting for in-flight exits")
			m.Wait()
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Wait blocks until every dispatched unwind has returned.
func (m *Monitor) Wait() {
	_ = m.exits.Wait()
}

func (m *Monitor) inSession(now time.Time) bool {
	if m.config.SessionStart == nil || m.config.SessionEnd == nil {
		return true
	}
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return exits.Within(now, *m.config.SessionStart, *m.config.SessionEnd)
}

// Tick runs one pass over the open positions. Failures are logged and
// reported, never returned: a position that cannot be valued is skipped and
// retried on the next tick.
func (m *Monitor) Tick(ctx context.Context) TickReport {
	start := m.now()
	report := TickReport{At: start}
	defer func() {
		TicksTotal.Inc()
		TickDuration.Observe(time.Since(start).Seconds())
		if m.publisher != nil {
			m.publisher.Publish(TopicTick, report)
		}
	}()

	local := start.In(m.config.Location)
	if !m.inSession(local) {
		m.logger.WithField("now", local.Format("Mon 15:04")).Debug("Outside session, skipping tick")
		report.Skipped = append(report.Skipped, Skipped{Reason: SkipOutsideSession})
		return report
	}

	positions, err := m.store.ListPositions(ctx, storage.Filter{Status: models.PositionOpen})
	if err != nil {
		m.logger.WithError(err).Warn("Failed to list open positions")
		report.Error = err.Error()
		return report
	}
	report.Open = len(positions)
	m.logger.WithField("open", len(positions)).Debug("Monitoring positions")

	quotes := make(map[string]*broker.Quote)
	for i := range positions {
		m.evaluate(ctx, &positions[i], quotes, &report)
	}
	return report
}

func (m *Monitor) skip(report *TickReport, log logrus.FieldLogger, id, reason, detail string) {
	SkippedTotal.WithLabelValues(reason).Inc()
	report.Skipped = append(report.Skipped, Skipped{PositionID: id, Reason: reason, Detail: detail})
	if reason == SkipMissingQuote {
		log.WithField("detail", detail).Warn("Skipping position this tick")
		return
	}
	log.WithField("skip", reason).Debug("Skipping position this tick")
}

func (m *Monitor) evaluate(ctx context.Context, pos *models.Position, quotes map[string]*broker.Quote, report *TickReport) {
	log := m.logger.WithFields(logrus.Fields{"position_id": pos.ID, "strategy": pos.Strategy})
	if m.isInFlight(pos.ID) {
		m.skip(report, log, pos.ID, SkipExitInFlight, "")
		return
	}

	policy := m.policyFor(pos.Strategy, log)

	for _, l := range pos.Legs {
		if _, err := m.quote(ctx, l.Symbol, quotes); err != nil {
			m.skip(report, log, pos.ID, SkipMissingQuote, err.Error())
			return
		}
	}
	valuation, err := exits.Value(pos, quotes)
	if err != nil {
		m.skip(report, log, pos.ID, SkipMissingQuote, err.Error())
		return
	}

	in := exits.Input{
		Position:  pos,
		Valuation: valuation,
		Now:       m.now(),
		Location:  m.config.Location,
	}
	if policy.NeedsUnderlying() {
		// Without the underlying only the breach rule is blind; the others still run.
		q, err := m.quote(ctx, pos.Underlying, quotes)
		if err != nil || !q.Price().IsPositive() {
			log.WithError(err).WithField("underlying", pos.Underlying).Warn("No underlying price, breach check skipped")
		} else {
			in.Underlying = decimal.NewNullDecimal(q.Price())
		}
	}

	mark := storage.Mark{CurrentPrice: valuation.CostToClose, UnrealizedPnL: valuation.UnrealizedPnL, At: in.Now}
	if err := m.store.UpdateMarks(ctx, pos.ID, mark); err != nil && !errors.Is(err, storage.ErrPositionNotOpen) {
		log.WithError(err).Warn("Failed to persist marks")
	}
	report.Marks = append(report.Marks, PositionMark{
		PositionID:    pos.ID,
		Strategy:      pos.Strategy,
		CostToClose:   valuation.CostToClose,
		UnrealizedPnL: valuation.UnrealizedPnL,
	})

	decision := policy.Evaluate(in)
	if !decision.Exit {
		log.WithFields(logrus.Fields{
			"cost_to_close":  valuation.CostToClose.StringFixed(2),
			"unrealized_pnl": valuation.UnrealizedPnL.StringFixed(2),
		}).Debug("No exit conditions met")
		return
	}

	ExitSignalsTotal.WithLabelValues(string(decision.Reason), pos.Strategy).Inc()
	log.WithFields(logrus.Fields{"reason": decision.Reason, "detail": decision.Detail}).Info("Exit signal")
	signal := ExitSignal{PositionID: pos.ID, Strategy: pos.Strategy, Reason: decision.Reason, Detail: decision.Detail}
	signal.Dispatched = m.dispatch(ctx, pos.ID, decision, log)
	if !signal.Dispatched {
		m.skip(report, log, pos.ID, SkipExitCapacity, string(decision.Reason))
	}
	report.Exits = append(report.Exits, signal)
}

func (m *Monitor) policyFor(name string, log logrus.FieldLogger) exits.Policy {
	if m.policies == nil {
		return strategy.FallbackPolicy()
	}
	p, err := m.policies.Policy(name)
	if err != nil {
		log.WithError(err).Debug("Using fallback exit policy")
		return strategy.FallbackPolicy()
	}
	return p
}

// quote reads through the per-tick map so legs shared between positions are
// fetched once.
func (m *Monitor) quote(ctx context.Context, symbol string, seen map[string]*broker.Quote) (*broker.Quote, error) {
	if q, ok := seen[symbol]; ok {
		return q, nil
	}
	q, err := retry.Do(ctx, m.config.Retry, m.logger, "quote "+symbol, func(ctx context.Context) (*broker.Quote, error) {
		return m.quotes.GetLatestQuote(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	seen[symbol] = q
	return q, nil
}

func (m *Monitor) isInFlight(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[id]
	return ok
}

func (m *Monitor) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[id]; ok {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Monitor) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
}

// dispatch starts the unwind without blocking the tick. It reports false when
// every exit slot is busy.
func (m *Monitor) dispatch(ctx context.Context, id string, decision exits.Decision, log logrus.FieldLogger) bool {
	if !m.claim(id) {
		return false
	}
	// A started unwind runs to completion; shutdown waits for it in Run.
	ctx = context.WithoutCancel(ctx)
	ok := m.exits.TryGo(func() error {
		defer m.release(id)
		res, err := m.unwinder.Unwind(ctx, id, decision.Reason, decision.Detail)
		if err != nil {
			log.WithError(err).Error("Unwind failed")
			return nil
		}
		switch {
		case res.Success:
			log.WithField("realized_pnl", res.RealizedPnL.StringFixed(2)).Info("Position closed")
		case res.AlreadyClosed, res.InProgress:
			log.WithField("reason", res.Reason).Info("Position already handled")
		default:
			log.WithFields(logrus.Fields{"reason": res.Reason, "critical": res.Critical}).Warn("Unwind did not complete, retrying next tick")
		}
		if m.publisher != nil {
			m.publisher.Publish(TopicExit, res)
		}
		return nil
	})
	if !ok {
		m.release(id)
	}
	return ok
}
