// Package execution submits option legs to the broker as one atomic unit and
// unwinds open positions. A multi-leg trade either ends fully filled and
// persisted, or every filled leg is flattened and nothing is persisted.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/alert"
	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/lock"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotApproved is returned when Execute is called without a positive approval.
	ErrNotApproved = errors.New("trade not approved")
	// ErrInvalidTrade wraps validation failures of the submitted trade.
	ErrInvalidTrade = errors.New("invalid trade")
)

var minClosePrice = decimal.RequireFromString("0.01")

// Config contains configuration for the execution engine.
type Config struct {
	// SubmitDelay spaces leg submissions to stay under broker rate limits.
	SubmitDelay time.Duration
	// PollInterval and FillTimeout bound the wait for every leg to settle.
	PollInterval time.Duration
	FillTimeout  time.Duration
	// CallTimeout bounds each individual broker call.
	CallTimeout time.Duration
	// FlattenTimeout bounds the wait for cancels and flatten fills during rollback.
	FlattenTimeout time.Duration
	// LockTTL bounds how long one unwind may hold a position's lock.
	LockTTL               time.Duration
	CommissionPerContract decimal.Decimal
	// Location is the exchange time zone used to date risk-state updates.
	Location *time.Location
}

// DefaultConfig is the default configuration for the execution engine.
var DefaultConfig = Config{
	SubmitDelay:           250 * time.Millisecond,
	PollInterval:          time.Second,
	FillTimeout:           30 * time.Second,
	CallTimeout:           5 * time.Second,
	FlattenTimeout:        15 * time.Second,
	LockTTL:               2 * time.Minute,
	CommissionPerContract: decimal.RequireFromString("0.65"),
}

func (c Config) sanitized() Config {
	if c.SubmitDelay < 0 {
		c.SubmitDelay = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = DefaultConfig.FillTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultConfig.CallTimeout
	}
	if c.FlattenTimeout <= 0 {
		c.FlattenTimeout = DefaultConfig.FlattenTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultConfig.LockTTL
	}
	if c.CommissionPerContract.IsNegative() {
		c.CommissionPerContract = decimal.Zero
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Result is the outcome of opening a trade.
type Result struct {
	Success    bool             `json:"success"`
	Position   *models.Position `json:"position,omitempty"`
	Orders     []models.Order   `json:"orders"`
	Reason     string           `json:"reason"`
	RolledBack bool             `json:"rolled_back"`
	// Critical is set when rollback could not flatten every fill. Failures
	// lists the steps a human has to resolve at the broker.
	Critical bool     `json:"critical"`
	Failures []string `json:"failures,omitempty"`
}

// CloseResult is the outcome of unwinding a position.
type CloseResult struct {
	Success       bool             `json:"success"`
	AlreadyClosed bool             `json:"already_closed"`
	InProgress    bool             `json:"in_progress"`
	Position      *models.Position `json:"position,omitempty"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	Orders        []models.Order   `json:"orders"`
	Reason        string           `json:"reason"`
	RolledBack    bool             `json:"rolled_back"`
	Critical      bool             `json:"critical"`
	Failures      []string         `json:"failures,omitempty"`
}

// Engine handles order submission, fill confirmation and rollback.
type Engine struct {
	broker   broker.Broker
	store    storage.Store
	locker   lock.Locker
	notifier alert.Notifier
	logger   logrus.FieldLogger
	config   Config
	now      func() time.Time
	inflight singleflight.Group
}

// NewEngine creates a new execution engine. A nil locker uses an in-process
// lock and a nil notifier logs alerts.
func NewEngine(
	b broker.Broker,
	store storage.Store,
	locker lock.Locker,
	notifier alert.Notifier,
	logger logrus.FieldLogger,
	config ...Config,
) *Engine {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if b == nil {
		panic("execution.NewEngine: broker must not be nil")
	}
	if store == nil {
		panic("execution.NewEngine: store must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if notifier == nil {
		notifier = alert.NewLogNotifier(logger)
	}
	return &Engine{
		broker:   b,
		store:    store,
		locker:   locker,
		notifier: notifier,
		logger:   logger.WithField("component", "execution"),
		config:   cfg.sanitized(),
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

func kindOf(legs int) string {
	if legs > 1 {
		return "multi_leg"
	}
	return "single"
}

// Execute submits every leg of an approved trade. A Position is created only
// after all legs are confirmed filled; any other outcome rolls back.
// The returned error is reserved for requests that never reached the broker.
func (e *Engine) Execute(ctx context.Context, trade models.CandidateTrade, approval models.Approval) (*Result, error) {
	if !approval.Approved || approval.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotApproved, approval.Reason)
	}
	if err := trade.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	for _, l := range trade.Legs {
		if !l.LimitPrice.IsPositive() {
			return nil, fmt.Errorf("%w: leg %s needs a positive limit price", ErrInvalidTrade, l.Symbol)
		}
	}

	kind := kindOf(len(trade.Legs))
	start := e.now()
	defer func() { ExecutionDuration.WithLabelValues(kind).Observe(e.now().Sub(start).Seconds()) }()

	tag := uuid.NewString()
	log := e.logger.WithFields(logrus.Fields{
		"strategy": trade.Strategy, "underlying": trade.Underlying, "tag": tag,
		"legs": len(trade.Legs), "quantity": approval.Quantity,
	})
	log.Info("Submitting trade")

	legs := trade.ScaledLegs(approval.Quantity)
	prices := make([]decimal.Decimal, len(legs))
	for i, l := range legs {
		prices[i] = l.LimitPrice
	}

	orders, err := e.submitAll(ctx, legs, models.IntentOpen, prices, tag, log)
	if err != nil {
		return e.abortOpen(ctx, kind, orders, fmt.Sprintf("submission failed: %v", err), log), nil
	}
	if !e.awaitFills(ctx, orders, e.config.FillTimeout, log) {
		return e.abortOpen(ctx, kind, orders, describeUnfilled(orders), log), nil
	}

	pos, entry := e.buildPosition(trade, approval, legs, orders)
	if err := e.store.CreatePosition(context.WithoutCancel(ctx), pos, entry); err != nil {
		log.WithError(err).Error("All legs filled but the position could not be persisted; flattening")
		return e.abortOpen(ctx, kind, orders, fmt.Sprintf("persisting position failed: %v", err), log), nil
	}

	ExecutionsTotal.WithLabelValues(kind, "filled").Inc()
	log.WithFields(logrus.Fields{
		"position_id":  pos.ID,
		"entry_credit": pos.EntryCredit.StringFixed(2),
		"commission":   pos.EntryCommission.StringFixed(2),
	}).Info("Position opened")
	return &Result{
		Success:  true,
		Position: pos,
		Orders:   snapshot(orders),
		Reason:   fmt.Sprintf("all %d legs filled; net %s", len(orders), pos.EntryCredit.StringFixed(2)),
	}, nil
}

// abortOpen rolls back a failed open and builds the failure result.
func (e *Engine) abortOpen(ctx context.Context, kind string, orders []*models.Order, reason string, log logrus.FieldLogger) *Result {
	log.WithField("reason", reason).Warn("Execution failed, rolling back")
	RollbacksTotal.WithLabelValues("open").Inc()
	failures := e.rollback(ctx, orders, models.IntentClose, log)
	res := &Result{
		Orders:     snapshot(orders),
		Reason:     reason,
		RolledBack: true,
		Failures:   failures,
	}
	if len(failures) > 0 {
		res.Critical = true
		res.Reason = reason + "; rollback incomplete"
		e.critical(ctx, "Rollback failed after aborted entry", failures, log)
		ExecutionsTotal.WithLabelValues(kind, "critical").Inc()
	} else {
		ExecutionsTotal.WithLabelValues(kind, "rolled_back").Inc()
	}
	return res
}

func (e *Engine) buildPosition(trade models.CandidateTrade, approval models.Approval, legs []models.Leg, orders []*models.Order) (*models.Position, *models.TradeRecord) {
	now := e.now().UTC()
	pos := &models.Position{
		ID:           uuid.NewString(),
		Strategy:     trade.Strategy,
		Underlying:   trade.Underlying,
		Legs:         make([]models.Leg, len(legs)),
		EntryTradeID: uuid.NewString(),
		Status:       models.PositionOpen,
		OpenedAt:     now,
	}
	entry := &models.TradeRecord{
		ID:         pos.EntryTradeID,
		PositionID: pos.ID,
		Kind:       models.TradeEntry,
		Strategy:   trade.Strategy,
		Underlying: trade.Underlying,
		Reason:     trade.Reasoning,
		Timestamp:  now,
	}

	contracts := 0
	for i, l := range legs {
		o := orders[i]
		l.FillPrice = decimal.NewNullDecimal(o.FillPrice)
		l.OrderID = o.ID
		pos.Legs[i] = l
		pos.EntryCredit = pos.EntryCredit.Add(l.CashFlow(o.FillPrice))
		contracts += l.Quantity

		fill := models.LegFill{
			Symbol: l.Symbol, Side: l.Side, Quantity: l.Quantity,
			ExpectedPrice: l.LimitPrice, FillPrice: o.FillPrice, OrderID: o.ID,
		}
		entry.Fills = append(entry.Fills, fill)
		entry.Slippage = entry.Slippage.Add(fill.AdverseCost())
	}
	pos.EntryCommission = e.commission(contracts)
	pos.MaxLoss = approval.MaxLoss
	if !pos.MaxLoss.IsPositive() {
		pos.MaxLoss = trade.MaxLoss(approval.Quantity)
	}
	pos.CurrentPrice = pos.EntryCredit
	entry.EntryPrice = pos.EntryCredit
	entry.Commission = pos.EntryCommission
	return pos, entry
}

func (e *Engine) commission(contracts int) decimal.Decimal {
	return e.config.CommissionPerContract.Mul(decimal.NewFromInt(int64(contracts)))
}

// Unwind closes every leg of an open position and records the exit. Closing an
// already closed position is a no-op. Concurrent unwinds of one position
// collapse into a single attempt.
func (e *Engine) Unwind(ctx context.Context, positionID string, reason models.ExitReason, detail string) (*CloseResult, error) {
	if positionID == "" {
		return nil, fmt.Errorf("position id is required")
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("invalid exit reason %q", reason)
	}
	v, err, _ := e.inflight.Do(positionID, func() (interface{}, error) {
		return e.unwind(ctx, positionID, reason, detail)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CloseResult), nil
}

func (e *Engine) unwind(ctx context.Context, positionID string, reason models.ExitReason, detail string) (*CloseResult, error) {
	log := e.logger.WithFields(logrus.Fields{"position_id": positionID, "reason": reason})

	unlock, err := e.locker.Acquire(ctx, "unwind:"+positionID, e.config.LockTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		log.Info("Unwind already in progress elsewhere")
		return &CloseResult{InProgress: true, Reason: "unwind already in progress"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring unwind lock: %w", err)
	}
	defer unlock()

	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("loading position %s: %w", positionID, err)
	}
	if !pos.IsOpen() {
		log.Info("Position already closed; nothing to unwind")
		return &CloseResult{
			AlreadyClosed: true,
			Position:      pos,
			RealizedPnL:   pos.RealizedPnL.Decimal,
			Reason:        "position already closed",
		}, nil
	}
	log = log.WithField("strategy", pos.Strategy)

	start := e.now()
	defer func() { ExecutionDuration.WithLabelValues("unwind").Observe(e.now().Sub(start).Seconds()) }()

	prices, err := e.closePrices(ctx, pos)
	if err != nil {
		log.WithError(err).Warn("Cannot price closing orders; position left open")
		ExecutionsTotal.WithLabelValues("unwind", "no_quote").Inc()
		return &CloseResult{Position: pos, Reason: err.Error()}, nil
	}

	tag := uuid.NewString()
	log = log.WithField("tag", tag)
	log.WithField("detail", detail).Info("Unwinding position")

	orders, err := e.submitAll(ctx, pos.Legs, models.IntentClose, prices, tag, log)
	if err != nil {
		return e.abortUnwind(ctx, pos, orders, fmt.Sprintf("closing submission failed: %v", err), log), nil
	}
	if !e.awaitFills(ctx, orders, e.config.FillTimeout, log) {
		return e.abortUnwind(ctx, pos, orders, describeUnfilled(orders), log), nil
	}

	req, pnl := e.buildClose(pos, orders, reason, detail)
	closed, err := e.store.ClosePosition(context.WithoutCancel(ctx), req)
	if err != nil || !closed {
		msg := "position closed by another writer while its legs were being unwound"
		if err != nil {
			msg = fmt.Sprintf("legs flattened at broker but close was not persisted: %v", err)
		}
		failures := []string{msg}
		e.critical(ctx, "Unwind not recorded", failures, log)
		ExecutionsTotal.WithLabelValues("unwind", "critical").Inc()
		return &CloseResult{
			Position: pos, Orders: snapshot(orders), RealizedPnL: pnl,
			Reason: msg, Critical: true, Failures: failures,
		}, nil
	}

	storage.ApplyClose(pos, req)
	ExecutionsTotal.WithLabelValues("unwind", "filled").Inc()
	ExitsTotal.WithLabelValues(string(reason), pos.Strategy).Inc()
	RealizedPnL.Add(pnl.InexactFloat64())
	log.WithField("realized_pnl", pnl.StringFixed(2)).Info("Position closed")
	return &CloseResult{
		Success:     true,
		Position:    pos,
		RealizedPnL: pnl,
		Orders:      snapshot(orders),
		Reason:      fmt.Sprintf("closed on %s; realized %s", reason, pnl.StringFixed(2)),
	}, nil
}

// closePrices prices each closing order on the marketable side of the book:
// buys at the ask, sells at the bid.
func (e *Engine) closePrices(ctx context.Context, pos *models.Position) ([]decimal.Decimal, error) {
	prices := make([]decimal.Decimal, len(pos.Legs))
	for i, l := range pos.Legs {
		callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
		q, err := e.broker.GetLatestQuote(callCtx, l.Symbol)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("quote for %s unavailable: %w", l.Symbol, err)
		}
		if !q.Valid() {
			return nil, fmt.Errorf("quote for %s unusable: bid %s ask %s", l.Symbol, q.Bid, q.Ask)
		}
		p := q.Ask
		if l.Side.Opposite() == models.SideSell {
			p = decimal.Max(q.Bid, minClosePrice)
		}
		prices[i] = p
	}
	return prices, nil
}

// buildClose computes realized P&L as entry credit plus closing cash flows
// minus entry and exit commissions.
func (e *Engine) buildClose(pos *models.Position, orders []*models.Order, reason models.ExitReason, detail string) (storage.CloseRequest, decimal.Decimal) {
	now := e.now()
	exitFlow := decimal.Zero
	contracts := 0
	trade := &models.TradeRecord{
		ID:             uuid.NewString(),
		PositionID:     pos.ID,
		OpeningTradeID: pos.EntryTradeID,
		Kind:           models.TradeExit,
		Strategy:       pos.Strategy,
		Underlying:     pos.Underlying,
		EntryPrice:     pos.EntryCredit,
		Timestamp:      now.UTC(),
	}
	for i, l := range pos.Legs {
		o := orders[i]
		closing := l
		closing.Side = l.Side.Opposite()
		exitFlow = exitFlow.Add(closing.CashFlow(o.FillPrice))
		contracts += l.Quantity

		fill := models.LegFill{
			Symbol: l.Symbol, Side: closing.Side, Quantity: l.Quantity,
			ExpectedPrice: o.LimitPrice, FillPrice: o.FillPrice, OrderID: o.ID,
		}
		trade.Fills = append(trade.Fills, fill)
		trade.Slippage = trade.Slippage.Add(fill.AdverseCost())
	}
	exitCommission := e.commission(contracts)
	pnl := pos.EntryCredit.Add(exitFlow).Sub(pos.EntryCommission).Sub(exitCommission)

	trade.ExitPrice = decimal.NewNullDecimal(exitFlow.Neg())
	trade.Commission = exitCommission
	trade.PnL = decimal.NewNullDecimal(pnl)
	trade.Reason = string(reason)
	if detail != "" {
		trade.Reason += ": " + detail
	}

	return storage.CloseRequest{
		PositionID:  pos.ID,
		Reason:      reason,
		Detail:      detail,
		RealizedPnL: pnl,
		ClosedAt:    now.UTC(),
		Day:         models.TradingDay(now, e.config.Location),
		Trade:       trade,
	}, pnl
}

// abortUnwind restores the position to fully open: pending closing orders are
// canceled and any filled closing leg is re-opened at market.
func (e *Engine) abortUnwind(ctx context.Context, pos *models.Position, orders []*models.Order, reason string, log logrus.FieldLogger) *CloseResult {
	log.WithField("reason", reason).Warn("Unwind failed, restoring position")
	RollbacksTotal.WithLabelValues("unwind").Inc()
	failures := e.rollback(ctx, orders, models.IntentOpen, log)
	res := &CloseResult{
		Position:   pos,
		Orders:     snapshot(orders),
		Reason:     reason + "; position remains open",
		RolledBack: true,
		Failures:   failures,
	}
	if len(failures) > 0 {
		res.Critical = true
		res.Reason = reason + "; restoring legs failed, broker position differs from record"
		e.critical(ctx, "Rollback failed after aborted unwind", failures, log)
		ExecutionsTotal.WithLabelValues("unwind", "critical").Inc()
	} else {
		ExecutionsTotal.WithLabelValues("unwind", "rolled_back").Inc()
	}
	return res
}

// critical escalates a state the engine cannot heal on its own.
func (e *Engine) critical(ctx context.Context, title string, failures []string, log logrus.FieldLogger) {
	CriticalFailuresTotal.Inc()
	msg := strings.Join(failures, "; ")
	log.WithFields(logrus.Fields{"severity": "CRITICAL", "failures": msg}).
		Error(title + ": manual intervention required")
	if err := e.notifier.Notify(context.WithoutCancel(ctx), alert.Alert{
		Level:   alert.Critical,
		Title:   title,
		Message: msg,
	}); err != nil {
		log.WithError(err).Error("Failed to deliver critical alert")
	}
}

func snapshot(orders []*models.Order) []models.Order {
	out := make([]models.Order, len(orders))
	for i, o := range orders {
		out[i] = *o
	}
	return out
}

func describeUnfilled(orders []*models.Order) string {
	var parts []string
	for _, o := range orders {
		if o.Status == models.OrderFilled {
			continue
		}
		status := string(o.Status)
		if !o.Status.IsTerminal() {
			status += " at timeout"
		}
		parts = append(parts, fmt.Sprintf("%s %s", o.Symbol, status))
	}
	return "legs not filled: " + strings.Join(parts, ", ")
}
