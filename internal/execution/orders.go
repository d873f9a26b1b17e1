package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// submitAll places one limit order per leg, in order. On the first submission
// error it stops and returns the orders accepted so far.
func (e *Engine) submitAll(
	ctx context.Context,
	legs []models.Leg,
	intent models.OrderIntent,
	prices []decimal.Decimal,
	tag string,
	log logrus.FieldLogger,
) ([]*models.Order, error) {
	orders := make([]*models.Order, 0, len(legs))
	for i, l := range legs {
		if i > 0 && e.config.SubmitDelay > 0 {
			if err := sleepCtx(ctx, e.config.SubmitDelay); err != nil {
				return orders, err
			}
		}
		side := l.Side
		if intent == models.IntentClose {
			side = l.Side.Opposite()
		}
		req := broker.OrderRequest{
			Symbol:     l.Symbol,
			Side:       side,
			Intent:     intent,
			Quantity:   l.Quantity,
			LimitPrice: prices[i],
			Tag:        tag,
		}

		callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
		id, err := e.broker.SubmitLimitOrder(callCtx, req)
		cancel()
		if err != nil {
			log.WithFields(logrus.Fields{"leg": i, "symbol": l.Symbol}).WithError(err).Error("Leg submission failed")
			return orders, fmt.Errorf("leg %d (%s): %w", i, l.Symbol, err)
		}
		orders = append(orders, &models.Order{
			ID:          id,
			LegIndex:    i,
			Symbol:      l.Symbol,
			Side:        side,
			Type:        models.OrderTypeLimit,
			Intent:      intent,
			Quantity:    l.Quantity,
			LimitPrice:  prices[i],
			SubmittedAt: e.now().UTC(),
			Status:      models.OrderPending,
		})
		log.WithFields(logrus.Fields{
			"leg": i, "symbol": l.Symbol, "side": side, "quantity": l.Quantity,
			"limit": prices[i].String(), "order_id": id,
		}).Info("Leg submitted")
	}
	return orders, nil
}

// awaitFills polls every non-terminal order until all are terminal or timeout
// elapses. It reports whether every order filled.
func (e *Engine) awaitFills(ctx context.Context, orders []*models.Order, timeout time.Duration, log logrus.FieldLogger) bool {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		e.pollOnce(waitCtx, orders, log)
		if allTerminal(orders) {
			return allFilled(orders)
		}
		select {
		case <-waitCtx.Done():
			log.WithField("timeout", timeout).Warn("Order polling timeout")
			return false
		case <-ticker.C:
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context, orders []*models.Order, log logrus.FieldLogger) {
	for _, o := range orders {
		if o.Status.IsTerminal() {
			continue
		}
		statusCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
		st, err := e.broker.GetOrderStatus(statusCtx, o.ID)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				log.WithField("order_id", o.ID).Debug("GetOrderStatus timeout")
				continue
			}
			log.WithField("order_id", o.ID).WithError(err).Warn("Error checking order status")
			continue
		}
		if st == nil {
			log.WithField("order_id", o.ID).Warn("Nil order status")
			continue
		}
		e.applyStatus(o, st, log)
	}
}

// applyStatus folds a broker report into the order. A report whose filled
// quantity covers the order counts as filled whatever its status string says.
func (e *Engine) applyStatus(o *models.Order, st *broker.OrderStatus, log logrus.FieldLogger) {
	next := st.Status
	filledQty := st.FilledQuantity
	if st.IsFilled() {
		next = models.OrderFilled
		filledQty = o.Quantity
	}
	if next == "" {
		next = models.OrderPending
	}
	if err := o.Transition(next); err != nil {
		log.WithFields(logrus.Fields{"order_id": o.ID, "from": o.Status, "to": next}).Warn("Ignoring unexpected order status")
		return
	}
	o.FilledQty = filledQty
	if filledQty > 0 {
		price := st.AvgFillPrice
		if !price.IsPositive() {
			log.WithField("order_id", o.ID).Warn("Fill reported without price; using limit price")
			price = o.LimitPrice
		}
		o.FillPrice = price
	}
	if o.Status.IsTerminal() {
		log.WithFields(logrus.Fields{
			"order_id": o.ID, "symbol": o.Symbol, "status": o.Status,
			"filled_qty": o.FilledQty, "fill_price": o.FillPrice.String(),
		}).Info("Order settled")
	}
}

// rollback cancels working orders and flattens every filled quantity with an
// opposite-side market order. It runs to completion regardless of the
// caller's context and returns the steps that failed. The cancel phase and
// each flatten get their own deadline.
func (e *Engine) rollback(ctx context.Context, orders []*models.Order, flattenIntent models.OrderIntent, log logrus.FieldLogger) []string {
	base := context.WithoutCancel(ctx)
	rbCtx, cancel := context.WithTimeout(base, 2*e.config.FlattenTimeout)
	defer cancel()

	var failures []string
	var canceled []*models.Order
	for _, o := range orders {
		if o.Status.IsTerminal() {
			continue
		}
		callCtx, callCancel := context.WithTimeout(rbCtx, e.config.CallTimeout)
		err := e.broker.CancelOrder(callCtx, o.ID)
		callCancel()
		l := log.WithFields(logrus.Fields{"step": "cancel", "order_id": o.ID, "symbol": o.Symbol})
		if err != nil {
			l.WithError(err).Warn("Rollback: cancel failed, checking final status")
		} else {
			l.Warn("Rollback: canceled pending order")
		}
		canceled = append(canceled, o)
	}
	if len(canceled) > 0 {
		e.awaitFills(rbCtx, canceled, e.config.FlattenTimeout, log)
		for _, o := range canceled {
			if !o.Status.IsTerminal() {
				failures = append(failures, fmt.Sprintf("order %s (%s) did not confirm cancel and may still fill", o.ID, o.Symbol))
			}
		}
	}

	for _, o := range orders {
		if o.FilledQty <= 0 {
			continue
		}
		flatCtx, flatCancel := context.WithTimeout(base, e.config.CallTimeout+e.config.FlattenTimeout)
		err := e.flatten(flatCtx, o, flattenIntent, log)
		flatCancel()
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

// flatten reverses the filled quantity of o at market and waits for the fill.
func (e *Engine) flatten(ctx context.Context, o *models.Order, intent models.OrderIntent, log logrus.FieldLogger) error {
	req := broker.OrderRequest{
		Symbol:   o.Symbol,
		Side:     o.Side.Opposite(),
		Intent:   intent,
		Quantity: o.FilledQty,
	}
	l := log.WithFields(logrus.Fields{
		"step": "flatten", "order_id": o.ID, "symbol": o.Symbol, "side": req.Side, "quantity": req.Quantity,
	})

	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	id, err := e.broker.SubmitMarketOrder(callCtx, req)
	cancel()
	if err != nil {
		l.WithError(err).Error("Rollback: flatten order rejected")
		return fmt.Errorf("flatten %s %d %s failed: %v", req.Side, req.Quantity, o.Symbol, err)
	}

	fo := &models.Order{
		ID: id, LegIndex: o.LegIndex, Symbol: o.Symbol, Side: req.Side, Type: models.OrderTypeMarket,
		Intent: intent, Quantity: req.Quantity, SubmittedAt: e.now().UTC(), Status: models.OrderPending,
	}
	if !e.awaitFills(ctx, []*models.Order{fo}, e.config.FlattenTimeout, l) {
		l.WithField("status", fo.Status).Error("Rollback: flatten order did not fill")
		return fmt.Errorf("flatten order %s for %s ended %s", id, o.Symbol, fo.Status)
	}
	l.WithFields(logrus.Fields{"flatten_order_id": id, "fill_price": fo.FillPrice.String()}).Warn("Rollback: flattened filled leg")
	return nil
}

func allTerminal(orders []*models.Order) bool {
	for _, o := range orders {
		if !o.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func allFilled(orders []*models.Order) bool {
	for _, o := range orders {
		if o.Status != models.OrderFilled {
			return false
		}
	}
	return len(orders) > 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
