package app

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/monitor"
	"golang.org/x/sync/errgroup"
)

// LiveConfirmWait is how long Serve pauses before trading real money.
var LiveConfirmWait = 10 * time.Second

// Serve runs the API, the websocket hub and the position monitor until ctx is
// canceled or one of them fails. With schedule.auto_trade on, the entry
// scheduler runs alongside them.
func (a *App) Serve(ctx context.Context) error {
	if err := a.confirmMode(ctx); err != nil {
		return err
	}
	if err := a.checkBroker(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Hub.Run(ctx) })
	g.Go(func() error { return a.Monitor.Run(ctx) })
	g.Go(func() error { return a.Server.Start(ctx) })
	if a.Config.Schedule.AutoTrade {
		g.Go(func() error { return a.Trader.Run(ctx) })
	}

	err := g.Wait()
	a.Logger.Info("Trade oracle stopped")
	return err
}

// RunMonitor runs only the position monitor. Ticks are still published to the
// hub, which has no clients in this mode.
func (a *App) RunMonitor(ctx context.Context) error {
	if err := a.confirmMode(ctx); err != nil {
		return err
	}
	if err := a.checkBroker(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Hub.Run(ctx) })
	g.Go(func() error { return a.Monitor.Run(ctx) })
	return g.Wait()
}

// TickOnce runs a single monitor pass and waits for any exits it dispatched.
func (a *App) TickOnce(ctx context.Context) monitor.TickReport {
	report := a.Monitor.Tick(ctx)
	a.Monitor.Wait()
	return report
}

// RunTrader runs only the entry scheduler, regardless of schedule.auto_trade.
func (a *App) RunTrader(ctx context.Context) error {
	if err := a.confirmMode(ctx); err != nil {
		return err
	}
	if err := a.checkBroker(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Hub.Run(ctx) })
	g.Go(func() error { return a.Trader.Run(ctx) })
	return g.Wait()
}

// TradeOnce runs a single entry cycle without the API or the monitor.
func (a *App) TradeOnce(ctx context.Context) (CycleReport, error) {
	if err := a.confirmMode(ctx); err != nil {
		return CycleReport{}, err
	}
	if err := a.checkBroker(ctx); err != nil {
		return CycleReport{}, err
	}
	return a.Trader.Cycle(ctx), nil
}

func (a *App) confirmMode(ctx context.Context) error {
	if a.Config.IsPaperTrading() {
		a.Logger.Info("PAPER TRADING MODE - no real money at risk")
		return nil
	}
	a.Logger.WithField("wait", LiveConfirmWait).Warn("LIVE TRADING MODE - real money at risk, waiting to confirm")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(LiveConfirmWait):
		return nil
	}
}

func (a *App) checkBroker(ctx context.Context) error {
	equity, err := a.Broker.GetAccountEquity(ctx)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	a.Logger.WithField("equity", equity.StringFixed(2)).Info("Connected to broker")
	return nil
}
