// Package mock provides an in-process paper broker with simulated market data.
package mock

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/greeks"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/occ"
	"github.com/eddiefleurent/trade_oracle/internal/util"
	"github.com/shopspring/decimal"
)

// ErrUnknownOrder is returned for order ids the paper broker never issued.
var ErrUnknownOrder = errors.New("unknown order")

var (
	halfSpread = decimal.RequireFromString("0.05")
	minPrice   = decimal.RequireFromString("0.01")
	tick       = decimal.RequireFromString("0.01")
)

// Behavior scripts how orders for one option symbol respond.
type Behavior struct {
	SubmitErr      error
	CancelErr      error
	MarketErr      error              // returned by SubmitMarketOrder
	Status         models.OrderStatus // reported once the order settles; default filled
	FillPrice      decimal.Decimal    // default: the limit price, or the mid for market orders
	FilledQuantity int                // for partial fills
	PendingPolls   int                // status calls that report pending before settling
}

type paperOrder struct {
	req      broker.OrderRequest
	market   bool
	behavior Behavior
	polls    int
	canceled bool
}

// PaperBroker implements broker.Broker entirely in memory.
type PaperBroker struct {
	mu          sync.Mutex
	underlyings map[string]float64
	quotes      map[string]broker.Quote
	behaviors   map[string]Behavior
	orders      map[string]*paperOrder
	submitted   []broker.OrderRequest
	canceled    []string
	nextID      int
	equity      decimal.Decimal
	vol         float64
	walk        bool
	now         func() time.Time
}

var _ broker.Broker = (*PaperBroker)(nil)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// NewPaperBroker creates a paper broker with the given account equity. Prices
// follow a small random walk unless Freeze is called.
func NewPaperBroker(equity decimal.Decimal) *PaperBroker {
	return &PaperBroker{
		underlyings: map[string]float64{"SPY": 450.0 + secureFloat64()*10},
		quotes:      make(map[string]broker.Quote),
		behaviors:   make(map[string]Behavior),
		orders:      make(map[string]*paperOrder),
		equity:      equity,
		vol:         0.12 + secureFloat64()*0.18,
		walk:        true,
		now:         time.Now,
	}
}

// Freeze disables the random walk so quotes are deterministic.
func (p *PaperBroker) Freeze() *PaperBroker {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.walk = false
	return p
}

// SetClock overrides the time source used for expirations.
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetVolatility sets the implied volatility used to price simulated options.
func (p *PaperBroker) SetVolatility(vol float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vol = vol
}

// SetUnderlying sets the spot price of an underlying.
func (p *PaperBroker) SetUnderlying(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.underlyings[symbol] = price
}

// SetQuote pins the quote returned for symbol.
func (p *PaperBroker) SetQuote(symbol string, bid, ask decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = broker.Quote{Symbol: symbol, Bid: bid, Ask: ask, Last: util.Mid(bid, ask), Timestamp: p.now()}
}

// ClearQuote removes a pinned quote; option symbols then fall back to the model price.
func (p *PaperBroker) ClearQuote(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.quotes, symbol)
}

// SetBehavior scripts order handling for symbol.
func (p *PaperBroker) SetBehavior(symbol string, b Behavior) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behaviors[symbol] = b
}

// SetEquity sets the reported account equity.
func (p *PaperBroker) SetEquity(e decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.equity = e
}

// Submitted returns every order request accepted so far, in order.
func (p *PaperBroker) Submitted() []broker.OrderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.OrderRequest(nil), p.submitted...)
}

// Canceled returns the ids of canceled orders.
func (p *PaperBroker) Canceled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.canceled...)
}

func (p *PaperBroker) submit(req broker.OrderRequest, market bool) (string, error) {
	if err := req.Validate(!market); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.behaviors[req.Symbol]
	if market && b.MarketErr != nil {
		return "", b.MarketErr
	}
	if !market && b.SubmitErr != nil {
		return "", b.SubmitErr
	}
	if market {
		// Market orders always fill; scripted limit-order outcomes do not apply.
		b = Behavior{FillPrice: b.FillPrice}
	}
	p.nextID++
	id := "paper-" + strconv.Itoa(p.nextID)
	p.orders[id] = &paperOrder{req: req, market: market, behavior: b}
	p.submitted = append(p.submitted, req)
	return id, nil
}

// SubmitLimitOrder accepts a limit order.
func (p *PaperBroker) SubmitLimitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.submit(req, false)
}

// SubmitMarketOrder accepts a market order.
func (p *PaperBroker) SubmitMarketOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.submit(req, true)
}

// GetOrderStatus reports the scripted outcome.
func (p *PaperBroker) GetOrderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	st := &broker.OrderStatus{ID: orderID, Quantity: o.req.Quantity}

	b := o.behavior
	settled := o.polls >= b.PendingPolls
	o.polls++

	switch {
	case o.canceled && b.FilledQuantity > 0 && b.Status == models.OrderPartiallyFilled:
		st.Status = models.OrderCanceled
		st.FilledQuantity = b.FilledQuantity
		st.AvgFillPrice = p.fillPrice(o)
	case o.canceled:
		st.Status = models.OrderCanceled
	case !settled:
		st.Status = models.OrderPending
	case b.Status == "" || b.Status == models.OrderFilled:
		st.Status = models.OrderFilled
		st.FilledQuantity = o.req.Quantity
		st.AvgFillPrice = p.fillPrice(o)
	case b.Status == models.OrderPartiallyFilled:
		st.Status = models.OrderPartiallyFilled
		st.FilledQuantity = b.FilledQuantity
		st.AvgFillPrice = p.fillPrice(o)
	default:
		st.Status = b.Status
	}
	return st, nil
}

func (p *PaperBroker) fillPrice(o *paperOrder) decimal.Decimal {
	if !o.behavior.FillPrice.IsZero() {
		return o.behavior.FillPrice
	}
	if !o.market {
		return o.req.LimitPrice
	}
	q, err := p.quoteLocked(o.req.Symbol)
	if err != nil {
		return decimal.Zero
	}
	return q.Mid()
}

// CancelOrder cancels a working order. Filled orders stay filled.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.behavior.CancelErr != nil {
		return o.behavior.CancelErr
	}
	settledFilled := o.polls > o.behavior.PendingPolls &&
		(o.behavior.Status == "" || o.behavior.Status == models.OrderFilled)
	if !settledFilled {
		o.canceled = true
	}
	p.canceled = append(p.canceled, orderID)
	return nil
}

// GetLatestQuote returns a pinned quote, a modeled option quote, or a walked
// underlying quote.
func (p *PaperBroker) GetLatestQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	q, err := p.quoteLocked(symbol)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (p *PaperBroker) quoteLocked(symbol string) (broker.Quote, error) {
	if q, ok := p.quotes[symbol]; ok {
		return q, nil
	}
	if parsed, err := occ.Parse(symbol); err == nil {
		spot, ok := p.underlyings[parsed.Underlying]
		if !ok {
			return broker.Quote{}, fmt.Errorf("no quote data returned for %s", symbol)
		}
		price := p.modelPrice(parsed, spot)
		bid := decimal.Max(price.Sub(halfSpread), decimal.Zero)
		ask := decimal.Max(price.Add(halfSpread), minPrice)
		return broker.Quote{Symbol: symbol, Bid: bid, Ask: ask, Last: price, Timestamp: p.now()}, nil
	}

	spot, ok := p.underlyings[symbol]
	if !ok {
		return broker.Quote{}, fmt.Errorf("no quote data returned for %s", symbol)
	}
	if p.walk {
		spot += (secureFloat64() - 0.5) * 2
		p.underlyings[symbol] = spot
	}
	last := decimal.NewFromFloat(spot).Round(2)
	return broker.Quote{
		Symbol:    symbol,
		Bid:       last.Sub(tick),
		Ask:       last.Add(tick),
		Last:      last,
		Timestamp: p.now(),
	}, nil
}

func (p *PaperBroker) inputs(s occ.Symbol, spot float64) greeks.Inputs {
	days := s.Expiration.Sub(p.now()).Hours() / 24
	return greeks.Inputs{
		Type:       s.Type,
		Spot:       spot,
		Strike:     s.Strike.InexactFloat64(),
		Years:      greeks.YearsUntil(math.Max(days, 0)),
		Volatility: p.vol,
		Rate:       greeks.DefaultRiskFreeRate,
	}
}

func (p *PaperBroker) modelPrice(s occ.Symbol, spot float64) decimal.Decimal {
	price := greeks.Price(p.inputs(s, spot))
	return decimal.Max(util.RoundToTick(decimal.NewFromFloat(price), tick), minPrice)
}

// GetOptionChain generates strikes around spot at $1 intervals with model Greeks.
func (p *PaperBroker) GetOptionChain(ctx context.Context, underlying string, expiration time.Time) ([]broker.ChainEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	spot, ok := p.underlyings[underlying]
	if !ok {
		return nil, fmt.Errorf("unknown underlying %s", underlying)
	}
	exp := time.Date(expiration.Year(), expiration.Month(), expiration.Day(), 0, 0, 0, 0, time.UTC)
	center := math.Round(spot)

	var chain []broker.ChainEntry
	for _, typ := range []models.OptionType{models.OptionCall, models.OptionPut} {
		for k := center - 30; k <= center+30; k++ {
			strike := decimal.NewFromFloat(k)
			sym, err := occ.Format(underlying, exp, typ, strike)
			if err != nil {
				return nil, err
			}
			parsed := occ.Symbol{Underlying: underlying, Expiration: exp, Type: typ, Strike: strike}
			g := greeks.Compute(p.inputs(parsed, spot))

			entry := broker.ChainEntry{
				Symbol:     sym,
				Underlying: underlying,
				Type:       typ,
				Strike:     strike,
				Expiration: exp,
				Greeks:     &broker.Greeks{Delta: g.Delta, Gamma: g.Gamma, Theta: g.Theta, Vega: g.Vega, IV: p.vol},
			}
			if q, ok := p.quotes[sym]; ok {
				entry.Bid, entry.Ask = q.Bid, q.Ask
			} else {
				price := p.modelPrice(parsed, spot)
				entry.Bid = decimal.Max(price.Sub(halfSpread), decimal.Zero)
				entry.Ask = decimal.Max(price.Add(halfSpread), minPrice)
			}
			chain = append(chain, entry)
		}
	}
	return chain, nil
}

// GetAccountEquity returns the configured equity.
func (p *PaperBroker) GetAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity, nil
}
