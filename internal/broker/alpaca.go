package broker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/occ"
	"github.com/shopspring/decimal"
)

// alpacaTrading is the subset of *alpaca.Client used here.
type alpacaTrading interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetAccount() (*alpaca.Account, error)
}

// alpacaMarketData is the subset of *marketdata.Client used here.
type alpacaMarketData interface {
	GetLatestQuote(symbol string, req marketdata.GetLatestQuoteRequest) (*marketdata.Quote, error)
	GetLatestOptionQuotes(symbols []string, req marketdata.GetLatestOptionQuoteRequest) (map[string]marketdata.OptionQuote, error)
	GetOptionChain(underlyingSymbol string, req marketdata.GetOptionChainRequest) (map[string]marketdata.OptionSnapshot, error)
}

// AlpacaConfig holds Alpaca credentials and endpoints.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string // trading API, paper-api.alpaca.markets for paper accounts
	DataURL   string
}

// AlpacaClient implements Broker on Alpaca's trading and market data APIs.
type AlpacaClient struct {
	trading alpacaTrading
	data    alpacaMarketData
}

var _ Broker = (*AlpacaClient)(nil)

// NewAlpacaClient creates a client from credentials.
func NewAlpacaClient(cfg AlpacaConfig) *AlpacaClient {
	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
	dataOpts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		dataOpts.BaseURL = cfg.DataURL
	}
	return &AlpacaClient{trading: trading, data: marketdata.NewClient(dataOpts)}
}

func alpacaSide(s models.Side) alpaca.Side {
	if s == models.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func (a *AlpacaClient) place(ctx context.Context, req OrderRequest, limit bool) (string, error) {
	if err := req.Validate(limit); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	qty := decimal.NewFromInt(int64(req.Quantity))
	por := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.Tag,
	}
	if limit {
		price := req.LimitPrice.Round(2)
		por.Type = alpaca.Limit
		por.LimitPrice = &price
	}
	order, err := a.trading.PlaceOrder(por)
	if err != nil {
		return "", fmt.Errorf("alpaca place order %s: %w", req.Symbol, err)
	}
	return order.ID, nil
}

// SubmitLimitOrder places a day limit order.
func (a *AlpacaClient) SubmitLimitOrder(ctx context.Context, req OrderRequest) (string, error) {
	return a.place(ctx, req, true)
}

// SubmitMarketOrder places a day market order.
func (a *AlpacaClient) SubmitMarketOrder(ctx context.Context, req OrderRequest) (string, error) {
	return a.place(ctx, req, false)
}

// GetOrderStatus maps the Alpaca order onto OrderStatus.
func (a *AlpacaClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := a.trading.GetOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("alpaca get order %s: %w", orderID, err)
	}
	st := &OrderStatus{
		ID:             o.ID,
		RawStatus:      o.Status,
		Status:         models.ParseOrderStatus(o.Status),
		FilledQuantity: int(o.FilledQty.IntPart()),
	}
	if o.Qty != nil {
		st.Quantity = int(o.Qty.IntPart())
	}
	if o.FilledAvgPrice != nil {
		st.AvgFillPrice = *o.FilledAvgPrice
	}
	return st, nil
}

// CancelOrder cancels a working order.
func (a *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.trading.CancelOrder(orderID); err != nil {
		return fmt.Errorf("alpaca cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetLatestQuote routes option symbols to the options feed and everything else
// to the stock feed.
func (a *AlpacaClient) GetLatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if occ.IsOption(symbol) {
		quotes, err := a.data.GetLatestOptionQuotes([]string{symbol}, marketdata.GetLatestOptionQuoteRequest{})
		if err != nil {
			return nil, fmt.Errorf("alpaca option quote %s: %w", symbol, err)
		}
		q, ok := quotes[symbol]
		if !ok {
			return nil, fmt.Errorf("no quote data returned for %s", symbol)
		}
		return &Quote{
			Symbol:    symbol,
			Bid:       decimal.NewFromFloat(q.BidPrice),
			Ask:       decimal.NewFromFloat(q.AskPrice),
			Timestamp: q.Timestamp,
		}, nil
	}

	q, err := a.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, fmt.Errorf("alpaca quote %s: %w", symbol, err)
	}
	if q == nil {
		return nil, fmt.Errorf("no quote data returned for %s", symbol)
	}
	return &Quote{
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(q.BidPrice),
		Ask:       decimal.NewFromFloat(q.AskPrice),
		Timestamp: q.Timestamp,
	}, nil
}

// GetOptionChain fetches chain snapshots and keeps the requested expiration.
func (a *AlpacaClient) GetOptionChain(ctx context.Context, underlying string, expiration time.Time) ([]ChainEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snaps, err := a.data.GetOptionChain(underlying, marketdata.GetOptionChainRequest{})
	if err != nil {
		return nil, fmt.Errorf("alpaca option chain %s: %w", underlying, err)
	}
	day := expiration.Format("2006-01-02")
	chain := make([]ChainEntry, 0, len(snaps))
	for sym, snap := range snaps {
		parsed, err := occ.Parse(sym)
		if err != nil || parsed.Expiration.Format("2006-01-02") != day {
			continue
		}
		entry := ChainEntry{
			Symbol:     sym,
			Underlying: parsed.Underlying,
			Type:       parsed.Type,
			Strike:     parsed.Strike,
			Expiration: parsed.Expiration,
		}
		if snap.LatestQuote != nil {
			entry.Bid = decimal.NewFromFloat(snap.LatestQuote.BidPrice)
			entry.Ask = decimal.NewFromFloat(snap.LatestQuote.AskPrice)
		}
		if snap.Greeks != nil {
			entry.Greeks = &Greeks{
				Delta: snap.Greeks.Delta,
				Gamma: snap.Greeks.Gamma,
				Theta: snap.Greeks.Theta,
				Vega:  snap.Greeks.Vega,
				IV:    snap.ImpliedVolatility,
			}
		}
		chain = append(chain, entry)
	}
	sortChain(chain)
	return chain, nil
}

// GetAccountEquity returns account equity.
func (a *AlpacaClient) GetAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	acct, err := a.trading.GetAccount()
	if err != nil {
		return decimal.Zero, fmt.Errorf("alpaca account: %w", err)
	}
	return acct.Equity, nil
}

// sortChain orders by type then strike so map-backed chains are deterministic.
func sortChain(chain []ChainEntry) {
	sort.Slice(chain, func(i, j int) bool {
		if chain[i].Type != chain[j].Type {
			return chain[i].Type < chain[j].Type
		}
		return chain[i].Strike.LessThan(chain[j].Strike)
	})
}
