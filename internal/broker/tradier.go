// Package broker provides the brokerage abstraction and its Tradier, Alpaca and
// circuit-breaker implementations.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/occ"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	tradierSandboxURL    = "https://sandbox.tradier.com/v1"
	tradierProductionURL = "https://api.tradier.com/v1"
	tradierDateLayout    = "2006-01-02"
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TradierClient talks to the Tradier brokerage REST API.
type TradierClient struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
	logger    logrus.FieldLogger
}

var _ Broker = (*TradierClient)(nil)

// TradierOption customizes a TradierClient.
type TradierOption func(*TradierClient)

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func WithHTTPClient(c *http.Client) TradierOption {
	return func(t *TradierClient) {
		if c != nil {
			t.client = c
		}
	}
}

// WithBaseURL points the client at a different API root.
func WithBaseURL(u string) TradierOption {
	return func(t *TradierClient) {
		if u != "" {
			t.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTimeout sets the HTTP client timeout duration.
func WithTimeout(d time.Duration) TradierOption {
	return func(t *TradierClient) {
		if d > 0 {
			t.client.Timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l logrus.FieldLogger) TradierOption {
	return func(t *TradierClient) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTradierClient creates a Tradier client. sandbox selects the sandbox API root
// unless WithBaseURL overrides it.
func NewTradierClient(apiKey, accountID string, sandbox bool, opts ...TradierOption) *TradierClient {
	baseURL := tradierProductionURL
	if sandbox {
		baseURL = tradierSandboxURL
	}
	t := &TradierClient{
		client:    &http.Client{Timeout: 10 * time.Second},
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		sandbox:   sandbox,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type tradierGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	MidIV float64 `json:"mid_iv"`
}

func (g *tradierGreeks) toGreeks() *Greeks {
	if g == nil {
		return nil
	}
	return &Greeks{Delta: g.Delta, Gamma: g.Gamma, Theta: g.Theta, Vega: g.Vega, IV: g.MidIV}
}

type tradierOption struct {
	Greeks         *tradierGreeks  `json:"greeks,omitempty"`
	Symbol         string          `json:"symbol"`
	OptionType     string          `json:"option_type"`
	ExpirationDate string          `json:"expiration_date"`
	Underlying     string          `json:"underlying"`
	Bid            decimal.Decimal `json:"bid"`
	Ask            decimal.Decimal `json:"ask"`
	Strike         decimal.Decimal `json:"strike"`
	Volume         int64           `json:"volume"`
	OpenInterest   int64           `json:"open_interest"`
}

type tradierChainResponse struct {
	Options struct {
		Option singleOrArray[tradierOption] `json:"option"`
	} `json:"options"`
}

type tradierQuote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	TradeDate int64           `json:"trade_date"`
	Greeks    *tradierGreeks  `json:"greeks,omitempty"`
}

type tradierQuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[tradierQuote] `json:"quote"`
	} `json:"quotes"`
}

type tradierBalanceResponse struct {
	Balances struct {
		TotalEquity decimal.Decimal `json:"total_equity"`
	} `json:"balances"`
}

type tradierOrderResponse struct {
	Order struct {
		ID                int             `json:"id"`
		Status            string          `json:"status"`
		Quantity          decimal.Decimal `json:"quantity"`
		ExecQuantity      decimal.Decimal `json:"exec_quantity"`
		RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
		AvgFillPrice      decimal.Decimal `json:"avg_fill_price"`
	} `json:"order"`
}

// ============ Broker Methods ============

func tradierSide(side models.Side, intent models.OrderIntent) string {
	suffix := "_to_open"
	if intent == models.IntentClose {
		suffix = "_to_close"
	}
	return string(side) + suffix
}

func (t *TradierClient) placeOrder(ctx context.Context, req OrderRequest, orderType string) (string, error) {
	if err := req.Validate(orderType == "limit"); err != nil {
		return "", err
	}
	parsed, err := occ.Parse(req.Symbol)
	if err != nil {
		return "", fmt.Errorf("failed to extract underlying symbol from option symbol: %w", err)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", parsed.Underlying)
	params.Add("option_symbol", req.Symbol)
	params.Add("side", tradierSide(req.Side, req.Intent))
	params.Add("quantity", strconv.Itoa(req.Quantity))
	params.Add("type", orderType)
	params.Add("duration", "day")
	if orderType == "limit" {
		params.Add("price", req.LimitPrice.StringFixed(2))
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var response tradierOrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return "", err
	}
	if response.Order.ID == 0 {
		return "", fmt.Errorf("tradier order response missing id (status %q)", response.Order.Status)
	}
	return strconv.Itoa(response.Order.ID), nil
}

// SubmitLimitOrder places a single-leg option limit order.
func (t *TradierClient) SubmitLimitOrder(ctx context.Context, req OrderRequest) (string, error) {
	return t.placeOrder(ctx, req, "limit")
}

// SubmitMarketOrder places a single-leg option market order.
func (t *TradierClient) SubmitMarketOrder(ctx context.Context, req OrderRequest) (string, error) {
	return t.placeOrder(ctx, req, "market")
}

// GetOrderStatus retrieves the status of an existing order by ID
func (t *TradierClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))
	var response tradierOrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	o := response.Order
	st := &OrderStatus{
		ID:             orderID,
		RawStatus:      o.Status,
		Status:         models.ParseOrderStatus(o.Status),
		Quantity:       int(o.Quantity.IntPart()),
		FilledQuantity: int(o.ExecQuantity.IntPart()),
		AvgFillPrice:   o.AvgFillPrice,
	}
	// An order with nothing remaining and something executed is filled even if
	// the status string lags.
	if !st.Status.IsTerminal() && o.RemainingQuantity.IsZero() && o.ExecQuantity.IsPositive() {
		st.Status = models.OrderFilled
	}
	return st, nil
}

// CancelOrder cancels a working order.
func (t *TradierClient) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))
	var response tradierOrderResponse
	return t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &response)
}

// GetLatestQuote retrieves the current market quote for a symbol.
func (t *TradierClient) GetLatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "true")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response tradierQuotesResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if len(response.Quotes.Quote) == 0 {
		return nil, fmt.Errorf("no quote data returned for %s", symbol)
	}
	q := response.Quotes.Quote[0]
	ts := time.Now().UTC()
	if q.TradeDate > 0 {
		ts = time.UnixMilli(q.TradeDate).UTC()
	}
	return &Quote{
		Symbol:    q.Symbol,
		Bid:       q.Bid,
		Ask:       q.Ask,
		Last:      q.Last,
		Greeks:    q.Greeks.toGreeks(),
		Timestamp: ts,
	}, nil
}

// GetOptionChain retrieves the option chain with Greeks for one expiration.
func (t *TradierClient) GetOptionChain(ctx context.Context, underlying string, expiration time.Time) ([]ChainEntry, error) {
	params := url.Values{}
	params.Set("symbol", underlying)
	params.Set("expiration", expiration.Format(tradierDateLayout))
	params.Set("greeks", "true")
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response tradierChainResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	chain := make([]ChainEntry, 0, len(response.Options.Option))
	for _, o := range response.Options.Option {
		exp, err := time.Parse(tradierDateLayout, o.ExpirationDate)
		if err != nil {
			exp = expiration
		}
		typ := models.OptionType(strings.ToLower(o.OptionType))
		if !typ.Valid() {
			continue
		}
		chain = append(chain, ChainEntry{
			Symbol:       o.Symbol,
			Underlying:   o.Underlying,
			Type:         typ,
			Strike:       o.Strike,
			Expiration:   exp,
			Bid:          o.Bid,
			Ask:          o.Ask,
			Volume:       o.Volume,
			OpenInterest: o.OpenInterest,
			Greeks:       o.Greeks.toGreeks(),
		})
	}
	return chain, nil
}

// GetAccountEquity returns the total account equity
func (t *TradierClient) GetAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)
	var response tradierBalanceResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return decimal.Zero, err
	}
	return response.Balances.TotalEquity, nil
}

func (t *TradierClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "trade-oracle/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	remaining := resp.Header.Get("X-Ratelimit-Available")
	if remaining == "" {
		remaining = resp.Header.Get("X-RateLimit-Remaining")
	}
	if remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("Tradier rate limit")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
