package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Broker is the brokerage surface the engine and monitor depend on.
// Implementations must be safe for concurrent use.
type Broker interface {
	// SubmitLimitOrder places a single-leg limit order and returns the broker order id.
	SubmitLimitOrder(ctx context.Context, req OrderRequest) (string, error)
	// SubmitMarketOrder places a single-leg market order. Only used to flatten legs.
	SubmitMarketOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	// GetLatestQuote returns bid/ask for an equity or OCC option symbol.
	GetLatestQuote(ctx context.Context, symbol string) (*Quote, error)
	GetOptionChain(ctx context.Context, underlying string, expiration time.Time) ([]ChainEntry, error)
	GetAccountEquity(ctx context.Context) (decimal.Decimal, error)
}

// OrderRequest is one leg order.
type OrderRequest struct {
	Symbol     string             `json:"symbol"`
	Side       models.Side        `json:"side"`
	Intent     models.OrderIntent `json:"intent"`
	Quantity   int                `json:"quantity"`
	LimitPrice decimal.Decimal    `json:"limit_price"`
	Tag        string             `json:"tag,omitempty"`
}

// Validate checks the request before it reaches the wire.
func (r OrderRequest) Validate(limit bool) error {
	if r.Symbol == "" {
		return fmt.Errorf("order symbol is required")
	}
	if !r.Side.Valid() {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", r.Quantity)
	}
	if limit && !r.LimitPrice.IsPositive() {
		return fmt.Errorf("invalid price for limit order: %s, price must be positive", r.LimitPrice)
	}
	return nil
}

// OrderStatus is the broker's view of an order.
type OrderStatus struct {
	ID             string             `json:"id"`
	Status         models.OrderStatus `json:"status"`
	RawStatus      string             `json:"raw_status,omitempty"`
	Quantity       int                `json:"quantity"`
	FilledQuantity int                `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal    `json:"avg_fill_price"`
}

// IsFilled reports a complete fill. Some brokers report filled quantity without
// flipping the status, so both are checked.
func (s *OrderStatus) IsFilled() bool {
	if s == nil {
		return false
	}
	if s.Status == models.OrderFilled {
		return true
	}
	return s.Quantity > 0 && s.FilledQuantity >= s.Quantity
}

// Greeks as supplied by the broker.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Greeks    *Greeks         `json:"greeks,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Valid reports whether the quote can price a leg: a non-negative bid, a positive
// ask and no crossed market.
func (q *Quote) Valid() bool {
	if q == nil {
		return false
	}
	return !q.Bid.IsNegative() && q.Ask.IsPositive() && q.Bid.LessThanOrEqual(q.Ask)
}

// Mid is (bid+ask)/2.
func (q *Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Price returns the mid when the book is valid and the last trade otherwise.
func (q *Quote) Price() decimal.Decimal {
	if q.Valid() {
		return q.Mid()
	}
	return q.Last
}

// ChainEntry is one contract in an option chain.
type ChainEntry struct {
	Symbol       string            `json:"symbol"`
	Underlying   string            `json:"underlying"`
	Type         models.OptionType `json:"type"`
	Strike       decimal.Decimal   `json:"strike"`
	Expiration   time.Time         `json:"expiration"`
	Bid          decimal.Decimal   `json:"bid"`
	Ask          decimal.Decimal   `json:"ask"`
	Volume       int64             `json:"volume"`
	OpenInterest int64             `json:"open_interest"`
	Greeks       *Greeks           `json:"greeks,omitempty"`
}

// Mid is (bid+ask)/2.
func (c ChainEntry) Mid() decimal.Decimal {
	return c.Bid.Add(c.Ask).Div(decimal.NewFromInt(2))
}

// FindByStrike returns the chain entry with the given strike and type.
func FindByStrike(chain []ChainEntry, strike decimal.Decimal, typ models.OptionType) (ChainEntry, bool) {
	for _, c := range chain {
		if c.Type == typ && c.Strike.Equal(strike) {
			return c, true
		}
	}
	return ChainEntry{}, false
}

// IsPermanent reports whether err is a broker rejection that retrying cannot fix:
// 4xx responses other than 429.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips at 60% failures over at least 5 requests.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with the default settings.
func NewCircuitBreakerBroker(broker Broker, logger logrus.FieldLogger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings(), logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
// Permanent API errors (order rejections) do not count as failures.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for health reporting.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// SubmitLimitOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SubmitLimitOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) { return b.SubmitLimitOrder(ctx, req) })
}

// SubmitMarketOrder bypasses the breaker: flatten orders must reach the broker
// even while the circuit is open.
func (c *CircuitBreakerBroker) SubmitMarketOrder(ctx context.Context, req OrderRequest) (string, error) {
	return c.broker.SubmitMarketOrder(ctx, req)
}

// GetOrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderStatus, error) { return b.GetOrderStatus(ctx, orderID) })
}

// CancelOrder bypasses the breaker for the same reason as SubmitMarketOrder.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	return c.broker.CancelOrder(ctx, orderID)
}

// GetLatestQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetLatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) { return b.GetLatestQuote(ctx, symbol) })
}

// GetOptionChain wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, underlying string, expiration time.Time) ([]ChainEntry, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]ChainEntry, error) {
		return b.GetOptionChain(ctx, underlying, expiration)
	})
}

// GetAccountEquity wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (decimal.Decimal, error) { return b.GetAccountEquity(ctx) })
}
