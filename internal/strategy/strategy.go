// Package strategy turns market snapshots into candidate trades and attaches
// the exit policy each strategy's positions are managed by.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/exits"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoSignal means entry conditions are not met. It is not a failure.
	ErrNoSignal = errors.New("no signal")
	// ErrUnknownStrategy is returned for names missing from the registry.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// MarketData is the read-only part of the broker a strategy needs.
type MarketData interface {
	GetLatestQuote(ctx context.Context, symbol string) (*broker.Quote, error)
	GetOptionChain(ctx context.Context, underlying string, expiration time.Time) ([]broker.ChainEntry, error)
}

// Bar is one OHLCV interval of the underlying.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Snapshot is what a strategy sees when asked for a signal.
type Snapshot struct {
	Underlying string
	Now        time.Time
	Location   *time.Location
	// Spot is fetched from Market when zero.
	Spot decimal.Decimal
	// Bars are intraday bars, oldest first.
	Bars []Bar
	// IVHistory holds past implied volatility readings (0.20 = 20%).
	IVHistory []float64
	Market    MarketData
}

func (s Snapshot) local() time.Time {
	if s.Location == nil {
		return s.Now.UTC()
	}
	return s.Now.In(s.Location)
}

func (s Snapshot) spot(ctx context.Context) (decimal.Decimal, error) {
	if s.Spot.IsPositive() {
		return s.Spot, nil
	}
	if s.Market == nil {
		return decimal.Zero, fmt.Errorf("no market data for %s", s.Underlying)
	}
	q, err := s.Market.GetLatestQuote(ctx, s.Underlying)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote for %s: %w", s.Underlying, err)
	}
	p := q.Price()
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("no usable price for %s", s.Underlying)
	}
	return p, nil
}

func (s Snapshot) chain(ctx context.Context, exp time.Time) ([]broker.ChainEntry, error) {
	if s.Market == nil {
		return nil, fmt.Errorf("no market data for %s", s.Underlying)
	}
	chain, err := s.Market.GetOptionChain(ctx, s.Underlying, exp)
	if err != nil {
		return nil, fmt.Errorf("option chain %s %s: %w", s.Underlying, exp.Format(models.DayLayout), err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty option chain for %s %s", ErrNoSignal, s.Underlying, exp.Format(models.DayLayout))
	}
	return chain, nil
}

// Strategy generates entries and owns the exit policy of its positions.
type Strategy interface {
	Name() string
	// Generate returns a candidate trade, or an error wrapping ErrNoSignal
	// when entry conditions are not met.
	Generate(ctx context.Context, snap Snapshot) (*models.CandidateTrade, error)
	ExitPolicy() exits.Policy
}

func noSignal(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNoSignal, fmt.Sprintf(format, args...))
}

// Registry maps strategy names to implementations.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Strategy
}

// NewRegistry registers every given strategy. Later duplicates replace earlier ones.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{byName: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.byName[s.Name()] = s
	}
	return r
}

// Register adds s, refusing a name that is already taken.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[s.Name()]; ok {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	r.byName[s.Name()] = s
	return nil
}

// Get looks up a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Policy returns the exit policy of the named strategy.
func (r *Registry) Policy(name string) (exits.Policy, error) {
	s, err := r.Get(name)
	if err != nil {
		return exits.Policy{}, err
	}
	return s.ExitPolicy(), nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// FallbackPolicy manages positions whose strategy is not registered, such as
// trades submitted by hand.
func FallbackPolicy() exits.Policy {
	return exits.NewPolicy(
		exits.StopLoss{CreditMultiple: decimal.NewFromInt(2), DebitFraction: decimal.RequireFromString("0.5")},
		exits.ProfitTarget{Fraction: decimal.RequireFromString("0.5")},
	)
}
