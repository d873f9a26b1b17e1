// Package greeks computes Black-Scholes option sensitivities and implied volatility.
//
// Values here are analytics, not money, so they use float64. Callers convert
// prices to and from decimal at the boundary.
package greeks

import (
	"errors"
	"math"

	"github.com/eddiefleurent/trade_oracle/internal/models"
)

const (
	// DefaultRiskFreeRate is the annual rate used when none is supplied.
	DefaultRiskFreeRate = 0.05
	minTime             = 0.0001
	daysPerYear         = 365.0
)

// ErrNoConvergence is returned when implied volatility cannot be solved.
var ErrNoConvergence = errors.New("implied volatility did not converge")

// Inputs describes one option for pricing.
type Inputs struct {
	Type       models.OptionType
	Spot       float64
	Strike     float64
	Years      float64 // time to expiry in years
	Volatility float64 // annualized, 0.20 = 20%
	Rate       float64
}

// Greeks holds per-contract-share sensitivities.
type Greeks struct {
	Price float64 `json:"price"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"` // per calendar day
	Vega  float64 `json:"vega"`  // per 1 vol point
}

// YearsUntil converts days to expiry into the time input.
func YearsUntil(days float64) float64 {
	return math.Max(days/daysPerYear, minTime)
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func (in Inputs) normalized() Inputs {
	if in.Years < minTime {
		in.Years = minTime
	}
	if in.Volatility <= 0 {
		in.Volatility = 1e-6
	}
	return in
}

func (in Inputs) d1d2() (float64, float64) {
	sqrtT := math.Sqrt(in.Years)
	d1 := (math.Log(in.Spot/in.Strike) + (in.Rate+0.5*in.Volatility*in.Volatility)*in.Years) / (in.Volatility * sqrtT)
	return d1, d1 - in.Volatility*sqrtT
}

// Compute prices the option and returns its Greeks.
func Compute(in Inputs) Greeks {
	in = in.normalized()
	if in.Spot <= 0 || in.Strike <= 0 {
		return Greeks{}
	}
	d1, d2 := in.d1d2()
	sqrtT := math.Sqrt(in.Years)
	disc := math.Exp(-in.Rate * in.Years)
	pdf := normPDF(d1)

	g := Greeks{
		Gamma: pdf / (in.Spot * in.Volatility * sqrtT),
		Vega:  in.Spot * pdf * sqrtT / 100,
	}
	decay := -in.Spot * pdf * in.Volatility / (2 * sqrtT)
	if in.Type == models.OptionPut {
		g.Price = in.Strike*disc*normCDF(-d2) - in.Spot*normCDF(-d1)
		g.Delta = normCDF(d1) - 1
		g.Theta = (decay + in.Rate*in.Strike*disc*normCDF(-d2)) / daysPerYear
	} else {
		g.Price = in.Spot*normCDF(d1) - in.Strike*disc*normCDF(d2)
		g.Delta = normCDF(d1)
		g.Theta = (decay - in.Rate*in.Strike*disc*normCDF(d2)) / daysPerYear
	}
	return g
}

// Price returns the Black-Scholes value.
func Price(in Inputs) float64 {
	return Compute(in).Price
}

// Delta returns the Black-Scholes delta.
func Delta(in Inputs) float64 {
	return Compute(in).Delta
}

// ImpliedVolatility solves for the volatility that reproduces price, using
// Newton-Raphson and falling back to bisection when vega is too flat.
func ImpliedVolatility(price float64, in Inputs) (float64, error) {
	in = in.normalized()
	if price <= 0 || in.Spot <= 0 || in.Strike <= 0 {
		return 0, ErrNoConvergence
	}
	const (
		tol     = 1e-6
		maxIter = 100
		lo, hi  = 1e-4, 5.0
	)

	sigma := 0.3
	for i := 0; i < maxIter; i++ {
		in.Volatility = sigma
		g := Compute(in)
		diff := g.Price - price
		if math.Abs(diff) < tol {
			return sigma, nil
		}
		vega := g.Vega * 100
		if vega < 1e-8 {
			break
		}
		next := sigma - diff/vega
		if next <= lo || next >= hi || math.IsNaN(next) {
			break
		}
		sigma = next
	}

	a, b := lo, hi
	in.Volatility = a
	fa := Price(in) - price
	in.Volatility = b
	fb := Price(in) - price
	if fa*fb > 0 {
		return 0, ErrNoConvergence
	}
	for i := 0; i < 200; i++ {
		m := (a + b) / 2
		in.Volatility = m
		fm := Price(in) - price
		if math.Abs(fm) < tol || (b-a)/2 < tol {
			return m, nil
		}
		if fa*fm < 0 {
			b = m
		} else {
			a, fa = m, fm
		}
	}
	return 0, ErrNoConvergence
}
