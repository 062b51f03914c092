package pricing

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrExpired      = errors.New("option is expired")
	ErrBadInput     = errors.New("pricing input must be positive")
	ErrNoConverge   = errors.New("implied volatility did not converge")
	daysPerYear     = 365.0
	sqrt2Pi         = math.Sqrt(2 * math.Pi)
	ivSolverMaxIter = 100
	ivSolverTol     = 1e-6
)

type OptionParams struct {
	Spot   float64
	Strike float64
	TTM    float64 // years, must be > 0
	Vol    float64
	Rate   float64
	IsCall bool
}

// Valuation is the closed-form fair price plus first-order Greeks.
// Theta is per calendar day, vega per volatility point.
type Valuation struct {
	Price float64
	Delta float64
	Theta float64
	Vega  float64
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / sqrt2Pi
}

// BlackScholes prices a European option. Expired options must be routed to
// settlement by the caller and never reach this function.
func BlackScholes(p OptionParams) (Valuation, error) {
	if p.TTM <= 0 {
		return Valuation{}, ErrExpired
	}
	if p.Spot <= 0 || p.Strike <= 0 || p.Vol <= 0 {
		return Valuation{}, fmt.Errorf("%w: spot=%g strike=%g vol=%g", ErrBadInput, p.Spot, p.Strike, p.Vol)
	}
	sqrtT := math.Sqrt(p.TTM)
	d1 := (math.Log(p.Spot/p.Strike) + (p.Rate+0.5*p.Vol*p.Vol)*p.TTM) / (p.Vol * sqrtT)
	d2 := d1 - p.Vol*sqrtT
	discount := math.Exp(-p.Rate * p.TTM)

	var v Valuation
	if p.IsCall {
		v.Price = p.Spot*normCDF(d1) - p.Strike*discount*normCDF(d2)
		v.Delta = normCDF(d1)
		v.Theta = (-p.Spot*normPDF(d1)*p.Vol/(2*sqrtT) - p.Rate*p.Strike*discount*normCDF(d2)) / daysPerYear
	} else {
		v.Price = p.Strike*discount*normCDF(-d2) - p.Spot*normCDF(-d1)
		v.Delta = normCDF(d1) - 1
		v.Theta = (-p.Spot*normPDF(d1)*p.Vol/(2*sqrtT) + p.Rate*p.Strike*discount*normCDF(-d2)) / daysPerYear
	}
	v.Vega = p.Spot * normPDF(d1) * sqrtT / 100
	return v, nil
}

// ImpliedVolatility inverts BlackScholes for vol with a Newton iteration.
func ImpliedVolatility(isCall bool, marketPrice, spot, strike, ttm, rate float64) (float64, error) {
	if ttm <= 0 {
		return 0, ErrExpired
	}
	if marketPrice <= 0 || spot <= 0 || strike <= 0 {
		return 0, fmt.Errorf("%w: price=%g spot=%g strike=%g", ErrBadInput, marketPrice, spot, strike)
	}
	sigma := 0.2
	for i := 0; i < ivSolverMaxIter; i++ {
		val, err := BlackScholes(OptionParams{Spot: spot, Strike: strike, TTM: ttm, Vol: sigma, Rate: rate, IsCall: isCall})
		if err != nil {
			return 0, err
		}
		diff := val.Price - marketPrice
		if math.Abs(diff) < ivSolverTol {
			return sigma, nil
		}
		vega := val.Vega * 100 // derivative w.r.t. vol, not vol point
		if vega <= 0 {
			break
		}
		sigma -= diff / vega
		if sigma <= 0 {
			sigma = ivSolverTol
		}
	}
	return 0, ErrNoConverge
}
