package strikes

import (
	"context"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"option-range-bot/internal/oracle"
)

// Increment is the ladder step at a given price level: one tenth of the
// leading-digit order of magnitude, widened to one half order of magnitude
// once the leading digit reaches 5 (the 1-2-5 log-decade rule).
func Increment(price float64) float64 {
	exp := math.Pow(10, math.Floor(math.Log10(price)))
	if price/exp >= 5 {
		return exp / 2
	}
	return exp / 10
}

// RoundToIncrement snaps a price onto its level's increment grid.
func RoundToIncrement(price float64) float64 {
	inc := Increment(price)
	return math.Round(price/inc) * inc
}

// Ladder generates candidate strikes spanning roughly [spot/2, 2*spot],
// stepping by the price-dependent increment.
func Ladder(spot float64) []float64 {
	if spot <= 0 {
		return nil
	}
	var out []float64
	p := RoundToIncrement(spot / 2)
	top := spot * 2
	for p <= top {
		out = append(out, p)
		next := RoundToIncrement(p + Increment(p))
		if next <= p {
			next = p + Increment(p)
		}
		p = next
	}
	return out
}

// Selector filters candidate strikes by delta. The result is computed once at
// market initialization and fixed for the market's lifetime.
type Selector struct {
	monitor *oracle.Monitor
	log     *zap.Logger
}

func NewSelector(monitor *oracle.Monitor, log *zap.Logger) *Selector {
	return &Selector{monitor: monitor, log: log}
}

// Select keeps the candidates whose absolute delta at the longest maturity
// lies strictly inside (minDelta, maxDelta). ttm must belong to the longest
// configured maturity: it gives the broadest delta footprint, so strikes that
// survive it stay relevant for every shorter expiry. Candidates that fail to
// price are conservatively retained.
func (s *Selector) Select(ctx context.Context, base common.Address, candidates []float64, spot, ttm, rate, minDelta, maxDelta float64, isCall bool) []float64 {
	out := make([]float64, 0, len(candidates))
	for _, strike := range candidates {
		val, _, ok := s.monitor.FetchVolAndValue(ctx, base, spot, strike, ttm, rate, isCall)
		if !ok {
			s.log.Warn("strike retained without pricing",
				zap.Float64("strike", strike),
				zap.Bool("is_call", isCall),
			)
			out = append(out, strike)
			continue
		}
		delta := math.Abs(val.Delta)
		if delta > minDelta && delta < maxDelta {
			out = append(out, strike)
		}
	}
	return out
}
