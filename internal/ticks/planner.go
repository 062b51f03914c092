package ticks

import (
	"errors"
	"fmt"
	"math"
)

// Prices are normalized to (0, 1] and quantized at 1e-3: one tick is 0.001.
const (
	Granularity  = 1000
	MaxTick      = Granularity // normalized price 1.0
	precisionEps = 1e-9
)

type Side string

const (
	SideAsk Side = "ask"
	SideBid Side = "bid"
)

// legalWidths are the protocol's allowed tick distances, ascending.
var legalWidths = []int64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512}

var (
	ErrPrecision = errors.New("price not at tick granularity")
	ErrBadBounds = errors.New("reference and target bounds are not ordered for side")
)

// Bounds is a snapped, protocol-legal range order interval.
type Bounds struct {
	Lower int64
	Upper int64
}

func (b Bounds) Width() int64 { return b.Upper - b.Lower }

// toTick converts a normalized price into ticks, rejecting sub-tick precision.
// Callers own rounding; extra precision here means a caller bug, not data.
func toTick(price float64) (int64, error) {
	scaled := price * Granularity
	tick := math.Round(scaled)
	if math.Abs(scaled-tick) > precisionEps*Granularity {
		return 0, fmt.Errorf("%w: %g", ErrPrecision, price)
	}
	return int64(tick), nil
}

// SnapWidth picks the legal width nearest to the raw width by absolute
// difference. Ties resolve to the earlier table entry.
func SnapWidth(raw int64) int64 {
	best := legalWidths[0]
	bestDiff := abs64(raw - best)
	for _, w := range legalWidths[1:] {
		if d := abs64(raw - w); d < bestDiff {
			best, bestDiff = w, d
		}
	}
	return best
}

// nextSmaller returns the largest legal width strictly below w, or 0.
func nextSmaller(w int64) int64 {
	for i := len(legalWidths) - 1; i >= 0; i-- {
		if legalWidths[i] < w {
			return legalWidths[i]
		}
	}
	return 0
}

// Plan turns a one-sided reference price and target opposite bound into a
// legal interval. For an ask the interval widens upward from the reference,
// falling back to smaller widths if the upper bound would cross 1.0. For a
// bid it widens downward, failing if the lower bound would reach zero.
// A false return means planning is infeasible for this side, a hard stop.
func Plan(side Side, reference, target float64) (Bounds, bool, error) {
	refTick, err := toTick(reference)
	if err != nil {
		return Bounds{}, false, err
	}
	targetTick, err := toTick(target)
	if err != nil {
		return Bounds{}, false, err
	}
	switch side {
	case SideAsk:
		if targetTick < refTick {
			return Bounds{}, false, fmt.Errorf("%w: ask target %d below reference %d", ErrBadBounds, targetTick, refTick)
		}
		width := SnapWidth(targetTick - refTick)
		for width > 0 {
			if refTick+width <= MaxTick {
				return Bounds{Lower: refTick, Upper: refTick + width}, true, nil
			}
			width = nextSmaller(width)
		}
		return Bounds{}, false, nil
	case SideBid:
		if targetTick > refTick {
			return Bounds{}, false, fmt.Errorf("%w: bid target %d above reference %d", ErrBadBounds, targetTick, refTick)
		}
		width := SnapWidth(refTick - targetTick)
		for width > 0 {
			if refTick-width > 0 {
				return Bounds{Lower: refTick - width, Upper: refTick}, true, nil
			}
			width = nextSmaller(width)
		}
		return Bounds{}, false, nil
	default:
		return Bounds{}, false, fmt.Errorf("unknown side %q", side)
	}
}

// LegalWidths exposes a copy of the width table for validation tooling.
func LegalWidths() []int64 {
	out := make([]int64, len(legalWidths))
	copy(out, legalWidths)
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
