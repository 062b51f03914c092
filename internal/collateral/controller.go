package collateral

import (
	"math"

	"option-range-bot/internal/ticks"
)

// SkipReason explains why a planned side will not be deposited.
type SkipReason string

const (
	SkipNone         SkipReason = ""
	SkipMaxExposure  SkipReason = "max_exposure"
	SkipMinPrice     SkipReason = "min_price"
	SkipInvalidWidth SkipReason = "invalid_width"
	SkipNoCollateral SkipReason = "insufficient_collateral"
	SkipBadReference SkipReason = "bad_reference_price"
)

// SidePlan is one side of a two-sided quote for a single cycle. It is never
// persisted; the engine turns surviving plans into deposits and drops the rest.
type SidePlan struct {
	Side              ticks.Side
	Bounds            ticks.Bounds
	IsValidWidth      bool
	MinPriceTriggered bool
	UseOptions        bool
	Collateral        float64
	Skip              SkipReason
}

// Placeable reports whether the side survived planning.
func (p SidePlan) Placeable() bool {
	return p.Skip == SkipNone && p.IsValidWidth && !p.MinPriceTriggered
}

// Instrument carries the per-cycle inputs the controller needs for one option.
type Instrument struct {
	IsCall         bool
	Strike         float64
	RefPrice       float64 // reference premium, option units (market or fair)
	Normalizer     float64 // spot for calls, strike for puts
	DepositSize    float64
	MaxExposure    float64
	MinOptionPrice float64
	Spread         float64
	WidthMult      float64
	LongBalance    float64
	ShortBalance   float64
}

func quantize(price float64) float64 {
	return math.Round(price*ticks.Granularity) / ticks.Granularity
}

// PlanAsk builds the ask (right-side) plan. The ask reference is the
// normalized premium inflated by the spread; the target upper bound inflates
// it again by the range-width multiplier.
func PlanAsk(in Instrument) SidePlan {
	plan := SidePlan{Side: ticks.SideAsk}
	if in.MaxExposure > 0 && in.ShortBalance >= in.MaxExposure {
		plan.Skip = SkipMaxExposure
		return plan
	}
	ref := quantize(in.RefPrice / in.Normalizer * (1 + in.Spread))
	if ref <= 0 || ref >= 1 {
		plan.Skip = SkipBadReference
		return plan
	}
	target := quantize(ref * (1 + in.WidthMult))
	if target > 1 {
		target = 1
	}
	bounds, ok, err := ticks.Plan(ticks.SideAsk, ref, target)
	if err != nil || !ok {
		plan.Skip = SkipInvalidWidth
		return plan
	}
	plan.Bounds = bounds
	plan.IsValidWidth = true
	setFunding(&plan, in, in.LongBalance)
	return plan
}

// PlanBid builds the bid (left-side) plan, mirrored downward. A bid is
// suppressed entirely when the reference premium sits at or below the
// market's minimum tradable price.
func PlanBid(in Instrument) SidePlan {
	plan := SidePlan{Side: ticks.SideBid}
	if in.RefPrice <= in.MinOptionPrice {
		plan.MinPriceTriggered = true
		plan.Skip = SkipMinPrice
		return plan
	}
	if in.MaxExposure > 0 && in.LongBalance >= in.MaxExposure {
		plan.Skip = SkipMaxExposure
		return plan
	}
	ref := quantize(in.RefPrice / in.Normalizer * (1 - in.Spread))
	if ref <= 0 || ref >= 1 {
		plan.Skip = SkipBadReference
		return plan
	}
	target := quantize(ref * (1 - in.WidthMult))
	if target < 0 {
		target = 0
	}
	bounds, ok, err := ticks.Plan(ticks.SideBid, ref, target)
	if err != nil || !ok {
		plan.Skip = SkipInvalidWidth
		return plan
	}
	plan.Bounds = bounds
	plan.IsValidWidth = true
	setFunding(&plan, in, in.ShortBalance)
	return plan
}

// setFunding decides the funding mode. Opposite-leg inventory above the
// deposit size funds the side from options; otherwise the side is
// collateral-funded and priced at the interval midpoint.
func setFunding(plan *SidePlan, in Instrument, oppositeInventory float64) {
	if oppositeInventory > in.DepositSize {
		plan.UseOptions = true
		return
	}
	mid := float64(plan.Bounds.Lower+plan.Bounds.Upper) / 2 / ticks.Granularity
	if in.IsCall {
		plan.Collateral = in.DepositSize * mid
	} else {
		plan.Collateral = in.DepositSize * in.Strike * mid
	}
}

// CheckBalance re-checks the account's collateral balance against the sum of
// both sides' requirements and skips what cannot be funded. An option-funded
// side always survives this check.
func CheckBalance(ask, bid *SidePlan, balance float64) {
	required := 0.0
	if ask.Placeable() && !ask.UseOptions {
		required += ask.Collateral
	}
	if bid.Placeable() && !bid.UseOptions {
		required += bid.Collateral
	}
	if required == 0 || balance >= required {
		return
	}
	if ask.Placeable() && !ask.UseOptions {
		ask.Skip = SkipNoCollateral
	}
	if bid.Placeable() && !bid.UseOptions {
		bid.Skip = SkipNoCollateral
	}
}
