package engine

import (
	"fmt"
	"time"

	"option-range-bot/internal/pricing"
)

// Status is an instrument's pricing health. While degraded, the valuation is
// undefined and the engine runs withdraw-only for the instrument.
type Status uint8

const (
	StatusTradable Status = iota
	StatusDegradedSpot
	StatusDegradedIV
)

func (s Status) String() string {
	switch s {
	case StatusTradable:
		return "tradable"
	case StatusDegradedSpot:
		return "degraded_spot"
	case StatusDegradedIV:
		return "degraded_iv"
	}
	return "unknown"
}

// Degraded reports whether quoting is suspended for the instrument.
func (s Status) Degraded() bool { return s != StatusTradable }

// InstrumentKey identifies one option within a market.
type InstrumentKey struct {
	Maturity int64 // unix seconds of the settlement instant
	IsCall   bool
	Strike   float64
}

func (k InstrumentKey) MaturityTime() time.Time {
	return time.Unix(k.Maturity, 0).UTC()
}

func (k InstrumentKey) String() string {
	kind := "P"
	if k.IsCall {
		kind = "C"
	}
	return fmt.Sprintf("%s-%g-%s", k.MaturityTime().Format("2Jan06"), k.Strike, kind)
}

// OptionState is the per-instrument decision record. Instruments are created
// at initialization (or when a foreign on-chain position is discovered) and
// never deleted; only the status and gates change.
//
// CycleOrders means a withdraw/deposit pass is due. It is set at creation,
// after the fair price moves by more than the configured spread, and on
// recovery from a degraded status; it is cleared only when a deposit pass
// actually completes (attempted or skipped by planning guards).
// WithdrawFailed blocks the deposit side of the same cycle after a withdraw
// attempt failed.
type OptionState struct {
	Key            InstrumentKey
	Status         Status
	CycleOrders    bool
	WithdrawFailed bool

	Valuation pricing.Valuation
	IV        float64
	ValuedAt  time.Time
}

// MarketObservation is the spot reading a cycle's decisions are based on. It
// is owned and refreshed by the engine and passed to planning explicitly.
type MarketObservation struct {
	SpotPrice  float64
	ObservedAt time.Time
}
