package oracle

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"option-range-bot/internal/pricing"
)

const defaultRetryBackoff = 2 * time.Second

// Monitor wraps PriceOracle calls with a single retry after a fixed backoff.
// It is stateless: callers own writing the resulting failure flags into
// instrument state. A false return is "unavailable", never an abort.
type Monitor struct {
	oracle  PriceOracle
	backoff time.Duration
	log     *zap.Logger
}

func NewMonitor(oracle PriceOracle, backoff time.Duration, log *zap.Logger) *Monitor {
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Monitor{oracle: oracle, backoff: backoff, log: log}
}

// FetchSpot returns the spot price for a pair, or ok=false after the retry
// budget is spent.
func (m *Monitor) FetchSpot(ctx context.Context, base, quote common.Address) (float64, bool) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, false
			case <-time.After(m.backoff):
			}
		}
		spot, err := m.oracle.GetSpotPrice(ctx, base, quote)
		if err == nil && spot > 0 {
			return spot, true
		}
		lastErr = err
	}
	m.log.Warn("spot oracle unavailable",
		zap.String("base", base.Hex()),
		zap.String("quote", quote.Hex()),
		zap.Error(lastErr),
	)
	return 0, false
}

// FetchVolAndValue fetches implied volatility and computes the fair value and
// Greeks for one instrument. ok=false means the valuation is undefined this
// cycle and the instrument must be treated as degraded.
func (m *Monitor) FetchVolAndValue(ctx context.Context, base common.Address, spot, strike, ttm, rate float64, isCall bool) (pricing.Valuation, float64, bool) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return pricing.Valuation{}, 0, false
			case <-time.After(m.backoff):
			}
		}
		iv, err := m.oracle.GetImpliedVolatility(ctx, base, spot, strike, ttm)
		if err != nil || iv <= 0 {
			lastErr = err
			continue
		}
		val, err := pricing.BlackScholes(pricing.OptionParams{
			Spot:   spot,
			Strike: strike,
			TTM:    ttm,
			Vol:    iv,
			Rate:   rate,
			IsCall: isCall,
		})
		if err != nil {
			lastErr = err
			continue
		}
		return val, iv, true
	}
	m.log.Warn("volatility oracle unavailable",
		zap.String("base", base.Hex()),
		zap.Float64("strike", strike),
		zap.Float64("ttm", ttm),
		zap.Error(lastErr),
	)
	return pricing.Valuation{}, 0, false
}
