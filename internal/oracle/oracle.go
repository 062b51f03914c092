package oracle

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// PriceOracle is the consumed pricing capability. Both calls may fail
// transiently; the Monitor converts those failures into first-class
// unavailable results for the engine.
type PriceOracle interface {
	GetSpotPrice(ctx context.Context, base, quote common.Address) (float64, error)
	GetImpliedVolatility(ctx context.Context, base common.Address, spot, strike, ttm float64) (float64, error)
}
