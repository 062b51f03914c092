package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TokenClass selects which per-pool balance a query refers to.
type TokenClass uint8

const (
	ClassShort TokenClass = iota
	ClassLong
)

// OrderType tags the funding mode of a range-order leg.
type OrderType uint8

const (
	OrderCollateralAsk OrderType = iota
	OrderCollateralBid
	OrderOptionAsk
	OrderOptionBid
)

func (t OrderType) String() string {
	switch t {
	case OrderCollateralAsk:
		return "collateral_ask"
	case OrderCollateralBid:
		return "collateral_bid"
	case OrderOptionAsk:
		return "option_ask"
	case OrderOptionBid:
		return "option_bid"
	}
	return "unknown"
}

// IsAsk reports whether the order sells options (right side of the book).
func (t OrderType) IsAsk() bool {
	return t == OrderCollateralAsk || t == OrderOptionAsk
}

// IsCollateral reports whether the leg is funded with collateral rather than
// existing option inventory.
func (t OrderType) IsCollateral() bool {
	return t == OrderCollateralAsk || t == OrderCollateralBid
}

// PoolKey identifies one option pool.
type PoolKey struct {
	Base     common.Address
	Quote    common.Address
	Maturity time.Time
	Strike   float64
	IsCall   bool
}

// OrderKey identifies one range-order leg within a pool.
type OrderKey struct {
	Owner    common.Address
	Operator common.Address
	Lower    int64 // 1e-3 ticks
	Upper    int64
	Type     OrderType
}

// Pool exposes the per-pool contract surface. Mutating calls return a pending
// transaction handle; confirmation is a separate step on the Adapter.
type Pool interface {
	Address() common.Address
	MarketPrice(ctx context.Context) (float64, error)
	BalanceOf(ctx context.Context, account common.Address, class TokenClass) (float64, error)
	OrderBalance(ctx context.Context, key OrderKey) (float64, error)
	NearestTicksBelow(ctx context.Context, lower, upper int64) (int64, int64, error)
	Deposit(ctx context.Context, key OrderKey, size, minMarketPrice float64) (*types.Transaction, error)
	Withdraw(ctx context.Context, key OrderKey, size, minMarketPrice float64) (*types.Transaction, error)
	SettlePosition(ctx context.Context, key OrderKey) (*types.Transaction, error)
	Annihilate(ctx context.Context, size float64) (*types.Transaction, error)
}

// Token exposes the ERC-20 surface the engine needs for collateral.
type Token interface {
	Address() common.Address
	Decimals(ctx context.Context) (uint8, error)
	BalanceOf(ctx context.Context, account common.Address) (float64, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender common.Address, amount *big.Int) (*types.Transaction, error)
}

// Adapter is the chain capability consumed by the engine. One signing account
// owns every mutating call, so callers must not submit concurrently.
type Adapter interface {
	Account() common.Address
	PoolAddress(ctx context.Context, key PoolKey) (common.Address, bool, error)
	DeployPool(ctx context.Context, key PoolKey) (*types.Transaction, error)
	Pool(addr common.Address) Pool
	Token(addr common.Address) Token
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}
