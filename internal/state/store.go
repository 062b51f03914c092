package state

import "context"

// Store persists the working set the engine must survive a restart with:
// the deployed range-order legs, plus small kv metadata (last reference
// prices). The position list carries re-derivable identity only; the engine
// reconciles it against on-chain balances at initialization.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	LoadPositions(ctx context.Context, market string) ([]RangeOrderPosition, error)
	SavePositions(ctx context.Context, market string, positions []RangeOrderPosition) error

	Close() error
}
