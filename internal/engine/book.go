package engine

import (
	"context"
	"sort"

	"option-range-bot/internal/state"
)

// book is the in-memory index of deployed range-order legs for one market,
// keyed by position identity so duplicate detection and removal are lookups
// rather than scans. Only the engine's control loop mutates it.
type book struct {
	market string
	legs   map[state.PositionKey]state.RangeOrderPosition
}

func newBook(market string) *book {
	return &book{market: market, legs: make(map[state.PositionKey]state.RangeOrderPosition)}
}

func (b *book) load(ctx context.Context, store state.Store) error {
	positions, err := store.LoadPositions(ctx, b.market)
	if err != nil {
		return err
	}
	for _, p := range positions {
		b.legs[p.Key()] = p
	}
	return nil
}

func (b *book) save(ctx context.Context, store state.Store) error {
	out := make([]state.RangeOrderPosition, 0, len(b.legs))
	for _, p := range b.legs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return store.SavePositions(ctx, b.market, out)
}

func (b *book) add(p state.RangeOrderPosition) { b.legs[p.Key()] = p }

func (b *book) remove(k state.PositionKey) { delete(b.legs, k) }

func (b *book) has(k state.PositionKey) bool { _, ok := b.legs[k]; return ok }

func (b *book) size() int { return len(b.legs) }

// forInstrument returns the legs belonging to one instrument in a stable
// order.
func (b *book) forInstrument(key InstrumentKey) []state.RangeOrderPosition {
	var out []state.RangeOrderPosition
	for _, p := range b.legs {
		if p.MaturityUnix == key.Maturity && p.IsCall == key.IsCall && p.Strike == key.Strike {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// instrumentKeys returns the distinct instruments present in the book, used
// to fold foreign on-chain positions into the tracked set at initialization.
func (b *book) instrumentKeys() []InstrumentKey {
	seen := make(map[InstrumentKey]struct{})
	for _, p := range b.legs {
		seen[InstrumentKey{Maturity: p.MaturityUnix, IsCall: p.IsCall, Strike: p.Strike}] = struct{}{}
	}
	out := make([]InstrumentKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// all returns every leg in a stable order.
func (b *book) all() []state.RangeOrderPosition {
	out := make([]state.RangeOrderPosition, 0, len(b.legs))
	for _, p := range b.legs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}
