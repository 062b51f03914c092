package state

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vmihailenco/msgpack/v5"
)

// RangeOrderPosition is one deployed range-order leg. At most one leg exists
// per (instrument, side); PositionKey is the lookup identity.
type RangeOrderPosition struct {
	Market           string         `msgpack:"market"`
	MaturityUnix     int64          `msgpack:"maturity"`
	IsCall           bool           `msgpack:"is_call"`
	Strike           float64        `msgpack:"strike"`
	Pool             common.Address `msgpack:"pool"`
	Owner            common.Address `msgpack:"owner"`
	Operator         common.Address `msgpack:"operator"`
	Lower            int64          `msgpack:"lower"`
	Upper            int64          `msgpack:"upper"`
	OrderType        uint8          `msgpack:"order_type"`
	Size             float64        `msgpack:"size"`
	CollateralFunded bool           `msgpack:"collateral_funded"`
}

func (p RangeOrderPosition) Maturity() time.Time {
	return time.Unix(p.MaturityUnix, 0).UTC()
}

// PositionKey is the indexed identity used for duplicate detection and
// removal, instead of structural equality over whole records.
type PositionKey struct {
	Market    string
	Maturity  int64
	IsCall    bool
	Strike    float64
	Pool      common.Address
	OrderType uint8
}

func (p RangeOrderPosition) Key() PositionKey {
	return PositionKey{
		Market:    p.Market,
		Maturity:  p.MaturityUnix,
		IsCall:    p.IsCall,
		Strike:    p.Strike,
		Pool:      p.Pool,
		OrderType: p.OrderType,
	}
}

func (k PositionKey) String() string {
	kind := "P"
	if k.IsCall {
		kind = "C"
	}
	return fmt.Sprintf("%s:%d:%s:%g:%s:%d", k.Market, k.Maturity, kind, k.Strike, k.Pool.Hex(), k.OrderType)
}

// EncodePositions serializes a position list for storage.
func EncodePositions(positions []RangeOrderPosition) ([]byte, error) {
	return msgpack.Marshal(positions)
}

// DecodePositions restores a position list from storage bytes.
func DecodePositions(data []byte) ([]RangeOrderPosition, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []RangeOrderPosition
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
