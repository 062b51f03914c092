package chain

import (
	"math/big"
)

// WadDecimals is the fixed-point scale pools use for prices and sizes.
const WadDecimals uint8 = 18

// MaxApproval is the unlimited ERC-20 allowance (2^256 - 1).
var MaxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var tickWad = new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil) // one 1e-3 tick in wad

// ToUnits converts a float amount into integer token units.
func ToUnits(amount float64, decimals uint8) *big.Int {
	scale := new(big.Float).SetInt(pow10(decimals))
	scaled := new(big.Float).Mul(big.NewFloat(amount), scale)
	out, _ := scaled.Int(nil)
	return out
}

// FromUnits converts integer token units into a float amount.
func FromUnits(v *big.Int, decimals uint8) float64 {
	if v == nil {
		return 0
	}
	scale := new(big.Float).SetInt(pow10(decimals))
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(v), scale).Float64()
	return out
}

// TickToWad converts a 1e-3 tick into the pool's 18-decimal price encoding.
func TickToWad(tick int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tick), tickWad)
}

// WadToTick converts an 18-decimal pool price back into 1e-3 ticks.
func WadToTick(v *big.Int) int64 {
	if v == nil {
		return 0
	}
	return new(big.Int).Quo(v, tickWad).Int64()
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
