package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const factoryABIJSON = `[
  {"type":"function","name":"getPoolAddress","stateMutability":"view","inputs":[
    {"name":"k","type":"tuple","components":[
      {"name":"base","type":"address"},
      {"name":"quote","type":"address"},
      {"name":"strike","type":"uint256"},
      {"name":"maturity","type":"uint64"},
      {"name":"isCallPool","type":"bool"}]}],
   "outputs":[{"name":"pool","type":"address"},{"name":"isDeployed","type":"bool"}]},
  {"type":"function","name":"deployPool","stateMutability":"payable","inputs":[
    {"name":"k","type":"tuple","components":[
      {"name":"base","type":"address"},
      {"name":"quote","type":"address"},
      {"name":"strike","type":"uint256"},
      {"name":"maturity","type":"uint64"},
      {"name":"isCallPool","type":"bool"}]}],
   "outputs":[{"name":"pool","type":"address"}]}
]`

const poolABIJSON = `[
  {"type":"function","name":"marketPrice","stateMutability":"view","inputs":[],
   "outputs":[{"name":"price","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"},{"name":"id","type":"uint256"}],
   "outputs":[{"name":"balance","type":"uint256"}]},
  {"type":"function","name":"getNearestTicksBelow","stateMutability":"view","inputs":[
    {"name":"lower","type":"uint256"},{"name":"upper","type":"uint256"}],
   "outputs":[{"name":"nearestBelowLower","type":"uint256"},{"name":"nearestBelowUpper","type":"uint256"}]},
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[
    {"name":"p","type":"tuple","components":[
      {"name":"owner","type":"address"},
      {"name":"operator","type":"address"},
      {"name":"lower","type":"uint256"},
      {"name":"upper","type":"uint256"},
      {"name":"orderType","type":"uint8"}]},
    {"name":"size","type":"uint256"},
    {"name":"minMarketPrice","type":"uint256"},
    {"name":"maxMarketPrice","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[
    {"name":"p","type":"tuple","components":[
      {"name":"owner","type":"address"},
      {"name":"operator","type":"address"},
      {"name":"lower","type":"uint256"},
      {"name":"upper","type":"uint256"},
      {"name":"orderType","type":"uint8"}]},
    {"name":"size","type":"uint256"},
    {"name":"minMarketPrice","type":"uint256"},
    {"name":"maxMarketPrice","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"settlePosition","stateMutability":"nonpayable","inputs":[
    {"name":"p","type":"tuple","components":[
      {"name":"owner","type":"address"},
      {"name":"operator","type":"address"},
      {"name":"lower","type":"uint256"},
      {"name":"upper","type":"uint256"},
      {"name":"orderType","type":"uint8"}]}],
   "outputs":[]},
  {"type":"function","name":"annihilate","stateMutability":"nonpayable","inputs":[
    {"name":"size","type":"uint256"}],
   "outputs":[]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
    {"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var (
	factoryABI = mustABI(factoryABIJSON)
	poolABI    = mustABI(poolABIJSON)
	erc20ABI   = mustABI(erc20ABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// poolKeyWire mirrors the factory's PoolKey tuple.
type poolKeyWire struct {
	Base       common.Address
	Quote      common.Address
	Strike     *big.Int
	Maturity   uint64
	IsCallPool bool
}

// posKeyWire mirrors the pool's Position.Key tuple.
type posKeyWire struct {
	Owner     common.Address
	Operator  common.Address
	Lower     *big.Int
	Upper     *big.Int
	OrderType uint8
}
