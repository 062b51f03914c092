package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"option-range-bot/internal/chain"
)

const gasLimitHeadroom = 120 // percent of the node's gas estimate

// Client implements chain.Adapter against a JSON-RPC endpoint. All mutating
// calls are signed with a single key; nonce ordering relies on the engine's
// strictly sequential submission.
type Client struct {
	eth     *ethclient.Client
	key     *ecdsa.PrivateKey
	account common.Address
	chainID *big.Int
	factory common.Address
	log     *zap.Logger
}

func Dial(ctx context.Context, rpcURL, hexKey string, factory common.Address, log *zap.Logger) (*Client, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, errors.New("wallet private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return &Client{
		eth:     eth,
		key:     key,
		account: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		factory: factory,
		log:     log,
	}, nil
}

func (c *Client) Close() { c.eth.Close() }

func (c *Client) Account() common.Address { return c.account }

func (c *Client) PoolAddress(ctx context.Context, key chain.PoolKey) (common.Address, bool, error) {
	data, err := factoryABI.Pack("getPoolAddress", toPoolKeyWire(key))
	if err != nil {
		return common.Address{}, false, err
	}
	raw, err := c.call(ctx, c.factory, data)
	if err != nil {
		return common.Address{}, false, err
	}
	out, err := factoryABI.Unpack("getPoolAddress", raw)
	if err != nil || len(out) != 2 {
		return common.Address{}, false, fmt.Errorf("getPoolAddress decode: %w", err)
	}
	addr, _ := out[0].(common.Address)
	deployed, _ := out[1].(bool)
	return addr, deployed, nil
}

func (c *Client) DeployPool(ctx context.Context, key chain.PoolKey) (*types.Transaction, error) {
	data, err := factoryABI.Pack("deployPool", toPoolKeyWire(key))
	if err != nil {
		return nil, err
	}
	return c.transact(ctx, c.factory, data)
}

func (c *Client) Pool(addr common.Address) chain.Pool {
	return &pool{client: c, addr: addr}
}

func (c *Client) Token(addr common.Address) chain.Token {
	return &token{client: c, addr: addr}
}

func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, c.eth, tx)
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.eth.CallContract(ctx, ethereum.CallMsg{From: c.account, To: &to, Data: data}, nil)
}

func (c *Client) transact(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, c.account)
	if err != nil {
		return nil, err
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.account, To: &to, Data: data})
	if err != nil {
		return nil, err
	}
	gasLimit = gasLimit * gasLimitHeadroom / 100
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	if c.log != nil {
		c.log.Debug("transaction submitted",
			zap.String("to", to.Hex()),
			zap.Uint64("nonce", nonce),
			zap.String("hash", signed.Hash().Hex()),
		)
	}
	return signed, nil
}

type pool struct {
	client *Client
	addr   common.Address
}

func (p *pool) Address() common.Address { return p.addr }

func (p *pool) MarketPrice(ctx context.Context) (float64, error) {
	data, err := poolABI.Pack("marketPrice")
	if err != nil {
		return 0, err
	}
	raw, err := p.client.call(ctx, p.addr, data)
	if err != nil {
		return 0, err
	}
	out, err := poolABI.Unpack("marketPrice", raw)
	if err != nil || len(out) != 1 {
		return 0, fmt.Errorf("marketPrice decode: %w", err)
	}
	price, _ := out[0].(*big.Int)
	return chain.FromUnits(price, chain.WadDecimals), nil
}

func (p *pool) BalanceOf(ctx context.Context, account common.Address, class chain.TokenClass) (float64, error) {
	data, err := poolABI.Pack("balanceOf", account, big.NewInt(int64(class)))
	if err != nil {
		return 0, err
	}
	raw, err := p.client.call(ctx, p.addr, data)
	if err != nil {
		return 0, err
	}
	out, err := poolABI.Unpack("balanceOf", raw)
	if err != nil || len(out) != 1 {
		return 0, fmt.Errorf("balanceOf decode: %w", err)
	}
	bal, _ := out[0].(*big.Int)
	return chain.FromUnits(bal, chain.WadDecimals), nil
}

// OrderBalance reads the liquidity token balance for one range-order leg. The
// pool mints one ERC-1155 token per order key; its id is the keccak hash of
// the packed key fields.
func (p *pool) OrderBalance(ctx context.Context, key chain.OrderKey) (float64, error) {
	data, err := poolABI.Pack("balanceOf", key.Owner, orderTokenID(key))
	if err != nil {
		return 0, err
	}
	raw, err := p.client.call(ctx, p.addr, data)
	if err != nil {
		return 0, err
	}
	out, err := poolABI.Unpack("balanceOf", raw)
	if err != nil || len(out) != 1 {
		return 0, fmt.Errorf("balanceOf decode: %w", err)
	}
	bal, _ := out[0].(*big.Int)
	return chain.FromUnits(bal, chain.WadDecimals), nil
}

func orderTokenID(key chain.OrderKey) *big.Int {
	buf := make([]byte, 0, 4*32+1)
	buf = append(buf, common.LeftPadBytes(key.Owner.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(key.Operator.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(chain.TickToWad(key.Lower).Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(chain.TickToWad(key.Upper).Bytes(), 32)...)
	buf = append(buf, byte(key.Type))
	return new(big.Int).SetBytes(crypto.Keccak256(buf))
}

func (p *pool) NearestTicksBelow(ctx context.Context, lower, upper int64) (int64, int64, error) {
	data, err := poolABI.Pack("getNearestTicksBelow", chain.TickToWad(lower), chain.TickToWad(upper))
	if err != nil {
		return 0, 0, err
	}
	raw, err := p.client.call(ctx, p.addr, data)
	if err != nil {
		return 0, 0, err
	}
	out, err := poolABI.Unpack("getNearestTicksBelow", raw)
	if err != nil || len(out) != 2 {
		return 0, 0, fmt.Errorf("getNearestTicksBelow decode: %w", err)
	}
	lo, _ := out[0].(*big.Int)
	hi, _ := out[1].(*big.Int)
	return chain.WadToTick(lo), chain.WadToTick(hi), nil
}

func (p *pool) Deposit(ctx context.Context, key chain.OrderKey, size, minMarketPrice float64) (*types.Transaction, error) {
	data, err := poolABI.Pack("deposit",
		toPosKeyWire(key),
		chain.ToUnits(size, chain.WadDecimals),
		chain.ToUnits(minMarketPrice, chain.WadDecimals),
		chain.ToUnits(1.0, chain.WadDecimals),
	)
	if err != nil {
		return nil, err
	}
	return p.client.transact(ctx, p.addr, data)
}

func (p *pool) Withdraw(ctx context.Context, key chain.OrderKey, size, minMarketPrice float64) (*types.Transaction, error) {
	data, err := poolABI.Pack("withdraw",
		toPosKeyWire(key),
		chain.ToUnits(size, chain.WadDecimals),
		chain.ToUnits(minMarketPrice, chain.WadDecimals),
		chain.ToUnits(1.0, chain.WadDecimals),
	)
	if err != nil {
		return nil, err
	}
	return p.client.transact(ctx, p.addr, data)
}

func (p *pool) SettlePosition(ctx context.Context, key chain.OrderKey) (*types.Transaction, error) {
	data, err := poolABI.Pack("settlePosition", toPosKeyWire(key))
	if err != nil {
		return nil, err
	}
	return p.client.transact(ctx, p.addr, data)
}

func (p *pool) Annihilate(ctx context.Context, size float64) (*types.Transaction, error) {
	data, err := poolABI.Pack("annihilate", chain.ToUnits(size, chain.WadDecimals))
	if err != nil {
		return nil, err
	}
	return p.client.transact(ctx, p.addr, data)
}

type token struct {
	client *Client
	addr   common.Address
}

func (t *token) Address() common.Address { return t.addr }

func (t *token) Decimals(ctx context.Context) (uint8, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	raw, err := t.client.call(ctx, t.addr, data)
	if err != nil {
		return 0, err
	}
	out, err := erc20ABI.Unpack("decimals", raw)
	if err != nil || len(out) != 1 {
		return 0, fmt.Errorf("decimals decode: %w", err)
	}
	dec, _ := out[0].(uint8)
	return dec, nil
}

func (t *token) BalanceOf(ctx context.Context, account common.Address) (float64, error) {
	dec, err := t.Decimals(ctx)
	if err != nil {
		return 0, err
	}
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return 0, err
	}
	raw, err := t.client.call(ctx, t.addr, data)
	if err != nil {
		return 0, err
	}
	out, err := erc20ABI.Unpack("balanceOf", raw)
	if err != nil || len(out) != 1 {
		return 0, fmt.Errorf("balanceOf decode: %w", err)
	}
	bal, _ := out[0].(*big.Int)
	return chain.FromUnits(bal, dec), nil
}

func (t *token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	raw, err := t.client.call(ctx, t.addr, data)
	if err != nil {
		return nil, err
	}
	out, err := erc20ABI.Unpack("allowance", raw)
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("allowance decode: %w", err)
	}
	allowance, _ := out[0].(*big.Int)
	return allowance, nil
}

func (t *token) Approve(ctx context.Context, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, err
	}
	return t.client.transact(ctx, t.addr, data)
}

func toPoolKeyWire(key chain.PoolKey) poolKeyWire {
	return poolKeyWire{
		Base:       key.Base,
		Quote:      key.Quote,
		Strike:     chain.ToUnits(key.Strike, chain.WadDecimals),
		Maturity:   uint64(key.Maturity.UTC().Unix()),
		IsCallPool: key.IsCall,
	}
}

func toPosKeyWire(key chain.OrderKey) posKeyWire {
	return posKeyWire{
		Owner:     key.Owner,
		Operator:  key.Operator,
		Lower:     chain.TickToWad(key.Lower),
		Upper:     chain.TickToWad(key.Upper),
		OrderType: uint8(key.Type),
	}
}
