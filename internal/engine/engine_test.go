package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"option-range-bot/internal/chain"
	"option-range-bot/internal/exec"
	"option-range-bot/internal/metrics"
	"option-range-bot/internal/oracle"
	"option-range-bot/internal/state"
	"option-range-bot/internal/strikes"
)

type fakeOracle struct {
	spot     float64
	iv       float64
	spotFail bool
	ivFail   bool
}

func (f *fakeOracle) GetSpotPrice(ctx context.Context, base, quote common.Address) (float64, error) {
	if f.spotFail {
		return 0, errors.New("spot feed down")
	}
	return f.spot, nil
}

func (f *fakeOracle) GetImpliedVolatility(ctx context.Context, base common.Address, spot, strike, ttm float64) (float64, error) {
	if f.ivFail {
		return 0, errors.New("iv surface down")
	}
	return f.iv, nil
}

type memStore struct {
	kv        map[string]string
	positions map[string][]state.RangeOrderPosition
	saves     int
}

func newMemStore() *memStore {
	return &memStore{kv: make(map[string]string), positions: make(map[string][]state.RangeOrderPosition)}
}

func (s *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *memStore) Set(ctx context.Context, key, value string) error {
	s.kv[key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	delete(s.kv, key)
	return nil
}

func (s *memStore) LoadPositions(ctx context.Context, market string) ([]state.RangeOrderPosition, error) {
	return s.positions[market], nil
}

func (s *memStore) SavePositions(ctx context.Context, market string, positions []state.RangeOrderPosition) error {
	s.positions[market] = positions
	s.saves++
	return nil
}

func (s *memStore) Close() error { return nil }

type fakePool struct {
	addr        common.Address
	marketPrice float64
	long, short float64
	orderBals   map[chain.OrderKey]float64

	deposits      []chain.OrderKey
	withdraws     []chain.OrderKey
	withdrawMins  []float64
	settles       []chain.OrderKey
	annihilations []float64

	failWithdraw bool
	failDeposit  bool

	nonce uint64
}

func (p *fakePool) tx() *types.Transaction {
	p.nonce++
	return types.NewTx(&types.LegacyTx{Nonce: p.nonce, Gas: 21000, GasPrice: big.NewInt(1)})
}

func (p *fakePool) Address() common.Address { return p.addr }

func (p *fakePool) MarketPrice(ctx context.Context) (float64, error) { return p.marketPrice, nil }

func (p *fakePool) BalanceOf(ctx context.Context, account common.Address, class chain.TokenClass) (float64, error) {
	if class == chain.ClassLong {
		return p.long, nil
	}
	return p.short, nil
}

func (p *fakePool) OrderBalance(ctx context.Context, key chain.OrderKey) (float64, error) {
	return p.orderBals[key], nil
}

func (p *fakePool) NearestTicksBelow(ctx context.Context, lower, upper int64) (int64, int64, error) {
	return lower, upper, nil
}

func (p *fakePool) Deposit(ctx context.Context, key chain.OrderKey, size, minMarketPrice float64) (*types.Transaction, error) {
	if p.failDeposit {
		return nil, errors.New("deposit rejected")
	}
	p.deposits = append(p.deposits, key)
	p.orderBals[key] = size
	return p.tx(), nil
}

func (p *fakePool) Withdraw(ctx context.Context, key chain.OrderKey, size, minMarketPrice float64) (*types.Transaction, error) {
	if p.failWithdraw {
		return nil, errors.New("withdraw rejected")
	}
	p.withdraws = append(p.withdraws, key)
	p.withdrawMins = append(p.withdrawMins, minMarketPrice)
	p.orderBals[key] = 0
	return p.tx(), nil
}

func (p *fakePool) SettlePosition(ctx context.Context, key chain.OrderKey) (*types.Transaction, error) {
	p.settles = append(p.settles, key)
	p.orderBals[key] = 0
	return p.tx(), nil
}

func (p *fakePool) Annihilate(ctx context.Context, size float64) (*types.Transaction, error) {
	p.annihilations = append(p.annihilations, size)
	return p.tx(), nil
}

type fakeToken struct {
	addr      common.Address
	balance   float64
	allowance *big.Int
	approvals []*big.Int
}

func (t *fakeToken) Address() common.Address { return t.addr }

func (t *fakeToken) Decimals(ctx context.Context) (uint8, error) { return 18, nil }

func (t *fakeToken) BalanceOf(ctx context.Context, account common.Address) (float64, error) {
	return t.balance, nil
}

func (t *fakeToken) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return new(big.Int).Set(t.allowance), nil
}

func (t *fakeToken) Approve(ctx context.Context, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	t.approvals = append(t.approvals, new(big.Int).Set(amount))
	t.allowance = new(big.Int).Set(amount)
	return types.NewTx(&types.LegacyTx{Nonce: 1, Gas: 21000, GasPrice: big.NewInt(1)}), nil
}

type fakeAdapter struct {
	account     common.Address
	pools       map[string]*fakePool
	poolsByAddr map[common.Address]*fakePool
	tokens      map[common.Address]*fakeToken
	deploys     []chain.PoolKey
	nextAddr    byte
}

func poolID(key chain.PoolKey) string {
	return fmt.Sprintf("%d/%g/%v", key.Maturity.Unix(), key.Strike, key.IsCall)
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		account:     common.HexToAddress("0xA0"),
		pools:       make(map[string]*fakePool),
		poolsByAddr: make(map[common.Address]*fakePool),
		tokens:      make(map[common.Address]*fakeToken),
		nextAddr:    0x10,
	}
}

func (a *fakeAdapter) addPool(key chain.PoolKey) *fakePool {
	a.nextAddr++
	p := &fakePool{
		addr:      common.BytesToAddress([]byte{a.nextAddr}),
		orderBals: make(map[chain.OrderKey]float64),
	}
	a.pools[poolID(key)] = p
	a.poolsByAddr[p.addr] = p
	return p
}

func (a *fakeAdapter) token(addr common.Address) *fakeToken {
	t, ok := a.tokens[addr]
	if !ok {
		t = &fakeToken{addr: addr, balance: 1e6, allowance: big.NewInt(0)}
		a.tokens[addr] = t
	}
	return t
}

func (a *fakeAdapter) Account() common.Address { return a.account }

func (a *fakeAdapter) PoolAddress(ctx context.Context, key chain.PoolKey) (common.Address, bool, error) {
	p, ok := a.pools[poolID(key)]
	if !ok {
		return common.Address{}, false, nil
	}
	return p.addr, true, nil
}

func (a *fakeAdapter) DeployPool(ctx context.Context, key chain.PoolKey) (*types.Transaction, error) {
	a.deploys = append(a.deploys, key)
	a.addPool(key)
	return types.NewTx(&types.LegacyTx{Nonce: 99, Gas: 21000, GasPrice: big.NewInt(1)}), nil
}

func (a *fakeAdapter) Pool(addr common.Address) chain.Pool { return a.poolsByAddr[addr] }

func (a *fakeAdapter) Token(addr common.Address) chain.Token { return a.token(addr) }

func (a *fakeAdapter) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

var (
	baseAddr  = common.HexToAddress("0xB0")
	quoteAddr = common.HexToAddress("0xC0")
)

func testMarket(maturity time.Time) Market {
	return Market{
		Name:        "weth-usdc",
		Base:        baseAddr,
		Quote:       quoteAddr,
		Maturities:  []time.Time{maturity},
		CallStrikes: []float64{2000},
		DepositSize: 1,
		MaxExposure: 2,
	}
}

func testParams() Params {
	return Params{
		RiskFreeRate:         0.05,
		MinDelta:             0.1,
		MaxDelta:             0.9,
		MinDaysToExpiry:      1,
		DefaultSpread:        0.10,
		RangeWidthMultiplier: 0.6,
		PriceMoveThreshold:   0.02,
		TimeThreshold:        time.Hour,
		DustFloor:            0.5,
	}
}

func newTestEngine(t *testing.T, market Market, params Params, fa *fakeAdapter, fo *fakeOracle) (*Engine, *memStore) {
	t.Helper()
	log := zap.NewNop()
	monitor := oracle.NewMonitor(fo, time.Millisecond, log)
	policy := exec.NewPolicy(fa, time.Millisecond, log, metrics.NewNoop())
	selector := strikes.NewSelector(monitor, log)
	store := newMemStore()
	eng := New(market, params, fa, monitor, selector, policy, store, metrics.NewNoop(), log)
	return eng, store
}

func maturityIn(d time.Duration) time.Time {
	return time.Now().UTC().Add(d).Truncate(time.Second)
}

func TestInitializeQuotesBothSides(t *testing.T) {
	maturity := maturityIn(876 * time.Hour) // ~0.1y
	market := testMarket(maturity)
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, store := newTestEngine(t, market, testParams(), fa, fo)

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if eng.Phase() != PhaseSteady {
		t.Fatalf("phase = %v, want steady", eng.Phase())
	}
	if len(pool.deposits) != 2 {
		t.Fatalf("deposits = %d, want 2", len(pool.deposits))
	}
	for _, key := range pool.deposits {
		if !key.Type.IsCollateral() {
			t.Fatalf("empty inventory must fund with collateral, got %v", key.Type)
		}
	}
	if eng.book.size() != 2 {
		t.Fatalf("book legs = %d, want 2", eng.book.size())
	}
	if len(store.positions[market.Name]) != 2 {
		t.Fatalf("persisted legs = %d, want 2", len(store.positions[market.Name]))
	}
	// collateral-funded deposits approve the pool first
	if len(fa.token(baseAddr).approvals) == 0 {
		t.Fatal("expected an approval before the collateral-funded deposit")
	}
}

func TestDegradedIVBlocksDeposit(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	fo := &fakeOracle{spot: 2000, iv: 0.6, ivFail: true}
	eng, store := newTestEngine(t, market, testParams(), fa, fo)

	key := chain.OrderKey{Owner: fa.account, Operator: fa.account, Lower: 86, Upper: 150, Type: chain.OrderCollateralAsk}
	pool.orderBals[key] = 1
	store.positions[market.Name] = []state.RangeOrderPosition{{
		Market: market.Name, MaturityUnix: maturity.Unix(), IsCall: true, Strike: 2000,
		Pool: pool.addr, Owner: fa.account, Operator: fa.account,
		Lower: 86, Upper: 150, OrderType: uint8(chain.OrderCollateralAsk), Size: 1,
	}}

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(pool.deposits) != 0 {
		t.Fatalf("deposits = %d, want none while degraded", len(pool.deposits))
	}
	if len(pool.withdraws) != 1 {
		t.Fatalf("withdraws = %d, want 1", len(pool.withdraws))
	}
	st := eng.instruments[InstrumentKey{Maturity: maturity.Unix(), IsCall: true, Strike: 2000}]
	if st == nil || st.Status != StatusDegradedIV {
		t.Fatalf("instrument status = %v, want degraded_iv", st)
	}
	if !st.CycleOrders {
		t.Fatal("cycle gate must stay set while degraded")
	}
}

func TestSpotOutageWithdrawsEverything(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, _ := newTestEngine(t, market, testParams(), fa, fo)

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("initial Cycle: %v", err)
	}
	if eng.book.size() != 2 {
		t.Fatalf("book legs after init = %d, want 2", eng.book.size())
	}

	fo.spotFail = true
	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("degraded Cycle: %v", err)
	}
	if eng.book.size() != 0 {
		t.Fatalf("book legs after outage = %d, want 0", eng.book.size())
	}
	if len(pool.withdraws) != 2 {
		t.Fatalf("withdraws = %d, want 2", len(pool.withdraws))
	}
	if len(pool.deposits) != 2 {
		t.Fatalf("deposits = %d, want no new ones during outage", len(pool.deposits))
	}
}

func TestWithdrawFailureGatesDeposit(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	pool.failWithdraw = true
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, store := newTestEngine(t, market, testParams(), fa, fo)

	key := chain.OrderKey{Owner: fa.account, Operator: fa.account, Lower: 86, Upper: 150, Type: chain.OrderCollateralAsk}
	pool.orderBals[key] = 1
	store.positions[market.Name] = []state.RangeOrderPosition{{
		Market: market.Name, MaturityUnix: maturity.Unix(), IsCall: true, Strike: 2000,
		Pool: pool.addr, Owner: fa.account, Operator: fa.account,
		Lower: 86, Upper: 150, OrderType: uint8(chain.OrderCollateralAsk), Size: 1,
	}}

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(pool.deposits) != 0 {
		t.Fatalf("deposits = %d, want none after a failed withdraw", len(pool.deposits))
	}
	st := eng.instruments[InstrumentKey{Maturity: maturity.Unix(), IsCall: true, Strike: 2000}]
	if !st.WithdrawFailed {
		t.Fatal("withdraw failure flag not set")
	}
	if !st.CycleOrders {
		t.Fatal("cycle gate must stay set so the instrument retries")
	}
	if eng.book.size() != 1 {
		t.Fatalf("failed withdraw must keep the leg tracked, book = %d", eng.book.size())
	}
}

func TestWithdrawRecoveryRestoresQuoting(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	pool.failWithdraw = true
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, store := newTestEngine(t, market, testParams(), fa, fo)

	key := chain.OrderKey{Owner: fa.account, Operator: fa.account, Lower: 86, Upper: 150, Type: chain.OrderCollateralAsk}
	pool.orderBals[key] = 1
	store.positions[market.Name] = []state.RangeOrderPosition{{
		Market: market.Name, MaturityUnix: maturity.Unix(), IsCall: true, Strike: 2000,
		Pool: pool.addr, Owner: fa.account, Operator: fa.account,
		Lower: 86, Upper: 150, OrderType: uint8(chain.OrderCollateralAsk), Size: 1,
	}}

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("failing Cycle: %v", err)
	}
	if len(pool.deposits) != 0 {
		t.Fatalf("deposits = %d, want none after a failed withdraw", len(pool.deposits))
	}

	pool.failWithdraw = false
	fo.spot = 2300 // trip the price-move threshold so the instrument recycles
	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("recovery Cycle: %v", err)
	}
	st := eng.instruments[InstrumentKey{Maturity: maturity.Unix(), IsCall: true, Strike: 2000}]
	if st.WithdrawFailed {
		t.Fatal("failure gate must clear once the withdraw goes through")
	}
	if len(pool.withdraws) != 1 {
		t.Fatalf("withdraws = %d, want the stale leg unwound", len(pool.withdraws))
	}
	if len(pool.deposits) != 2 {
		t.Fatalf("deposits = %d, want both sides back after recovery", len(pool.deposits))
	}
	if eng.book.size() != 2 {
		t.Fatalf("book legs = %d, want the fresh quote tracked", eng.book.size())
	}
}

func TestZeroBalanceWithdrawIsLocal(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	fo := &fakeOracle{spot: 2000, iv: 0.6, ivFail: true} // keep the deposit side quiet
	eng, store := newTestEngine(t, market, testParams(), fa, fo)

	store.positions[market.Name] = []state.RangeOrderPosition{{
		Market: market.Name, MaturityUnix: maturity.Unix(), IsCall: true, Strike: 2000,
		Pool: pool.addr, Owner: fa.account, Operator: fa.account,
		Lower: 86, Upper: 150, OrderType: uint8(chain.OrderCollateralAsk), Size: 1,
	}}

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(pool.withdraws) != 0 {
		t.Fatalf("withdraws = %d, want no transaction for a zero balance", len(pool.withdraws))
	}
	if eng.book.size() != 0 {
		t.Fatalf("book legs = %d, want 0", eng.book.size())
	}
}

func TestEmergencyWithdrawHoldsIntrinsicFloor(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	market.SpotEstimate = 2000
	fa := newFakeAdapter()
	callPool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 1800, IsCall: true})
	putPool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2200, IsCall: false})
	fo := &fakeOracle{spotFail: true}
	eng, store := newTestEngine(t, market, testParams(), fa, fo)

	store.positions[market.Name] = []state.RangeOrderPosition{
		{
			Market: market.Name, MaturityUnix: maturity.Unix(), IsCall: true, Strike: 1800,
			Pool: callPool.addr, Owner: fa.account, Operator: fa.account,
			Lower: 100, Upper: 164, OrderType: uint8(chain.OrderCollateralAsk), Size: 1,
		},
		{
			Market: market.Name, MaturityUnix: maturity.Unix(), IsCall: false, Strike: 2200,
			Pool: putPool.addr, Owner: fa.account, Operator: fa.account,
			Lower: 80, Upper: 144, OrderType: uint8(chain.OrderCollateralBid), Size: 1,
		},
	}

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if eng.Phase() == PhaseSteady {
		t.Fatal("market must stay initializing without spot")
	}
	if len(callPool.withdraws) != 1 || len(putPool.withdraws) != 1 {
		t.Fatalf("withdraws = %d call, %d put, want 1 each",
			len(callPool.withdraws), len(putPool.withdraws))
	}
	// 2000 estimate: call intrinsic 200/2000, put intrinsic 200/2200 floored to ticks
	if got := callPool.withdrawMins[0]; got != 0.1 {
		t.Fatalf("call withdraw floor = %g, want 0.1", got)
	}
	if got := putPool.withdrawMins[0]; got != 0.090 {
		t.Fatalf("put withdraw floor = %g, want 0.090", got)
	}
	if eng.book.size() != 0 {
		t.Fatalf("book legs = %d, want 0 after the unwind", eng.book.size())
	}
}

func TestExpiredPositionSettles(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	past := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)
	market := testMarket(maturity)
	fa := newFakeAdapter()
	fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	expiredPool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: past, Strike: 1800, IsCall: true})
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, store := newTestEngine(t, market, testParams(), fa, fo)

	key := chain.OrderKey{Owner: fa.account, Operator: fa.account, Lower: 86, Upper: 150, Type: chain.OrderCollateralAsk}
	expiredPool.orderBals[key] = 1
	store.positions[market.Name] = []state.RangeOrderPosition{{
		Market: market.Name, MaturityUnix: past.Unix(), IsCall: true, Strike: 1800,
		Pool: expiredPool.addr, Owner: fa.account, Operator: fa.account,
		Lower: 86, Upper: 150, OrderType: uint8(chain.OrderCollateralAsk), Size: 1,
	}}

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(expiredPool.settles) != 1 {
		t.Fatalf("settles = %d, want 1", len(expiredPool.settles))
	}
	if len(expiredPool.withdraws) != 0 {
		t.Fatalf("expired pools must settle, not withdraw (%d withdraws)", len(expiredPool.withdraws))
	}
}

func TestMaxExposureSkipsAsk(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	pool.short = 2 // at the exposure cap
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, _ := newTestEngine(t, market, testParams(), fa, fo)

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(pool.deposits) != 1 {
		t.Fatalf("deposits = %d, want bid only", len(pool.deposits))
	}
	if pool.deposits[0].Type.IsAsk() {
		t.Fatalf("ask side must be skipped at max exposure, got %v", pool.deposits[0].Type)
	}
	// short inventory above the deposit size funds the bid from options
	if pool.deposits[0].Type != chain.OrderOptionBid {
		t.Fatalf("bid funding = %v, want option-funded", pool.deposits[0].Type)
	}
}

func TestAnnihilationBounds(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	market.MaxExposure = 100
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	pool.long, pool.short = 5, 3
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, _ := newTestEngine(t, market, testParams(), fa, fo)

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(pool.annihilations) != 1 {
		t.Fatalf("annihilations = %d, want 1", len(pool.annihilations))
	}
	if pool.annihilations[0] != 3 {
		t.Fatalf("annihilated %g, want min(long, short) = 3", pool.annihilations[0])
	}
}

func TestAnnihilationSkippedBelowDust(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	pool.long, pool.short = 5, 0.1 // short below the dust floor
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, _ := newTestEngine(t, market, testParams(), fa, fo)

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(pool.annihilations) != 0 {
		t.Fatalf("annihilations = %d, want none below the dust floor", len(pool.annihilations))
	}
}

func TestSteadyNoActionWithinThresholds(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, _ := newTestEngine(t, market, testParams(), fa, fo)

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("initial Cycle: %v", err)
	}
	before := len(pool.deposits) + len(pool.withdraws)

	fo.spot = 2010 // 0.5% move, under the 2% threshold
	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("steady Cycle: %v", err)
	}
	if after := len(pool.deposits) + len(pool.withdraws); after != before {
		t.Fatalf("transactions went %d -> %d inside thresholds", before, after)
	}
}

func TestPriceMoveRecyclesOrders(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, _ := newTestEngine(t, market, testParams(), fa, fo)

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("initial Cycle: %v", err)
	}
	initialDeposits := len(pool.deposits)

	fo.spot = 2300 // 15% move trips the threshold, fair value moves past the spread
	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("recycle Cycle: %v", err)
	}
	if len(pool.withdraws) != initialDeposits {
		t.Fatalf("withdraws = %d, want the %d initial legs unwound", len(pool.withdraws), initialDeposits)
	}
	if len(pool.deposits) <= initialDeposits {
		t.Fatal("expected fresh deposits after the recycle")
	}
	for _, key := range pool.deposits[initialDeposits:] {
		if key.Type.IsAsk() && key.Lower == pool.deposits[0].Lower {
			t.Fatal("recycled ask kept the stale reference bounds")
		}
	}
}

func TestAutoDeployCreatesPool(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter() // no pool registered
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	params := testParams()
	params.AutoDeploy = true
	eng, _ := newTestEngine(t, market, params, fa, fo)

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(fa.deploys) != 1 {
		t.Fatalf("deploys = %d, want 1", len(fa.deploys))
	}
	pool := fa.pools[poolID(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})]
	if pool == nil {
		t.Fatal("pool not registered after deploy")
	}
	if len(pool.deposits) != 2 {
		t.Fatalf("deposits = %d, want both sides on the fresh pool", len(pool.deposits))
	}
}

func TestNoAutoDeployLeavesInstrumentPending(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter() // no pool registered
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, _ := newTestEngine(t, market, testParams(), fa, fo)

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(fa.deploys) != 0 {
		t.Fatalf("deploys = %d, want none", len(fa.deploys))
	}
	st := eng.instruments[InstrumentKey{Maturity: maturity.Unix(), IsCall: true, Strike: 2000}]
	if !st.CycleOrders {
		t.Fatal("instrument must stay pending until its pool exists")
	}
}

func TestPreExistingMarketPriceDominatesFairValue(t *testing.T) {
	maturity := maturityIn(876 * time.Hour)
	market := testMarket(maturity)
	fa := newFakeAdapter()
	pool := fa.addPool(chain.PoolKey{Base: baseAddr, Quote: quoteAddr, Maturity: maturity, Strike: 2000, IsCall: true})
	pool.marketPrice = 0.120 // normalized, above the ~0.078 fair value
	fo := &fakeOracle{spot: 2000, iv: 0.6}
	eng, _ := newTestEngine(t, market, testParams(), fa, fo)

	if err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	var askLower int64
	for _, key := range pool.deposits {
		if key.Type.IsAsk() {
			askLower = key.Lower
		}
	}
	// ref = 0.120 * 1.1 = 0.132, so the ask anchors at tick 132, not 86
	if askLower != 132 {
		t.Fatalf("ask lower = %d, want 132 from the pool market price", askLower)
	}
}
