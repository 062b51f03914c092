package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"option-range-bot/internal/chain"
	"option-range-bot/internal/collateral"
	"option-range-bot/internal/exec"
	"option-range-bot/internal/expiry"
	"option-range-bot/internal/metrics"
	"option-range-bot/internal/oracle"
	"option-range-bot/internal/pricing"
	"option-range-bot/internal/state"
	"option-range-bot/internal/strikes"
	"option-range-bot/internal/ticks"
)

// Phase is the per-market lifecycle phase.
type Phase uint8

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseSteady
)

// Params are the global quoting knobs shared by every market.
type Params struct {
	RiskFreeRate         float64
	MinDelta             float64
	MaxDelta             float64
	MinDaysToExpiry      float64
	DefaultSpread        float64
	RangeWidthMultiplier float64
	PriceMoveThreshold   float64
	TimeThreshold        time.Duration
	DustFloor            float64
	MaxApproval          bool
	AutoDeploy           bool
}

// Market is the static per-market configuration, parsed and validated.
type Market struct {
	Name           string
	Base           common.Address
	Quote          common.Address
	Maturities     []time.Time
	CallStrikes    []float64 // explicit; empty means auto-generate
	PutStrikes     []float64
	DepositSize    float64
	MaxExposure    float64
	MinOptionPrice float64
	SpotEstimate   float64 // fallback spot for emergency withdrawals
}

// Action describes one attempted on-chain order action, for reporting.
type Action struct {
	Instrument InstrumentKey
	Name       string
	OrderType  chain.OrderType
	Lower      int64
	Upper      int64
	Size       float64
	Success    bool
}

// InstrumentView is a read-only valuation snapshot of one instrument.
type InstrumentView struct {
	Key       InstrumentKey
	Status    Status
	Valuation pricing.Valuation
	IV        float64
	OpenLegs  int
}

// Reporter receives order actions as they happen. Implementations must not
// block the cycle.
type Reporter interface {
	RecordAction(market string, action Action)
}

// Engine drives one market's position lifecycle. One Cycle call per scheduler
// tick; markets run strictly sequentially because every mutating call shares
// one signing account.
type Engine struct {
	market   Market
	params   Params
	adapter  chain.Adapter
	monitor  *oracle.Monitor
	selector *strikes.Selector
	policy   *exec.Policy
	store    state.Store
	metrics  *metrics.Metrics
	log      *zap.Logger

	reporter  Reporter
	estimator func() (float64, bool)

	phase       Phase
	obs         MarketObservation
	lastUpdate  time.Time
	instruments map[InstrumentKey]*OptionState
	book        *book

	now func() time.Time
}

func New(market Market, params Params, adapter chain.Adapter, monitor *oracle.Monitor, selector *strikes.Selector, policy *exec.Policy, store state.Store, m *metrics.Metrics, log *zap.Logger) *Engine {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Engine{
		market:   market,
		params:   params,
		adapter:  adapter,
		monitor:  monitor,
		selector: selector,
		policy:   policy,
		store:    store,
		metrics:  m,
		log:      log.With(zap.String("market", market.Name)),
		book:     newBook(market.Name),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Phase exposes the lifecycle phase for reporting.
func (e *Engine) Phase() Phase { return e.phase }

// Market is the configured market name.
func (e *Engine) Market() string { return e.market.Name }

// SetReporter attaches an action reporter. Must be called before the first
// Cycle.
func (e *Engine) SetReporter(r Reporter) { e.reporter = r }

// SetSpotEstimator supplies a secondary spot source (the websocket feed) used
// only when the oracle is down and positions must be unwound.
func (e *Engine) SetSpotEstimator(f func() (float64, bool)) { e.estimator = f }

// Observation is the spot reading the last triggered cycle used.
func (e *Engine) Observation() MarketObservation { return e.obs }

// Instruments returns a valuation snapshot of every tracked instrument.
func (e *Engine) Instruments() []InstrumentView {
	out := make([]InstrumentView, 0, len(e.instruments))
	for _, st := range e.sortedInstruments() {
		out = append(out, InstrumentView{
			Key:       st.Key,
			Status:    st.Status,
			Valuation: st.Valuation,
			IV:        st.IV,
			OpenLegs:  len(e.book.forInstrument(st.Key)),
		})
	}
	return out
}

func (e *Engine) record(key InstrumentKey, action Action) {
	if e.reporter == nil {
		return
	}
	action.Instrument = key
	e.reporter.RecordAction(e.market.Name, action)
}

// Cycle runs one scheduler tick for the market. Errors abort only this
// market's cycle; instrument-scoped failures are logged and absorbed.
func (e *Engine) Cycle(ctx context.Context) error {
	e.metrics.CyclesRun.Inc()
	if e.phase != PhaseSteady {
		return e.initialize(ctx)
	}
	return e.maintain(ctx)
}

// initialize performs the first full pass: resolve the strike set, fold in
// positions recovered from the store, value everything, and run one
// withdraw/deposit cycle. If spot is unavailable the market stays in
// Initializing and retries next tick, after a best-effort withdrawal of any
// recovered positions.
func (e *Engine) initialize(ctx context.Context) error {
	if e.phase == PhaseUninitialized {
		if err := e.book.load(ctx, e.store); err != nil {
			return err
		}
		e.phase = PhaseInitializing
		if n := e.book.size(); n > 0 {
			e.log.Info("recovered positions from store", zap.Int("legs", n))
		}
	}

	spot, ok := e.monitor.FetchSpot(ctx, e.market.Base, e.market.Quote)
	if !ok {
		e.metrics.OracleFailures.Inc()
		e.emergencyWithdraw(ctx)
		return nil
	}
	e.obs = MarketObservation{SpotPrice: spot, ObservedAt: e.now()}

	if e.instruments == nil {
		e.instruments = make(map[InstrumentKey]*OptionState)
		e.resolveInstruments(ctx, spot)
		e.adoptForeign()
	}

	e.revalue(ctx)
	for _, st := range e.sortedInstruments() {
		e.runInstrument(ctx, st)
	}
	e.persist(ctx)
	e.lastUpdate = e.now()
	e.phase = PhaseSteady
	return nil
}

// maintain is the steady-state cycle: refetch spot, decide whether anything
// needs to move, and recycle the instruments that do.
func (e *Engine) maintain(ctx context.Context) error {
	spot, ok := e.monitor.FetchSpot(ctx, e.market.Base, e.market.Quote)
	if !ok {
		e.metrics.OracleFailures.Inc()
		e.log.Warn("spot unavailable, market degraded to withdraw-only")
		for _, st := range e.sortedInstruments() {
			st.Status = StatusDegradedSpot
			e.withdrawPass(ctx, st)
		}
		e.persist(ctx)
		return nil
	}

	moved := e.obs.SpotPrice > 0 &&
		math.Abs(spot-e.obs.SpotPrice)/e.obs.SpotPrice > e.params.PriceMoveThreshold
	stale := e.now().Sub(e.lastUpdate) >= e.params.TimeThreshold
	if !moved && !stale {
		return nil
	}

	e.obs = MarketObservation{SpotPrice: spot, ObservedAt: e.now()}
	e.revalue(ctx)
	for _, st := range e.sortedInstruments() {
		if !st.CycleOrders && !st.Status.Degraded() {
			continue
		}
		e.runInstrument(ctx, st)
	}
	e.persist(ctx)
	e.lastUpdate = e.now()
	return nil
}

// resolveInstruments fixes the strike set for the market's lifetime. Strikes
// are filtered by delta at the longest maturity only; explicit configuration
// bypasses generation but not instrument creation.
func (e *Engine) resolveInstruments(ctx context.Context, spot float64) {
	longest := e.market.Maturities[0]
	for _, m := range e.market.Maturities[1:] {
		if m.After(longest) {
			longest = m
		}
	}
	ttm := expiry.YearsUntil(longest, e.now())

	callStrikes := e.market.CallStrikes
	if len(callStrikes) == 0 {
		callStrikes = e.selector.Select(ctx, e.market.Base, strikes.Ladder(spot), spot, ttm,
			e.params.RiskFreeRate, e.params.MinDelta, e.params.MaxDelta, true)
	}
	putStrikes := e.market.PutStrikes
	if len(putStrikes) == 0 {
		putStrikes = e.selector.Select(ctx, e.market.Base, strikes.Ladder(spot), spot, ttm,
			e.params.RiskFreeRate, e.params.MinDelta, e.params.MaxDelta, false)
	}
	e.log.Info("strike set resolved",
		zap.Int("calls", len(callStrikes)),
		zap.Int("puts", len(putStrikes)),
	)

	for _, maturity := range e.market.Maturities {
		for _, strike := range callStrikes {
			e.ensureInstrument(InstrumentKey{Maturity: maturity.Unix(), IsCall: true, Strike: strike})
		}
		for _, strike := range putStrikes {
			e.ensureInstrument(InstrumentKey{Maturity: maturity.Unix(), IsCall: false, Strike: strike})
		}
	}
}

// adoptForeign folds recovered positions whose instrument is not covered by
// configuration into the tracked set, so they get withdrawn or re-quoted like
// any other instrument.
func (e *Engine) adoptForeign() {
	for _, key := range e.book.instrumentKeys() {
		if _, ok := e.instruments[key]; ok {
			continue
		}
		e.log.Info("adopting untracked position", zap.Stringer("instrument", key))
		e.ensureInstrument(key)
	}
}

func (e *Engine) ensureInstrument(key InstrumentKey) *OptionState {
	if st, ok := e.instruments[key]; ok {
		return st
	}
	st := &OptionState{Key: key, CycleOrders: true}
	e.instruments[key] = st
	return st
}

func (e *Engine) sortedInstruments() []*OptionState {
	out := make([]*OptionState, 0, len(e.instruments))
	for _, st := range e.instruments {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Maturity != b.Maturity {
			return a.Maturity < b.Maturity
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.IsCall && !b.IsCall
	})
	return out
}

// revalue refreshes the valuation and oracle-health status of every
// unexpired instrument against the current observation. A fair-price move
// beyond the spread marks the instrument for recycling.
func (e *Engine) revalue(ctx context.Context) {
	for _, st := range e.sortedInstruments() {
		ttm := expiry.YearsUntil(st.Key.MaturityTime(), e.now())
		if ttm <= 0 {
			continue
		}
		val, iv, ok := e.monitor.FetchVolAndValue(ctx, e.market.Base,
			e.obs.SpotPrice, st.Key.Strike, ttm, e.params.RiskFreeRate, st.Key.IsCall)
		if !ok {
			e.metrics.OracleFailures.Inc()
			st.Status = StatusDegradedIV
			continue
		}
		if st.Status.Degraded() {
			st.CycleOrders = true
		}
		prev := st.Valuation.Price
		if prev > 0 && math.Abs(val.Price-prev)/prev > e.params.DefaultSpread {
			st.CycleOrders = true
		}
		st.Status = StatusTradable
		st.Valuation = val
		st.IV = iv
		st.ValuedAt = e.obs.ObservedAt
	}
}

// runInstrument is one withdraw-then-deposit cycle. The withdraw pass always
// precedes the deposit pass, and a failed withdraw gates the deposit.
func (e *Engine) runInstrument(ctx context.Context, st *OptionState) {
	if st.CycleOrders || st.Status.Degraded() {
		e.withdrawPass(ctx, st)
	}
	e.depositPass(ctx, st)
}

// withdrawPass unwinds every tracked leg of the instrument: settle when the
// maturity has passed, withdraw otherwise. A zero on-chain balance means the
// leg is already gone and is dropped without a transaction. The failure gate
// reflects only this pass: it resets before the unwind and is raised again on
// any leg that could not be removed.
func (e *Engine) withdrawPass(ctx context.Context, st *OptionState) {
	st.WithdrawFailed = false
	legs := e.book.forInstrument(st.Key)
	if len(legs) == 0 {
		return
	}
	expired := !st.Key.MaturityTime().After(e.now())
	for _, leg := range legs {
		pool := e.adapter.Pool(leg.Pool)
		key := orderKey(leg)
		fields := e.legFields(st, leg)

		if expired {
			err := e.policy.Run(ctx, "settle", fields, func(ctx context.Context) (*types.Transaction, error) {
				return pool.SettlePosition(ctx, key)
			})
			e.record(st.Key, Action{
				Name: "settle", OrderType: key.Type,
				Lower: key.Lower, Upper: key.Upper, Size: leg.Size, Success: err == nil,
			})
			if err != nil {
				st.WithdrawFailed = true
				e.log.Warn("settlement failed", append(fields, zap.Error(err))...)
				continue
			}
			e.metrics.Settlements.Inc()
			e.book.remove(leg.Key())
			continue
		}

		bal, err := pool.OrderBalance(ctx, key)
		if err != nil {
			st.WithdrawFailed = true
			e.log.Warn("order balance read failed", append(fields, zap.Error(err))...)
			continue
		}
		if bal <= 0 {
			e.book.remove(leg.Key())
			continue
		}
		err = e.policy.Run(ctx, "withdraw", fields, func(ctx context.Context) (*types.Transaction, error) {
			return pool.Withdraw(ctx, key, bal, 0)
		})
		e.record(st.Key, Action{
			Name: "withdraw", OrderType: key.Type,
			Lower: key.Lower, Upper: key.Upper, Size: bal, Success: err == nil,
		})
		if err != nil {
			st.WithdrawFailed = true
			e.log.Warn("withdraw failed", append(fields, zap.Error(err))...)
			continue
		}
		e.metrics.Withdrawals.Inc()
		e.book.remove(leg.Key())
	}
}

// depositPass builds and places the two-sided quote for one instrument.
// Guard order: recycle due, confirmed withdraws, healthy oracles, then the
// per-instrument delta band and the expiry floor. The recycle gates stay set
// when a guard defers the deposit, so the instrument retries next cycle;
// they clear once planning actually runs.
func (e *Engine) depositPass(ctx context.Context, st *OptionState) {
	if !st.CycleOrders || st.WithdrawFailed || st.Status.Degraded() {
		return
	}
	maturity := st.Key.MaturityTime()
	if expiry.DaysUntil(maturity, e.now()) < e.params.MinDaysToExpiry {
		st.CycleOrders = false
		st.WithdrawFailed = false
		return
	}
	if d := math.Abs(st.Valuation.Delta); d <= e.params.MinDelta || d >= e.params.MaxDelta {
		return
	}

	fields := e.instrumentFields(st)
	pool, existed, err := e.ensurePool(ctx, st)
	if err != nil {
		e.log.Warn("pool unavailable", append(fields, zap.Error(err))...)
		return
	}
	if pool == nil {
		return
	}

	e.annihilate(ctx, st, pool)

	account := e.adapter.Account()
	longBal, err := pool.BalanceOf(ctx, account, chain.ClassLong)
	if err != nil {
		e.log.Warn("long balance read failed", append(fields, zap.Error(err))...)
		return
	}
	shortBal, err := pool.BalanceOf(ctx, account, chain.ClassShort)
	if err != nil {
		e.log.Warn("short balance read failed", append(fields, zap.Error(err))...)
		return
	}

	normalizer := e.obs.SpotPrice
	if !st.Key.IsCall {
		normalizer = st.Key.Strike
	}
	ref := st.Valuation.Price
	if existed {
		if mp, err := pool.MarketPrice(ctx); err == nil && mp > 0 {
			ref = mp * normalizer
		}
	}

	in := collateral.Instrument{
		IsCall:         st.Key.IsCall,
		Strike:         st.Key.Strike,
		RefPrice:       ref,
		Normalizer:     normalizer,
		DepositSize:    e.market.DepositSize,
		MaxExposure:    e.market.MaxExposure,
		MinOptionPrice: e.market.MinOptionPrice,
		Spread:         e.params.DefaultSpread,
		WidthMult:      e.params.RangeWidthMultiplier,
		LongBalance:    longBal,
		ShortBalance:   shortBal,
	}
	ask := collateral.PlanAsk(in)
	bid := collateral.PlanBid(in)

	token := e.collateralToken(st.Key.IsCall)
	tokenBal, err := token.BalanceOf(ctx, account)
	if err != nil {
		e.log.Warn("collateral balance read failed", append(fields, zap.Error(err))...)
		return
	}
	collateral.CheckBalance(&ask, &bid, tokenBal)

	if ask.Placeable() {
		e.placeSide(ctx, st, pool, token, ask)
	}
	if bid.Placeable() {
		e.placeSide(ctx, st, pool, token, bid)
	}
	for _, plan := range []collateral.SidePlan{ask, bid} {
		if plan.Skip != collateral.SkipNone {
			e.log.Info("side skipped",
				append(fields,
					zap.String("side", sideName(plan)),
					zap.String("reason", string(plan.Skip)),
				)...)
		}
	}

	st.CycleOrders = false
	st.WithdrawFailed = false
}

// placeSide turns one surviving plan into an on-chain deposit: approval when
// collateral-funded, tick normalization through the pool, then the deposit
// itself. A leg already open at the same pool and funding mode is left alone.
func (e *Engine) placeSide(ctx context.Context, st *OptionState, pool chain.Pool, token chain.Token, plan collateral.SidePlan) {
	orderType := orderTypeFor(plan)
	posKey := state.PositionKey{
		Market:    e.market.Name,
		Maturity:  st.Key.Maturity,
		IsCall:    st.Key.IsCall,
		Strike:    st.Key.Strike,
		Pool:      pool.Address(),
		OrderType: uint8(orderType),
	}
	fields := append(e.instrumentFields(st), zap.Stringer("order_type", orderType))
	if e.book.has(posKey) {
		e.log.Info("leg already open", fields...)
		return
	}

	if !plan.UseOptions {
		if err := e.ensureAllowance(ctx, token, pool.Address(), plan.Collateral); err != nil {
			e.log.Warn("approval failed", append(fields, zap.Error(err))...)
			return
		}
	}

	lower, upper, err := pool.NearestTicksBelow(ctx, plan.Bounds.Lower, plan.Bounds.Upper)
	if err != nil {
		e.log.Warn("tick normalization failed", append(fields, zap.Error(err))...)
		return
	}
	account := e.adapter.Account()
	key := chain.OrderKey{
		Owner:    account,
		Operator: account,
		Lower:    lower,
		Upper:    upper,
		Type:     orderType,
	}
	err = e.policy.Run(ctx, "deposit", fields, func(ctx context.Context) (*types.Transaction, error) {
		return pool.Deposit(ctx, key, e.market.DepositSize, 0)
	})
	e.record(st.Key, Action{
		Name: "deposit", OrderType: orderType,
		Lower: lower, Upper: upper, Size: e.market.DepositSize, Success: err == nil,
	})
	if err != nil {
		e.log.Warn("deposit failed", append(fields, zap.Error(err))...)
		return
	}
	e.metrics.Deposits.Inc()
	e.book.add(state.RangeOrderPosition{
		Market:           e.market.Name,
		MaturityUnix:     st.Key.Maturity,
		IsCall:           st.Key.IsCall,
		Strike:           st.Key.Strike,
		Pool:             pool.Address(),
		Owner:            account,
		Operator:         account,
		Lower:            lower,
		Upper:            upper,
		OrderType:        uint8(orderType),
		Size:             e.market.DepositSize,
		CollateralFunded: !plan.UseOptions,
	})
}

// annihilate nets offsetting long and short inventory before sizing, to free
// collateral. Skipped entirely when either side is below the dust floor; a
// failure is logged and never blocks the deposits that follow.
func (e *Engine) annihilate(ctx context.Context, st *OptionState, pool chain.Pool) {
	account := e.adapter.Account()
	longBal, err := pool.BalanceOf(ctx, account, chain.ClassLong)
	if err != nil {
		return
	}
	shortBal, err := pool.BalanceOf(ctx, account, chain.ClassShort)
	if err != nil {
		return
	}
	if longBal < e.params.DustFloor || shortBal < e.params.DustFloor {
		return
	}
	size := math.Min(longBal, shortBal)
	fields := append(e.instrumentFields(st), zap.Float64("size", size))
	err = e.policy.Run(ctx, "annihilate", fields, func(ctx context.Context) (*types.Transaction, error) {
		return pool.Annihilate(ctx, size)
	})
	e.record(st.Key, Action{Name: "annihilate", Size: size, Success: err == nil})
	if err != nil {
		e.log.Warn("annihilation failed", append(fields, zap.Error(err))...)
		return
	}
	e.metrics.Annihilations.Inc()
}

// ensurePool resolves the instrument's pool, deploying it when permitted.
// existed is false for a pool deployed this cycle, which makes the planner
// fall back to fair value instead of a nonexistent market price.
func (e *Engine) ensurePool(ctx context.Context, st *OptionState) (pool chain.Pool, existed bool, err error) {
	key := chain.PoolKey{
		Base:     e.market.Base,
		Quote:    e.market.Quote,
		Maturity: st.Key.MaturityTime(),
		Strike:   st.Key.Strike,
		IsCall:   st.Key.IsCall,
	}
	addr, deployed, err := e.adapter.PoolAddress(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if deployed {
		return e.adapter.Pool(addr), true, nil
	}
	if !e.params.AutoDeploy {
		return nil, false, nil
	}
	fields := e.instrumentFields(st)
	err = e.policy.Run(ctx, "deploy_pool", fields, func(ctx context.Context) (*types.Transaction, error) {
		return e.adapter.DeployPool(ctx, key)
	})
	if err != nil {
		return nil, false, err
	}
	addr, deployed, err = e.adapter.PoolAddress(ctx, key)
	if err != nil || !deployed {
		return nil, false, err
	}
	e.log.Info("pool deployed", append(fields, zap.String("pool", addr.Hex()))...)
	return e.adapter.Pool(addr), false, nil
}

// ensureAllowance guarantees the pool can pull the side's collateral. With
// the max-approval toggle the first approval is unlimited and later checks
// short-circuit.
func (e *Engine) ensureAllowance(ctx context.Context, token chain.Token, spender common.Address, amount float64) error {
	account := e.adapter.Account()
	decimals, err := token.Decimals(ctx)
	if err != nil {
		return err
	}
	needed := chain.ToUnits(amount, decimals)
	current, err := token.Allowance(ctx, account, spender)
	if err != nil {
		return err
	}
	if current.Cmp(needed) >= 0 {
		return nil
	}
	approveAmount := needed
	if e.params.MaxApproval {
		approveAmount = chain.MaxApproval
	}
	return e.policy.Run(ctx, "approve",
		[]zap.Field{zap.String("token", token.Address().Hex()), zap.String("spender", spender.Hex())},
		func(ctx context.Context) (*types.Transaction, error) {
			return token.Approve(ctx, spender, approveAmount)
		})
}

// emergencyWithdraw is the oracle-blackout path during initialization: unwind
// every recovered leg best-effort, holding each withdraw to the intrinsic
// price floor the spot estimate implies. Without any estimate the legs are
// left in place. Failures are logged; the legs stay tracked and retry next
// tick.
func (e *Engine) emergencyWithdraw(ctx context.Context) {
	if e.book.size() == 0 {
		return
	}
	estimate := e.obs.SpotPrice
	if estimate <= 0 && e.estimator != nil {
		if est, ok := e.estimator(); ok {
			estimate = est
		}
	}
	if estimate <= 0 {
		estimate = e.market.SpotEstimate
	}
	if estimate <= 0 {
		e.log.Warn("no spot estimate, recovered positions left in place")
		return
	}
	e.log.Warn("spot unavailable, unwinding recovered positions",
		zap.Float64("spot_estimate", estimate))
	now := e.now()
	for _, leg := range e.book.all() {
		pool := e.adapter.Pool(leg.Pool)
		key := orderKey(leg)
		fields := []zap.Field{
			zap.String("pool", leg.Pool.Hex()),
			zap.Stringer("order_type", chain.OrderType(leg.OrderType)),
		}
		var err error
		if !leg.Maturity().After(now) {
			err = e.policy.Run(ctx, "settle", fields, func(ctx context.Context) (*types.Transaction, error) {
				return pool.SettlePosition(ctx, key)
			})
			if err == nil {
				e.metrics.Settlements.Inc()
			}
		} else {
			floor := intrinsicFloor(leg, estimate)
			err = e.policy.Run(ctx, "withdraw", fields, func(ctx context.Context) (*types.Transaction, error) {
				return pool.Withdraw(ctx, key, leg.Size, floor)
			})
			if err == nil {
				e.metrics.Withdrawals.Inc()
			}
		}
		if err != nil {
			e.log.Warn("emergency unwind failed", append(fields, zap.Error(err))...)
			continue
		}
		e.book.remove(leg.Key())
	}
	e.persist(ctx)
}

func (e *Engine) persist(ctx context.Context) {
	if err := e.book.save(ctx, e.store); err != nil {
		e.log.Error("position snapshot save failed", zap.Error(err))
	}
}

// collateralToken is the token deposits draw from: calls fund in the base
// token, puts in the quote token.
func (e *Engine) collateralToken(isCall bool) chain.Token {
	if isCall {
		return e.adapter.Token(e.market.Base)
	}
	return e.adapter.Token(e.market.Quote)
}

func (e *Engine) instrumentFields(st *OptionState) []zap.Field {
	return []zap.Field{
		zap.Stringer("instrument", st.Key),
		zap.Stringer("status", st.Status),
	}
}

func (e *Engine) legFields(st *OptionState, leg state.RangeOrderPosition) []zap.Field {
	return append(e.instrumentFields(st),
		zap.String("pool", leg.Pool.Hex()),
		zap.Stringer("order_type", chain.OrderType(leg.OrderType)),
	)
}

func orderKey(leg state.RangeOrderPosition) chain.OrderKey {
	return chain.OrderKey{
		Owner:    leg.Owner,
		Operator: leg.Operator,
		Lower:    leg.Lower,
		Upper:    leg.Upper,
		Type:     chain.OrderType(leg.OrderType),
	}
}

// intrinsicFloor is the normalized intrinsic value of a leg's instrument at
// the estimated spot, floored to tick granularity. Any live pool price sits
// at or above intrinsic, so it serves as the withdraw price bound when no
// oracle valuation is available.
func intrinsicFloor(leg state.RangeOrderPosition, spot float64) float64 {
	intrinsic := spot - leg.Strike
	normalizer := spot
	if !leg.IsCall {
		intrinsic = leg.Strike - spot
		normalizer = leg.Strike
	}
	if intrinsic <= 0 || normalizer <= 0 {
		return 0
	}
	return math.Floor(intrinsic/normalizer*ticks.Granularity) / ticks.Granularity
}

func orderTypeFor(plan collateral.SidePlan) chain.OrderType {
	if plan.Side == ticks.SideAsk {
		if plan.UseOptions {
			return chain.OrderOptionAsk
		}
		return chain.OrderCollateralAsk
	}
	if plan.UseOptions {
		return chain.OrderOptionBid
	}
	return chain.OrderCollateralBid
}

func sideName(plan collateral.SidePlan) string {
	if plan.Side == ticks.SideAsk {
		return "ask"
	}
	return "bid"
}
