package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"option-range-bot/internal/chain/evm"
	"option-range-bot/internal/config"
	"option-range-bot/internal/engine"
	"option-range-bot/internal/exec"
	"option-range-bot/internal/expiry"
	"option-range-bot/internal/metrics"
	"option-range-bot/internal/oracle"
	"option-range-bot/internal/reporting"
	"option-range-bot/internal/state/sqlite"
	"option-range-bot/internal/strikes"
)

// App wires the configuration into one engine per market and runs them on a
// shared ticker, strictly sequentially: every mutating call signs with the
// same account.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	chain   *evm.Client
	monitor *oracle.Monitor
	feed    *oracle.Feed
	writer  *reporting.Writer
	prom    *metrics.Prometheus
	engines []*engine.Engine
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	privateKey := strings.TrimSpace(os.Getenv("BOT_PRIVATE_KEY"))
	if privateKey == "" {
		store.Close()
		return nil, errors.New("BOT_PRIVATE_KEY is required")
	}
	chainClient, err := evm.Dial(ctx, cfg.RPC.URL, privateKey, common.HexToAddress(cfg.RPC.Factory), log)
	if err != nil {
		store.Close()
		return nil, err
	}

	oracleClient := oracle.NewClient(cfg.Oracle.BaseURL, cfg.Oracle.Timeout, log)
	monitor := oracle.NewMonitor(oracleClient, cfg.Oracle.RetryBackoff, log)

	var feed *oracle.Feed
	if cfg.Oracle.FeedURL != "" {
		pairs := make([]string, 0, len(cfg.Markets))
		for _, m := range cfg.Markets {
			if m.FeedPair != "" {
				pairs = append(pairs, m.FeedPair)
			}
		}
		if len(pairs) > 0 {
			feed = oracle.NewFeed(cfg.Oracle.FeedURL, cfg.Oracle.FeedReconnect, pairs, log)
		}
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Listen != "" {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	writer, err := reporting.New(cfg.Timescale, log)
	if err != nil {
		store.Close()
		chainClient.Close()
		return nil, err
	}

	policy := exec.NewPolicy(chainClient, cfg.RPC.TxBackoff, log, m)
	selector := strikes.NewSelector(monitor, log)

	params := engine.Params{
		RiskFreeRate:         cfg.Strategy.RiskFreeRate,
		MinDelta:             cfg.Strategy.MinDelta,
		MaxDelta:             cfg.Strategy.MaxDelta,
		MinDaysToExpiry:      cfg.Strategy.MinDaysToExpiry,
		DefaultSpread:        cfg.Strategy.DefaultSpread,
		RangeWidthMultiplier: cfg.Strategy.RangeWidthMultiplier,
		PriceMoveThreshold:   cfg.Strategy.PriceMoveThreshold,
		TimeThreshold:        cfg.Strategy.TimeThreshold,
		DustFloor:            cfg.Strategy.DustFloor,
		MaxApproval:          cfg.Strategy.MaxApproval,
		AutoDeploy:           cfg.Strategy.AutoDeploy,
	}

	engines := make([]*engine.Engine, 0, len(cfg.Markets))
	for _, mc := range cfg.Markets {
		market, err := parseMarket(mc)
		if err != nil {
			store.Close()
			chainClient.Close()
			return nil, err
		}
		eng := engine.New(market, params, chainClient, monitor, selector, policy, store, m, log)
		if writer != nil {
			eng.SetReporter(&actionReporter{writer: writer})
		}
		if feed != nil && mc.FeedPair != "" {
			pair := mc.FeedPair
			eng.SetSpotEstimator(func() (float64, bool) {
				price, _, ok := feed.Last(pair)
				return price, ok
			})
		}
		engines = append(engines, eng)
	}

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		chain:   chainClient,
		monitor: monitor,
		feed:    feed,
		writer:  writer,
		prom:    prom,
		engines: engines,
	}, nil
}

func parseMarket(mc config.MarketConfig) (engine.Market, error) {
	maturities := make([]time.Time, 0, len(mc.Maturities))
	for _, token := range mc.Maturities {
		maturity, err := expiry.Parse(token)
		if err != nil {
			return engine.Market{}, err
		}
		maturities = append(maturities, maturity)
	}
	return engine.Market{
		Name:           mc.Name,
		Base:           common.HexToAddress(mc.Base),
		Quote:          common.HexToAddress(mc.Quote),
		Maturities:     maturities,
		CallStrikes:    mc.CallStrikes,
		PutStrikes:     mc.PutStrikes,
		DepositSize:    mc.DepositSize,
		MaxExposure:    mc.MaxExposure,
		MinOptionPrice: mc.MinOptionPrice,
		SpotEstimate:   mc.SpotEstimate,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.chain.Close()
	defer a.writer.Close()

	a.writer.Start(ctx)
	if a.feed != nil {
		go func() {
			if err := a.feed.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("spot feed stopped", zap.Error(err))
			}
		}()
	}
	if a.prom != nil {
		go a.serveMetrics(ctx)
	}

	ticker := time.NewTicker(a.cfg.Strategy.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *App) tick(ctx context.Context) {
	for _, eng := range a.engines {
		if ctx.Err() != nil {
			return
		}
		if err := eng.Cycle(ctx); err != nil {
			a.log.Warn("market cycle failed", zap.Error(err))
		}
		a.reportSnapshots(eng)
	}
}

func (a *App) reportSnapshots(eng *engine.Engine) {
	if a.writer == nil {
		return
	}
	obs := eng.Observation()
	now := time.Now().UTC()
	for _, view := range eng.Instruments() {
		a.writer.EnqueueSnapshot(reporting.InstrumentSnapshot{
			Time:      now,
			Market:    eng.Market(),
			Maturity:  view.Key.MaturityTime(),
			IsCall:    view.Key.IsCall,
			Strike:    view.Key.Strike,
			Status:    view.Status.String(),
			SpotPrice: obs.SpotPrice,
			IV:        view.IV,
			FairPrice: view.Valuation.Price,
			Delta:     view.Valuation.Delta,
			Theta:     view.Valuation.Theta,
			Vega:      view.Valuation.Vega,
			OpenLegs:  view.OpenLegs,
		})
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("metrics server stopped", zap.Error(err))
	}
}

type actionReporter struct {
	writer *reporting.Writer
}

func (r *actionReporter) RecordAction(market string, action engine.Action) {
	r.writer.EnqueueAction(reporting.ActionEvent{
		Time:      time.Now().UTC(),
		Market:    market,
		Maturity:  action.Instrument.MaturityTime(),
		IsCall:    action.Instrument.IsCall,
		Strike:    action.Instrument.Strike,
		Action:    action.Name,
		OrderType: action.OrderType.String(),
		Lower:     action.Lower,
		Upper:     action.Upper,
		Size:      action.Size,
		Success:   action.Success,
	})
}
