package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"option-range-bot/internal/expiry"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	RPC       RPCConfig       `yaml:"rpc"`
	Oracle    OracleConfig    `yaml:"oracle"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Markets   []MarketConfig  `yaml:"markets"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RPCConfig struct {
	URL       string        `yaml:"url"`
	Factory   string        `yaml:"factory"`
	TxBackoff time.Duration `yaml:"tx_backoff"`
}

type OracleConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	FeedURL        string        `yaml:"feed_url"`
	FeedReconnect  time.Duration `yaml:"feed_reconnect"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// StrategyConfig holds the global quoting knobs shared by every market.
type StrategyConfig struct {
	RiskFreeRate         float64       `yaml:"risk_free_rate"`
	MinDelta             float64       `yaml:"min_delta"`
	MaxDelta             float64       `yaml:"max_delta"`
	MinDaysToExpiry      float64       `yaml:"min_days_to_expiry"`
	DefaultSpread        float64       `yaml:"default_spread"`
	RangeWidthMultiplier float64       `yaml:"range_width_multiplier"`
	PriceMoveThreshold   float64       `yaml:"price_move_threshold"`
	TimeThreshold        time.Duration `yaml:"time_threshold"`
	DustFloor            float64       `yaml:"dust_floor"`
	MaxApproval          bool          `yaml:"max_approval"`
	AutoDeploy           bool          `yaml:"auto_deploy"`
	CycleInterval        time.Duration `yaml:"cycle_interval"`
}

// MarketConfig describes one underlying market. Explicit strike lists are
// optional; when absent the engine generates and filters a ladder at
// initialization.
type MarketConfig struct {
	Name           string    `yaml:"name"`
	Base           string    `yaml:"base"`
	Quote          string    `yaml:"quote"`
	Maturities     []string  `yaml:"maturities"`
	CallStrikes    []float64 `yaml:"call_strikes"`
	PutStrikes     []float64 `yaml:"put_strikes"`
	DepositSize    float64   `yaml:"deposit_size"`
	MaxExposure    float64   `yaml:"max_exposure"`
	MinOptionPrice float64   `yaml:"min_option_price"`
	SpotEstimate   float64   `yaml:"spot_estimate"`
	FeedPair       string    `yaml:"feed_pair"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, Validate(&cfg, time.Now().UTC())
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.RPC.TxBackoff == 0 {
		cfg.RPC.TxBackoff = 5 * time.Second
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = 10 * time.Second
	}
	if cfg.Oracle.RetryBackoff == 0 {
		cfg.Oracle.RetryBackoff = 2 * time.Second
	}
	if cfg.Oracle.FeedReconnect == 0 {
		cfg.Oracle.FeedReconnect = 3 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/option-range-bot.db"
	}
	if cfg.Strategy.MinDelta == 0 {
		cfg.Strategy.MinDelta = 0.15
	}
	if cfg.Strategy.MaxDelta == 0 {
		cfg.Strategy.MaxDelta = 0.85
	}
	if cfg.Strategy.MinDaysToExpiry == 0 {
		cfg.Strategy.MinDaysToExpiry = 1
	}
	if cfg.Strategy.DefaultSpread == 0 {
		cfg.Strategy.DefaultSpread = 0.10
	}
	if cfg.Strategy.RangeWidthMultiplier == 0 {
		cfg.Strategy.RangeWidthMultiplier = 0.6
	}
	if cfg.Strategy.PriceMoveThreshold == 0 {
		cfg.Strategy.PriceMoveThreshold = 0.02
	}
	if cfg.Strategy.TimeThreshold == 0 {
		cfg.Strategy.TimeThreshold = time.Hour
	}
	if cfg.Strategy.DustFloor == 0 {
		cfg.Strategy.DustFloor = 1e-3
	}
	if cfg.Strategy.CycleInterval == 0 {
		cfg.Strategy.CycleInterval = time.Minute
	}
}

// Validate checks configuration invariants at a given instant (maturity
// validation is time dependent).
func Validate(cfg *Config, now time.Time) error {
	if cfg.RPC.URL == "" {
		return errors.New("rpc.url is required")
	}
	if !common.IsHexAddress(cfg.RPC.Factory) {
		return fmt.Errorf("rpc.factory is not an address: %q", cfg.RPC.Factory)
	}
	if cfg.Oracle.BaseURL == "" {
		return errors.New("oracle.base_url is required")
	}
	if cfg.Strategy.MinDelta <= 0 || cfg.Strategy.MaxDelta >= 1 || cfg.Strategy.MinDelta >= cfg.Strategy.MaxDelta {
		return fmt.Errorf("strategy delta band [%g, %g] is invalid", cfg.Strategy.MinDelta, cfg.Strategy.MaxDelta)
	}
	if cfg.Strategy.DefaultSpread <= 0 || cfg.Strategy.DefaultSpread >= 1 {
		return fmt.Errorf("strategy.default_spread %g out of (0, 1)", cfg.Strategy.DefaultSpread)
	}
	if cfg.Strategy.RangeWidthMultiplier <= 0 || cfg.Strategy.RangeWidthMultiplier >= 1 {
		return fmt.Errorf("strategy.range_width_multiplier %g out of (0, 1)", cfg.Strategy.RangeWidthMultiplier)
	}
	if len(cfg.Markets) == 0 {
		return errors.New("at least one market is required")
	}
	for i := range cfg.Markets {
		if err := validateMarket(&cfg.Markets[i], now); err != nil {
			return fmt.Errorf("markets[%d] (%s): %w", i, cfg.Markets[i].Name, err)
		}
	}
	return nil
}

func validateMarket(m *MarketConfig, now time.Time) error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	if !common.IsHexAddress(m.Base) {
		return fmt.Errorf("base is not an address: %q", m.Base)
	}
	if !common.IsHexAddress(m.Quote) {
		return fmt.Errorf("quote is not an address: %q", m.Quote)
	}
	if len(m.Maturities) == 0 {
		return errors.New("at least one maturity is required")
	}
	for _, token := range m.Maturities {
		maturity, err := expiry.Parse(token)
		if err != nil {
			return err
		}
		if err := expiry.Validate(maturity, now); err != nil {
			return err
		}
	}
	if m.DepositSize <= 0 {
		return errors.New("deposit_size must be > 0")
	}
	if m.MaxExposure <= 0 {
		return errors.New("max_exposure must be > 0")
	}
	if m.MinOptionPrice < 0 {
		return errors.New("min_option_price must be >= 0")
	}
	for _, strike := range append(append([]float64(nil), m.CallStrikes...), m.PutStrikes...) {
		if strike <= 0 {
			return fmt.Errorf("strike %g must be > 0", strike)
		}
	}
	return nil
}
