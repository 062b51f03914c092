package reporting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"option-range-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// InstrumentSnapshot is one valuation row per instrument per cycle.
type InstrumentSnapshot struct {
	Time      time.Time
	Market    string
	Maturity  time.Time
	IsCall    bool
	Strike    float64
	Status    string
	SpotPrice float64
	IV        float64
	FairPrice float64
	Delta     float64
	Theta     float64
	Vega      float64
	OpenLegs  int
}

// ActionEvent records one attempted on-chain action for an instrument side.
type ActionEvent struct {
	Time      time.Time
	Market    string
	Maturity  time.Time
	IsCall    bool
	Strike    float64
	Action    string
	OrderType string
	Lower     int64
	Upper     int64
	Size      float64
	Success   bool
}

// Writer streams snapshots and action events into Timescale on a background
// goroutine. A nil Writer is valid and drops everything, so callers never
// branch on whether reporting is enabled.
type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	snapshots  chan InstrumentSnapshot
	actions    chan ActionEvent
	started    atomic.Bool
	dropSnap   atomic.Uint64
	dropAction atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		snapshots: make(chan InstrumentSnapshot, queueSize),
		actions:   make(chan ActionEvent, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSnapshot(snap InstrumentSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snap:
		return
	default:
		if w.dropSnap.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale snapshot queue full")
		}
	}
}

func (w *Writer) EnqueueAction(event ActionEvent) {
	if w == nil {
		return
	}
	select {
	case w.actions <- event:
		return
	default:
		if w.dropAction.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale action queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.snapshots:
			w.writeSnapshot(ctx, snap)
		case event := <-w.actions:
			w.writeAction(ctx, event)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		market TEXT NOT NULL,
		maturity TIMESTAMPTZ NOT NULL,
		is_call BOOLEAN NOT NULL,
		strike DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		spot_price DOUBLE PRECISION NOT NULL,
		iv DOUBLE PRECISION NOT NULL,
		fair_price DOUBLE PRECISION NOT NULL,
		delta DOUBLE PRECISION NOT NULL,
		theta DOUBLE PRECISION NOT NULL,
		vega DOUBLE PRECISION NOT NULL,
		open_legs INTEGER NOT NULL
	)`, w.table("instrument_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		market TEXT NOT NULL,
		maturity TIMESTAMPTZ NOT NULL,
		is_call BOOLEAN NOT NULL,
		strike DOUBLE PRECISION NOT NULL,
		action TEXT NOT NULL,
		order_type TEXT NOT NULL,
		lower_tick BIGINT NOT NULL,
		upper_tick BIGINT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		success BOOLEAN NOT NULL
	)`, w.table("order_actions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("instrument_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("timescale instrument_snapshots hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("order_actions"))); err != nil && w.log != nil {
		w.log.Warn("timescale order_actions hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeSnapshot(ctx context.Context, snap InstrumentSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, market, maturity, is_call, strike, status, spot_price, iv,
		fair_price, delta, theta, vega, open_legs
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
	)`, w.table("instrument_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Market,
		snap.Maturity,
		snap.IsCall,
		snap.Strike,
		snap.Status,
		snap.SpotPrice,
		snap.IV,
		snap.FairPrice,
		snap.Delta,
		snap.Theta,
		snap.Vega,
		snap.OpenLegs,
	); err != nil && w.log != nil {
		w.log.Warn("timescale snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) writeAction(ctx context.Context, event ActionEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, market, maturity, is_call, strike, action, order_type,
		lower_tick, upper_tick, size, success
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)`, w.table("order_actions"))
	if _, err := w.db.ExecContext(ctx, query,
		event.Time,
		event.Market,
		event.Maturity,
		event.IsCall,
		event.Strike,
		event.Action,
		event.OrderType,
		event.Lower,
		event.Upper,
		event.Size,
		event.Success,
	); err != nil && w.log != nil {
		w.log.Warn("timescale action insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
