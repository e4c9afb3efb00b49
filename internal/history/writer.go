// Package history records market and position snapshots to an
// optional Postgres/TimescaleDB instance, for backtesting and incident
// review after the fact. The daemon runs fine with it disabled: every
// Writer method is a no-op on a nil receiver, so callers never need a
// feature-flag check of their own.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"carrybot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// MarketSnapshot is one Scanner refresh of a single symbol's market
// data.
type MarketSnapshot struct {
	Time        time.Time
	Symbol      string
	FundingRate float64
	SpotMid     float64
	PerpMark    float64
	Volume24h   float64
	Spread      float64
}

// PositionSnapshot is one Guardian tick's view of an open position and
// the account state it was evaluated against.
type PositionSnapshot struct {
	Time           time.Time
	Symbol         string
	State          string
	SpotQuantity   float64
	PerpQuantity   float64
	EntrySpread    float64
	TotalFeesQuote float64
	MarginUsedPct  float64
	AccountEquity  float64
}

// Writer batches snapshots onto buffered channels and drains them from
// a single goroutine, so a slow or unavailable database never blocks
// the Scanner or Guardian tick that produced the snapshot.
type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	markets    chan MarketSnapshot
	positions  chan PositionSnapshot
	started    atomic.Bool
	dropMarket atomic.Uint64
	dropPos    atomic.Uint64
}

// New opens the connection and ensures the schema exists. It returns a
// nil Writer and a nil error when cfg.Enabled is false.
func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
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
	w := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		markets:   make(chan MarketSnapshot, queueSize),
		positions: make(chan PositionSnapshot, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// Start spawns the drain goroutine. Calling it more than once, or on a
// nil Writer, is a no-op.
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

// EnqueueMarketSnapshot drops the snapshot and logs once if the queue
// is full rather than blocking the Scanner's tick.
func (w *Writer) EnqueueMarketSnapshot(snap MarketSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.markets <- snap:
	default:
		if w.dropMarket.Add(1) == 1 && w.log != nil {
			w.log.Warn("history market queue full")
		}
	}
}

// EnqueuePositionSnapshot drops the snapshot and logs once if the
// queue is full rather than blocking the Guardian's tick.
func (w *Writer) EnqueuePositionSnapshot(snap PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.positions <- snap:
	default:
		if w.dropPos.Add(1) == 1 && w.log != nil {
			w.log.Warn("history position queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.markets:
			w.writeMarket(ctx, snap)
		case snap := <-w.positions:
			w.writePosition(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		spot_mid DOUBLE PRECISION NOT NULL,
		perp_mark DOUBLE PRECISION NOT NULL,
		volume_24h DOUBLE PRECISION NOT NULL,
		spread DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, symbol)
	)`, w.table("market_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		state TEXT NOT NULL,
		spot_qty DOUBLE PRECISION NOT NULL,
		perp_qty DOUBLE PRECISION NOT NULL,
		entry_spread DOUBLE PRECISION NOT NULL,
		total_fees DOUBLE PRECISION NOT NULL,
		margin_used_pct DOUBLE PRECISION NOT NULL,
		account_equity DOUBLE PRECISION NOT NULL
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("history timescaledb extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("market_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("history market_snapshots hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("position_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("history position_snapshots hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeMarket(ctx context.Context, snap MarketSnapshot) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, funding_rate, spot_mid, perp_mark, volume_24h, spread
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (ts, symbol) DO NOTHING`, w.table("market_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time, snap.Symbol, snap.FundingRate, snap.SpotMid, snap.PerpMark, snap.Volume24h, snap.Spread,
	); err != nil && w.log != nil {
		w.log.Warn("history market snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) writePosition(ctx context.Context, snap PositionSnapshot) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, state, spot_qty, perp_qty, entry_spread, total_fees, margin_used_pct, account_equity
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time, snap.Symbol, snap.State, snap.SpotQuantity, snap.PerpQuantity,
		snap.EntrySpread, snap.TotalFeesQuote, snap.MarginUsedPct, snap.AccountEquity,
	); err != nil && w.log != nil {
		w.log.Warn("history position snapshot insert failed", zap.Error(err))
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
