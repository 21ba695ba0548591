package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"cv-hedge-bot/internal/config"
	"cv-hedge-bot/internal/hedge"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Writer persists fills and cycle outcomes to TimescaleDB off the
// trading path: enqueues never block, a background goroutine drains, and
// overflow is dropped with a counter. A nil *Writer is a valid no-op so
// callers need no enabled checks.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	fills     chan hedge.FillRecord
	cycles    chan hedge.CycleRecord
	started   atomic.Bool
	dropFill  atomic.Uint64
	dropCycle atomic.Uint64
}

func New(cfg config.RecordsConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("records dsn is required")
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
		db:     db,
		log:    log,
		schema: schema,
		fills:  make(chan hedge.FillRecord, queueSize),
		cycles: make(chan hedge.CycleRecord, queueSize),
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

func (w *Writer) RecordFill(record hedge.FillRecord) {
	if w == nil {
		return
	}
	select {
	case w.fills <- record:
		return
	default:
		if w.dropFill.Add(1) == 1 && w.log != nil {
			w.log.Warn("records fill queue full")
		}
	}
}

func (w *Writer) RecordCycle(record hedge.CycleRecord) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- record:
		return
	default:
		if w.dropCycle.Add(1) == 1 && w.log != nil {
			w.log.Warn("records cycle queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fill := <-w.fills:
			w.writeFill(ctx, fill)
		case cycle := <-w.cycles:
			w.writeCycle(ctx, cycle)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("records db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_id TEXT NOT NULL,
		cycle_phase TEXT NOT NULL,
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		fee_usd DOUBLE PRECISION NOT NULL,
		slippage_bps DOUBLE PRECISION NOT NULL
	)`, w.table("hedge_fills"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		outcome TEXT NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		gross_pnl_usd DOUBLE PRECISION NOT NULL,
		net_pnl_usd DOUBLE PRECISION NOT NULL,
		hold_seconds DOUBLE PRECISION NOT NULL
	)`, w.table("hedge_cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("hedge_fills"))); err != nil && w.log != nil {
		w.log.Warn("hedge_fills hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("hedge_cycles"))); err != nil && w.log != nil {
		w.log.Warn("hedge_cycles hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeFill(ctx context.Context, fill hedge.FillRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle_id, cycle_phase, venue, symbol, side, quantity, price, fee_usd, slippage_bps
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	)`, w.table("hedge_fills"))
	if _, err := w.db.ExecContext(ctx, query,
		fill.Time,
		fill.CycleID,
		string(fill.CyclePhase),
		fill.Venue,
		fill.Symbol,
		fill.Side,
		fill.Quantity,
		fill.Price,
		fill.FeeUSD,
		fill.SlippageBps,
	); err != nil && w.log != nil {
		w.log.Warn("fill insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCycle(ctx context.Context, cycle hedge.CycleRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle_id, direction, outcome, notional_usd, gross_pnl_usd, net_pnl_usd, hold_seconds
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	)`, w.table("hedge_cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		cycle.Time,
		cycle.CycleID,
		string(cycle.Direction),
		string(cycle.Outcome),
		cycle.Notional,
		cycle.GrossPnlUSD,
		cycle.NetPnlUSD,
		cycle.HoldSeconds,
	); err != nil && w.log != nil {
		w.log.Warn("cycle insert failed", zap.Error(err))
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
