package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"perp-ledger/internal/config"
	"perp-ledger/internal/ledger"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// PriceTick is one accepted oracle update, archived for analysis.
type PriceTick struct {
	Time  time.Time
	Asset string
	Price *big.Int
}

// Writer streams price ticks and closed positions into TimescaleDB. Writes
// are asynchronous; a full queue drops the entry and logs once.
type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	ticks   chan PriceTick
	closed  chan ledger.ClosedPosition
	started atomic.Bool

	dropTick   atomic.Uint64
	dropClosed atomic.Uint64
}

func New(cfg config.ArchiveConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("archive dsn is required")
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
		ticks:  make(chan PriceTick, queueSize),
		closed: make(chan ledger.ClosedPosition, queueSize),
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

func (w *Writer) EnqueueTick(tick PriceTick) {
	if w == nil {
		return
	}
	select {
	case w.ticks <- tick:
		return
	default:
		if w.dropTick.Add(1) == 1 && w.log != nil {
			w.log.Warn("archive tick queue full")
		}
	}
}

func (w *Writer) EnqueueClosed(record ledger.ClosedPosition) {
	if w == nil {
		return
	}
	select {
	case w.closed <- record:
		return
	default:
		if w.dropClosed.Add(1) == 1 && w.log != nil {
			w.log.Warn("archive closed-position queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-w.ticks:
			w.writeTick(ctx, tick)
		case record := <-w.closed:
			w.writeClosed(ctx, record)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("archive db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		price NUMERIC NOT NULL,
		PRIMARY KEY (ts, asset)
	)`, w.table("price_ticks"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		owner TEXT NOT NULL,
		direction TEXT NOT NULL,
		collateral NUMERIC NOT NULL,
		entry_price NUMERIC NOT NULL,
		close_price NUMERIC NOT NULL,
		notional NUMERIC NOT NULL,
		settled_value NUMERIC NOT NULL,
		closer TEXT NOT NULL,
		reason TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL
	)`, w.table("closed_positions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("price_ticks"))); err != nil && w.log != nil {
		w.log.Warn("price_ticks hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("closed_positions"))); err != nil && w.log != nil {
		w.log.Warn("closed_positions hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeTick(ctx context.Context, tick PriceTick) {
	if w.db == nil || tick.Price == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, asset, price) VALUES ($1,$2,$3)
		ON CONFLICT (ts, asset) DO UPDATE SET price = EXCLUDED.price`, w.table("price_ticks"))
	if _, err := w.db.ExecContext(ctx, query, tick.Time, tick.Asset, tick.Price.String()); err != nil && w.log != nil {
		w.log.Warn("archive tick insert failed", zap.Error(err))
	}
}

func (w *Writer) writeClosed(ctx context.Context, record ledger.ClosedPosition) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, owner, direction, collateral, entry_price, close_price,
		notional, settled_value, closer, reason, opened_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, w.table("closed_positions"))
	if _, err := w.db.ExecContext(ctx, query,
		record.ClosedAt,
		record.Owner.Hex(),
		record.Direction.String(),
		record.Collateral.String(),
		record.EntryPrice.String(),
		record.ClosePrice.String(),
		record.Notional.String(),
		record.SettledValue.String(),
		record.Closer.Hex(),
		string(record.Reason),
		record.OpenedAt,
	); err != nil && w.log != nil {
		w.log.Warn("archive closed-position insert failed", zap.Error(err))
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
