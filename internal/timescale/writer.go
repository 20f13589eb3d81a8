package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"cx-carry-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// PositionTick is one monitor-cycle observation of the live carry position
// and its ledger accounting.
type PositionTick struct {
	Time              time.Time
	Symbol            string
	SpotSymbol        string
	Size              float64
	EntryPriceSpot    float64
	EntryPriceSwap    float64
	MarkPrice         float64
	FundingRate       float64
	Basis             float64
	Capital           float64
	AccumulatedProfit float64
	AccumulatedFees   float64
	PeakCapital       float64
	Drawdown          float64
	PendingDepositUSD float64
}

// ScanSummary records one evaluated candidate from a market scan.
type ScanSummary struct {
	Time            time.Time
	Symbol          string
	FundingRate     float64
	Basis           float64
	TotalFees       float64
	Hurdle          float64
	ProjectedReturn float64
	Viable          bool
	Reason          string
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	ticks     chan PositionTick
	scans     chan ScanSummary
	started   atomic.Bool
	dropTick  atomic.Uint64
	dropScans atomic.Uint64
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
		db:     db,
		log:    log,
		schema: schema,
		ticks:  make(chan PositionTick, queueSize),
		scans:  make(chan ScanSummary, queueSize),
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

func (w *Writer) EnqueueTick(tick PositionTick) {
	if w == nil {
		return
	}
	select {
	case w.ticks <- tick:
		return
	default:
		if w.dropTick.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale tick queue full")
		}
	}
}

func (w *Writer) EnqueueScan(scan ScanSummary) {
	if w == nil {
		return
	}
	select {
	case w.scans <- scan:
		return
	default:
		if w.dropScans.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale scan queue full")
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
		case scan := <-w.scans:
			w.writeScan(ctx, scan)
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
		symbol TEXT NOT NULL,
		spot_symbol TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		entry_price_spot DOUBLE PRECISION NOT NULL,
		entry_price_swap DOUBLE PRECISION NOT NULL,
		mark_price DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		basis DOUBLE PRECISION NOT NULL,
		capital DOUBLE PRECISION NOT NULL,
		accumulated_profit DOUBLE PRECISION NOT NULL,
		accumulated_fees DOUBLE PRECISION NOT NULL,
		peak_capital DOUBLE PRECISION NOT NULL,
		drawdown DOUBLE PRECISION NOT NULL,
		pending_deposit_usd DOUBLE PRECISION NOT NULL
	)`, w.table("position_ticks"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		basis DOUBLE PRECISION NOT NULL,
		total_fees DOUBLE PRECISION NOT NULL,
		hurdle DOUBLE PRECISION NOT NULL,
		projected_return DOUBLE PRECISION NOT NULL,
		viable BOOLEAN NOT NULL,
		reason TEXT NOT NULL
	)`, w.table("scan_summaries"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("position_ticks"))); err != nil && w.log != nil {
		w.log.Warn("timescale position_ticks hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("scan_summaries"))); err != nil && w.log != nil {
		w.log.Warn("timescale scan_summaries hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeTick(ctx context.Context, tick PositionTick) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, spot_symbol, size, entry_price_spot, entry_price_swap, mark_price,
		funding_rate, basis, capital, accumulated_profit, accumulated_fees, peak_capital,
		drawdown, pending_deposit_usd
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	)`, w.table("position_ticks"))
	if _, err := w.db.ExecContext(ctx, query,
		tick.Time,
		tick.Symbol,
		tick.SpotSymbol,
		tick.Size,
		tick.EntryPriceSpot,
		tick.EntryPriceSwap,
		tick.MarkPrice,
		tick.FundingRate,
		tick.Basis,
		tick.Capital,
		tick.AccumulatedProfit,
		tick.AccumulatedFees,
		tick.PeakCapital,
		tick.Drawdown,
		tick.PendingDepositUSD,
	); err != nil && w.log != nil {
		w.log.Warn("timescale tick insert failed", zap.Error(err))
	}
}

func (w *Writer) writeScan(ctx context.Context, scan ScanSummary) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, funding_rate, basis, total_fees, hurdle, projected_return, viable, reason
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)`, w.table("scan_summaries"))
	if _, err := w.db.ExecContext(ctx, query,
		scan.Time,
		scan.Symbol,
		scan.FundingRate,
		scan.Basis,
		scan.TotalFees,
		scan.Hurdle,
		scan.ProjectedReturn,
		scan.Viable,
		scan.Reason,
	); err != nil && w.log != nil {
		w.log.Warn("timescale scan insert failed", zap.Error(err))
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
