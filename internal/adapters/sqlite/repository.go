package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
)

// Repository implements ports.CandleRepository, ports.TradeRepository and
// ports.RiskMetricsRepository on SQLite. Monetary values are stored as TEXT
// so decimals survive the round trip exactly.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens (and if necessary creates) the database and its schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for SQLite repository", ports.ErrConfigurationError)
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/confluence_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the trading loop and reporting.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS candles (
		asset TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		open TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		close TEXT NOT NULL,
		volume TEXT NOT NULL,
		PRIMARY KEY (asset, timeframe, timestamp)
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		position_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		exit_price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		exit_reason TEXT NOT NULL,
		pnl TEXT NOT NULL,
		r_multiple TEXT NOT NULL,
		commission TEXT NOT NULL,
		reasoning TEXT NULL,
		risk_snapshot TEXT NULL
	);

	CREATE TABLE IF NOT EXISTS risk_days (
		date TEXT PRIMARY KEY,
		starting_balance TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		realized_pnl TEXT NOT NULL,
		unrealized_pnl TEXT NOT NULL,
		peak_balance TEXT NOT NULL,
		max_drawdown TEXT NOT NULL,
		trades_opened INTEGER NOT NULL,
		trades_closed INTEGER NOT NULL,
		wins INTEGER NOT NULL,
		losses INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_asset_exit_time ON trades (asset, exit_time);
	CREATE INDEX IF NOT EXISTS idx_candles_lookup ON candles (asset, timeframe, timestamp);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- CandleRepository implementation ---

// Store saves candles in one transaction, ignoring duplicates on
// (asset, timeframe, timestamp).
func (r *Repository) Store(ctx context.Context, candles []*domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin candle insert transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
	INSERT OR IGNORE INTO candles (asset, timeframe, timestamp, open, high, low, close, volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare candle insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx,
			c.Asset, string(c.Timeframe), c.Timestamp.UTC(),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String())
		if err != nil {
			return fmt.Errorf("failed to insert candle %s %s @ %s: %w", c.Asset, c.Timeframe, c.Timestamp, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit candle insert: %w", err)
	}
	r.logger.Debug(ctx, "Candles stored", map[string]interface{}{"count": len(candles)})
	return nil
}

// Query retrieves candles within [from, to], oldest first.
func (r *Repository) Query(ctx context.Context, asset string, tf domain.Timeframe, from, to time.Time) ([]*domain.Candle, error) {
	const query = `
	SELECT asset, timeframe, timestamp, open, high, low, close, volume
	FROM candles
	WHERE asset = ? AND timeframe = ? AND timestamp >= ? AND timestamp <= ?
	ORDER BY timestamp ASC`

	rows, err := r.db.QueryContext(ctx, query, asset, string(tf), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: query candles %s %s: %v", ports.ErrQueryFailed, asset, tf, err)
	}
	defer rows.Close()

	candles := make([]*domain.Candle, 0)
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		candles = append(candles, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candle rows: %w", err)
	}
	return candles, nil
}

// --- TradeRepository implementation ---

// Create saves a completed trade record.
func (r *Repository) Create(ctx context.Context, trade *domain.TradeRecord) error {
	const query = `
	INSERT INTO trades (id, position_id, asset, direction, entry_price, exit_price, quantity,
	                    entry_time, exit_time, exit_reason, pnl, r_multiple, commission, reasoning, risk_snapshot)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var snapshot sql.NullString
	if len(trade.RiskSnapshot) > 0 {
		raw, err := json.Marshal(trade.RiskSnapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal risk snapshot for trade %s: %w", trade.ID, err)
		}
		snapshot = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		trade.ID, trade.PositionID, trade.Asset, string(trade.Direction),
		trade.EntryPrice.String(), trade.ExitPrice.String(), trade.Quantity.String(),
		trade.EntryTime.UTC(), trade.ExitTime.UTC(), string(trade.ExitReason),
		trade.PnL.String(), trade.RMultiple.String(), trade.Commission.String(),
		trade.Reasoning, snapshot)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s for %s: %w", trade.ID, trade.Asset, err)
	}
	r.logger.Debug(ctx, "Trade record created", map[string]interface{}{"tradeID": trade.ID, "asset": trade.Asset})
	return nil
}

// FindByAsset retrieves the most recent trades for an asset, up to limit.
func (r *Repository) FindByAsset(ctx context.Context, asset string, limit int) ([]*domain.TradeRecord, error) {
	const query = `
	SELECT id, position_id, asset, direction, entry_price, exit_price, quantity,
	       entry_time, exit_time, exit_reason, pnl, r_multiple, commission, reasoning, risk_snapshot
	FROM trades
	WHERE asset = ? ORDER BY exit_time DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query trades for %s: %v", ports.ErrQueryFailed, asset, err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// FindAll retrieves every trade, oldest exit first.
func (r *Repository) FindAll(ctx context.Context) ([]*domain.TradeRecord, error) {
	const query = `
	SELECT id, position_id, asset, direction, entry_price, exit_price, quantity,
	       entry_time, exit_time, exit_reason, pnl, r_multiple, commission, reasoning, risk_snapshot
	FROM trades
	ORDER BY exit_time ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query all trades: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// --- RiskMetricsRepository implementation ---

// Save upserts the daily risk record keyed by date.
func (r *Repository) Save(ctx context.Context, m *domain.DailyRiskMetrics) error {
	const query = `
	INSERT INTO risk_days (date, starting_balance, current_balance, realized_pnl, unrealized_pnl,
	                       peak_balance, max_drawdown, trades_opened, trades_closed, wins, losses, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(date) DO UPDATE SET
		current_balance = excluded.current_balance,
		realized_pnl = excluded.realized_pnl,
		unrealized_pnl = excluded.unrealized_pnl,
		peak_balance = excluded.peak_balance,
		max_drawdown = excluded.max_drawdown,
		trades_opened = excluded.trades_opened,
		trades_closed = excluded.trades_closed,
		wins = excluded.wins,
		losses = excluded.losses,
		updated_at = excluded.updated_at`

	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		m.Date, m.StartingBalance.String(), m.CurrentBalance.String(),
		m.RealizedPnL.String(), m.UnrealizedPnL.String(),
		m.PeakBalance.String(), m.MaxDrawdown.String(),
		m.TradesOpened, m.TradesClosed, m.Wins, m.Losses, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert risk metrics for %s: %w", m.Date, err)
	}
	return nil
}

// FindByDay retrieves the risk record for a YYYY-MM-DD day key, or nil when
// no record exists.
func (r *Repository) FindByDay(ctx context.Context, day string) (*domain.DailyRiskMetrics, error) {
	const query = `
	SELECT date, starting_balance, current_balance, realized_pnl, unrealized_pnl,
	       peak_balance, max_drawdown, trades_opened, trades_closed, wins, losses, updated_at
	FROM risk_days WHERE date = ?`

	row := r.db.QueryRowContext(ctx, query, day)
	m := &domain.DailyRiskMetrics{}
	var starting, current, realized, unrealized, peak, drawdown string
	err := row.Scan(&m.Date, &starting, &current, &realized, &unrealized,
		&peak, &drawdown, &m.TradesOpened, &m.TradesClosed, &m.Wins, &m.Losses, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: query risk metrics for %s: %v", ports.ErrQueryFailed, day, err)
	}
	for _, field := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{starting, &m.StartingBalance}, {current, &m.CurrentBalance},
		{realized, &m.RealizedPnL}, {unrealized, &m.UnrealizedPnL},
		{peak, &m.PeakBalance}, {drawdown, &m.MaxDrawdown},
	} {
		if *field.dst, err = decimal.NewFromString(field.raw); err != nil {
			return nil, fmt.Errorf("failed to parse risk metrics decimal %q for %s: %w", field.raw, day, err)
		}
	}
	return m, nil
}

// --- Helper scan functions ---

// scanner is compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCandle(s scanner) (*domain.Candle, error) {
	c := &domain.Candle{}
	var tf, open, high, low, closeP, volume string
	if err := s.Scan(&c.Asset, &tf, &c.Timestamp, &open, &high, &low, &closeP, &volume); err != nil {
		return nil, err
	}
	c.Timeframe = domain.Timeframe(tf)
	var err error
	if c.Open, err = decimal.NewFromString(open); err != nil {
		return nil, fmt.Errorf("bad open %q: %w", open, err)
	}
	if c.High, err = decimal.NewFromString(high); err != nil {
		return nil, fmt.Errorf("bad high %q: %w", high, err)
	}
	if c.Low, err = decimal.NewFromString(low); err != nil {
		return nil, fmt.Errorf("bad low %q: %w", low, err)
	}
	if c.Close, err = decimal.NewFromString(closeP); err != nil {
		return nil, fmt.Errorf("bad close %q: %w", closeP, err)
	}
	if c.Volume, err = decimal.NewFromString(volume); err != nil {
		return nil, fmt.Errorf("bad volume %q: %w", volume, err)
	}
	return c, nil
}

func collectTrades(rows *sql.Rows) ([]*domain.TradeRecord, error) {
	trades := make([]*domain.TradeRecord, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

func scanTrade(s scanner) (*domain.TradeRecord, error) {
	t := &domain.TradeRecord{}
	var direction, exitReason, entry, exit, qty, pnl, rMult, commission string
	var reasoning, snapshot sql.NullString
	err := s.Scan(&t.ID, &t.PositionID, &t.Asset, &direction, &entry, &exit, &qty,
		&t.EntryTime, &t.ExitTime, &exitReason, &pnl, &rMult, &commission, &reasoning, &snapshot)
	if err != nil {
		return nil, err
	}
	t.Direction = domain.Direction(direction)
	t.ExitReason = domain.ExitReason(exitReason)
	if reasoning.Valid {
		t.Reasoning = reasoning.String
	}
	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &t.RiskSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal risk snapshot for trade %s: %w", t.ID, err)
		}
	}
	for _, field := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{entry, &t.EntryPrice}, {exit, &t.ExitPrice}, {qty, &t.Quantity},
		{pnl, &t.PnL}, {rMult, &t.RMultiple}, {commission, &t.Commission},
	} {
		if *field.dst, err = decimal.NewFromString(field.raw); err != nil {
			return nil, fmt.Errorf("failed to parse trade decimal %q for %s: %w", field.raw, t.ID, err)
		}
	}
	return t, nil
}
