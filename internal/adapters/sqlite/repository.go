package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"candlesync/internal/domain"
	"candlesync/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.CandleStore interface using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/candles.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Open database connection
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close() // Close the connection if ping fails
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Set connection pool settings (important for SQLite)
	db.SetMaxOpenConns(1) // SQLite handles concurrency internally, but Go driver benefits from limiting connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: This is a basic approach. A proper migration tool is recommended for production.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS candles (
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		open_time INTEGER NOT NULL,
		close_time INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		PRIMARY KEY (symbol, interval, open_time)
	);
	CREATE INDEX IF NOT EXISTS idx_candles_symbol_interval_time
	ON candles (symbol, interval, open_time);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
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

// --- CandleStore Implementation ---

// UpsertCandles inserts or replaces candles keyed by (symbol, interval, open_time).
// Still-forming candles (span shorter than the interval) are skipped: the
// exchange sends in-progress candles with close_time < open_time + step - 1,
// and those must never land in the persisted series.
func (r *Repository) UpsertCandles(ctx context.Context, symbol, interval string, candles []*domain.Candle) error {
	step, err := domain.IntervalStep(interval)
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}

	rows := make([]*domain.Candle, 0, len(candles))
	for _, c := range candles {
		if !c.IsComplete(step) {
			continue
		}
		rows = append(rows, c)
	}
	if len(rows) == 0 {
		return nil
	}

	const query = `
	INSERT INTO candles (symbol, interval, open_time, close_time, open, high, low, close, volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(symbol, interval, open_time) DO UPDATE SET
		close_time = excluded.close_time,
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert transaction for %s %s: %w", symbol, interval, err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare candle upsert for %s %s: %w", symbol, interval, err)
	}
	defer stmt.Close()

	upperSymbol := strings.ToUpper(symbol)
	for _, c := range rows {
		if _, err := stmt.ExecContext(ctx, upperSymbol, interval,
			c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to upsert candle %s %s @%d: %w", symbol, interval, c.OpenTime, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit candle upsert for %s %s: %w", symbol, interval, err)
	}

	r.logger.Debug(ctx, "Candles upserted", map[string]interface{}{"symbol": symbol, "interval": interval, "count": len(rows)})
	return nil
}

// QueryRange retrieves candles in [start, end] ordered by open_time ascending.
// Incomplete rows are filtered out of the result, except the newest row, which
// may legitimately still be forming.
func (r *Repository) QueryRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*domain.Candle, error) {
	step, err := domain.IntervalStep(interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}

	query := `
	SELECT open_time, close_time, open, high, low, close, volume
	FROM candles
	WHERE symbol = ? AND interval = ? AND open_time >= ?`
	params := []interface{}{strings.ToUpper(symbol), interval, start}
	if end >= 0 {
		query += " AND open_time <= ?"
		params = append(params, end)
	}
	query += " ORDER BY open_time ASC"
	if limit > 0 {
		query += " LIMIT ?"
		params = append(params, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles for %s %s: %w", symbol, interval, err)
	}
	defer rows.Close()

	candles := make([]*domain.Candle, 0)
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle during QueryRange: %w", err)
		}
		candles = append(candles, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candle rows: %w", err)
	}

	if len(candles) == 0 {
		return candles, nil
	}

	filtered := make([]*domain.Candle, 0, len(candles))
	for idx, c := range candles {
		if c.IsComplete(step) || idx == len(candles)-1 {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// QueryAfter retrieves all candles strictly after afterOpenTime.
func (r *Repository) QueryAfter(ctx context.Context, symbol, interval string, afterOpenTime int64) ([]*domain.Candle, error) {
	step, err := domain.IntervalStep(interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}
	return r.QueryRange(ctx, symbol, interval, afterOpenTime+step, -1, 0)
}

// LatestOpenTime retrieves the newest stored open time for the series.
func (r *Repository) LatestOpenTime(ctx context.Context, symbol, interval string) (int64, bool, error) {
	const query = `
	SELECT open_time FROM candles
	WHERE symbol = ? AND interval = ?
	ORDER BY open_time DESC
	LIMIT 1`

	var openTime int64
	err := r.db.QueryRowContext(ctx, query, strings.ToUpper(symbol), interval).Scan(&openTime)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil // Empty series, not an error
		}
		return 0, false, fmt.Errorf("failed to query latest open time for %s %s: %w", symbol, interval, err)
	}
	return openTime, true, nil
}

// TimeRange retrieves the earliest and latest stored open times for the series.
func (r *Repository) TimeRange(ctx context.Context, symbol, interval string) (int64, int64, bool, error) {
	const query = `
	SELECT MIN(open_time), MAX(open_time)
	FROM candles
	WHERE symbol = ? AND interval = ?`

	var earliest, latest sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, strings.ToUpper(symbol), interval).Scan(&earliest, &latest)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to query time range for %s %s: %w", symbol, interval, err)
	}
	if !earliest.Valid || !latest.Valid {
		return 0, 0, false, nil
	}
	return earliest.Int64, latest.Int64, true, nil
}

// FindMissingSegment walks the stored (open_time, close_time) pairs in
// [start, end] with an expected cursor and returns the first hole or first
// incomplete non-tail slot. Returns nil when the range is fully covered.
// Only the first segment is returned per call; callers loop, refetch, and
// re-query until no segment remains.
func (r *Repository) FindMissingSegment(ctx context.Context, symbol, interval string, start, end int64) (*domain.MissingSegment, error) {
	if start > end {
		return nil, nil
	}
	step, err := domain.IntervalStep(interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}

	const query = `
	SELECT open_time, close_time FROM candles
	WHERE symbol = ? AND interval = ? AND open_time BETWEEN ? AND ?
	ORDER BY open_time ASC`

	rows, err := r.db.QueryContext(ctx, query, strings.ToUpper(symbol), interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query open times for %s %s: %w", symbol, interval, err)
	}
	defer rows.Close()

	expected := start
	for rows.Next() {
		var openTime, closeTime int64
		if err := rows.Scan(&openTime, &closeTime); err != nil {
			return nil, fmt.Errorf("failed to scan open time pair: %w", err)
		}

		if openTime > expected {
			missingEnd := openTime - step
			if missingEnd > end {
				missingEnd = end
			}
			if missingEnd >= expected {
				return &domain.MissingSegment{Start: expected, End: missingEnd}, nil
			}
		}
		// An incomplete candle anywhere but the tail of the range must be refetched.
		if closeTime < openTime+step-1 && openTime < end {
			return &domain.MissingSegment{Start: openTime, End: openTime}, nil
		}
		expected = openTime + step
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open time rows: %w", err)
	}

	if expected <= end {
		return &domain.MissingSegment{Start: expected, End: end}, nil
	}
	return nil, nil
}

// DeleteAfter removes all candles with open_time >= cutoff.
func (r *Repository) DeleteAfter(ctx context.Context, symbol, interval string, cutoff int64) error {
	const query = `DELETE FROM candles WHERE symbol = ? AND interval = ? AND open_time >= ?`
	if _, err := r.db.ExecContext(ctx, query, strings.ToUpper(symbol), interval, cutoff); err != nil {
		return fmt.Errorf("failed to delete candles at/after %d for %s %s: %w", cutoff, symbol, interval, err)
	}
	r.logger.Debug(ctx, "Candles deleted after cutoff", map[string]interface{}{"symbol": symbol, "interval": interval, "cutoff": cutoff})
	return nil
}

// DeleteBefore removes all candles with open_time < keepStart.
func (r *Repository) DeleteBefore(ctx context.Context, symbol, interval string, keepStart int64) error {
	const query = `DELETE FROM candles WHERE symbol = ? AND interval = ? AND open_time < ?`
	if _, err := r.db.ExecContext(ctx, query, strings.ToUpper(symbol), interval, keepStart); err != nil {
		return fmt.Errorf("failed to delete candles before %d for %s %s: %w", keepStart, symbol, interval, err)
	}
	r.logger.Debug(ctx, "Candles pruned before keepStart", map[string]interface{}{"symbol": symbol, "interval": interval, "keepStart": keepStart})
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanCandle scans a row into a domain.Candle struct.
func scanCandle(s scanner) (*domain.Candle, error) {
	c := &domain.Candle{}
	err := s.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	return c, nil
}
