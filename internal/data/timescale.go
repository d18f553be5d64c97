package data

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"ktrdr/internal/errs"
)

// TimescaleBackend stores all symbols of the base granularity in a single
// hypertable:
//
//	price_data(instrument, ts, open, high, low, close, volume)
//	PRIMARY KEY (instrument, ts)
//
// instrument is "SYMBOL|timeframe". Only the base timeframe is persisted;
// coarser timeframes are resampled in memory by the Repository.
type TimescaleBackend struct {
	db  *sql.DB
	log *zap.Logger

	// baseTimeframe is the single stored granularity, e.g. "5m".
	baseTimeframe string
}

// NewTimescaleBackend opens the database and ensures the hypertable exists.
// When the timescaledb extension is unavailable the table is created plain,
// which keeps development installs working.
func NewTimescaleBackend(ctx context.Context, dsn, baseTimeframe string, log *zap.Logger) (*TimescaleBackend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "open postgres")
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	b := &TimescaleBackend{db: db, log: log, baseTimeframe: baseTimeframe}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// BaseTimeframe returns the stored granularity.
func (b *TimescaleBackend) BaseTimeframe() string { return b.baseTimeframe }

func (b *TimescaleBackend) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS price_data (
    instrument TEXT             NOT NULL,
    ts         TIMESTAMPTZ      NOT NULL,
    open       DOUBLE PRECISION NOT NULL,
    high       DOUBLE PRECISION NOT NULL,
    low        DOUBLE PRECISION NOT NULL,
    close      DOUBLE PRECISION NOT NULL,
    volume     DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (instrument, ts)
)`
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return errs.Wrap(errs.StorageError, err, "create price_data table")
	}

	// Hypertable conversion is best-effort: the extension may be absent on
	// development databases.
	_, err := b.db.ExecContext(ctx,
		`SELECT create_hypertable('price_data', 'ts', if_not_exists => TRUE)`)
	if err != nil {
		b.log.Warn("timescaledb extension unavailable, using plain table", zap.Error(err))
	}
	return nil
}

func instrumentKey(symbol, timeframe string) string {
	return strings.ToUpper(symbol) + "|" + strings.ToLower(timeframe)
}

// Load reads bars in the half-open range for (symbol, timeframe).
func (b *TimescaleBackend) Load(ctx context.Context, symbol, timeframe string, rng *Range) (*Frame, error) {
	inst := instrumentKey(symbol, timeframe)

	query := `SELECT ts, open, high, low, close, volume FROM price_data WHERE instrument = $1`
	args := []any{inst}
	if rng != nil && !rng.Start.IsZero() {
		args = append(args, rng.Start)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if rng != nil && !rng.End.IsZero() {
		args = append(args, rng.End)
		query += fmt.Sprintf(" AND ts < $%d", len(args))
	}
	query += " ORDER BY ts"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "query price_data")
	}
	defer rows.Close()

	var bars []Bar
	for rows.Next() {
		var bar Bar
		if err := rows.Scan(&bar.TS, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, errs.Wrap(errs.StorageError, err, "scan price_data row")
		}
		bar.TS = bar.TS.UTC()
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "iterate price_data rows")
	}

	if len(bars) == 0 {
		// Distinguish an empty range from an unknown instrument.
		var n int
		if err := b.db.QueryRowContext(ctx,
			`SELECT count(*) FROM price_data WHERE instrument = $1`, inst).Scan(&n); err != nil {
			return nil, errs.Wrap(errs.StorageError, err, "count price_data")
		}
		if n == 0 {
			return nil, errs.New(errs.DataNotFound, "no data for %s/%s", symbol, timeframe)
		}
	}

	f := &Frame{bars: bars}
	if err := ValidateUTC(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Save upserts bars in a single transaction. Conflicting rows keep their
// stored values (ON CONFLICT DO NOTHING); mismatches are detected by
// re-reading the conflicting instants so the caller can log them.
func (b *TimescaleBackend) Save(ctx context.Context, symbol, timeframe string, f *Frame) (SaveReport, error) {
	if err := ValidateUTC(f); err != nil {
		return SaveReport{}, err
	}
	inst := instrumentKey(symbol, timeframe)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return SaveReport{}, errs.Wrap(errs.StorageError, err, "begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO price_data (instrument, ts, open, high, low, close, volume)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (instrument, ts) DO NOTHING`)
	if err != nil {
		return SaveReport{}, errs.Wrap(errs.StorageError, err, "prepare insert")
	}
	defer stmt.Close()

	check, err := tx.PrepareContext(ctx, `
SELECT open, high, low, close, volume FROM price_data WHERE instrument = $1 AND ts = $2`)
	if err != nil {
		return SaveReport{}, errs.Wrap(errs.StorageError, err, "prepare check")
	}
	defer check.Close()

	var report SaveReport
	for _, bar := range f.Bars() {
		res, err := stmt.ExecContext(ctx, inst, bar.TS, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
		if err != nil {
			return SaveReport{}, errs.Wrap(errs.StorageError, err, "insert bar %s", bar.TS)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return SaveReport{}, errs.Wrap(errs.StorageError, err, "rows affected")
		}
		if n == 1 {
			report.Inserted++
			continue
		}
		var cur Bar
		if err := check.QueryRowContext(ctx, inst, bar.TS).
			Scan(&cur.Open, &cur.High, &cur.Low, &cur.Close, &cur.Volume); err != nil {
			return SaveReport{}, errs.Wrap(errs.StorageError, err, "read conflicting bar %s", bar.TS)
		}
		cur.TS = bar.TS
		if cur == bar {
			report.Skipped++
		} else {
			report.Mismatched++
		}
	}

	if err := tx.Commit(); err != nil {
		return SaveReport{}, errs.Wrap(errs.StorageError, err, "commit")
	}
	return report, nil
}

// ListSymbols returns the distinct symbols, optionally for one timeframe.
func (b *TimescaleBackend) ListSymbols(ctx context.Context, timeframe string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT instrument FROM price_data`)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "list instruments")
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var inst string
		if err := rows.Scan(&inst); err != nil {
			return nil, errs.Wrap(errs.StorageError, err, "scan instrument")
		}
		sym, tf, ok := strings.Cut(inst, "|")
		if !ok {
			continue
		}
		if timeframe != "" && !strings.EqualFold(tf, timeframe) {
			continue
		}
		seen[sym] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "iterate instruments")
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// GetRange returns the stored min/max instants for (symbol, timeframe).
func (b *TimescaleBackend) GetRange(ctx context.Context, symbol, timeframe string) (Range, bool, error) {
	var minTS, maxTS sql.NullTime
	err := b.db.QueryRowContext(ctx,
		`SELECT min(ts), max(ts) FROM price_data WHERE instrument = $1`,
		instrumentKey(symbol, timeframe)).Scan(&minTS, &maxTS)
	if err != nil {
		return Range{}, false, errs.Wrap(errs.StorageError, err, "query range")
	}
	if !minTS.Valid || !maxTS.Valid {
		return Range{}, false, nil
	}
	return Range{Start: minTS.Time.UTC(), End: maxTS.Time.UTC()}, true, nil
}

// Close closes the connection pool.
func (b *TimescaleBackend) Close() error { return b.db.Close() }
