package data

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ktrdr/internal/errs"
	"ktrdr/internal/logger"
)

const (
	saveRetries   = 3
	retryBaseWait = 100 * time.Millisecond
)

// Repository is the single entry point for OHLCV persistence. It delegates to
// a Backend, retries transient storage faults with bounded exponential
// backoff, logs every call with the correlation fields of the observability
// contract, and serves coarser timeframes by market-hours-aware resampling
// when the backend stores a single base granularity.
type Repository struct {
	backend Backend

	// resampleBase is non-empty for single-granularity backends (Timescale);
	// requests for other timeframes load the base and resample in memory.
	resampleBase string
}

// NewRepository wraps a backend. For single-granularity backends pass the
// stored base timeframe; pass "" for backends that store every timeframe
// natively (CSV).
func NewRepository(backend Backend, resampleBase string) *Repository {
	return &Repository{backend: backend, resampleBase: resampleBase}
}

// Load returns contiguous bars within the half-open range.
func (r *Repository) Load(ctx context.Context, symbol, timeframe string, rng *Range) (*Frame, error) {
	log := logger.FromContext(ctx).With(
		zap.String("store_op", "load"),
		zap.String("symbol", symbol),
		zap.String("timeframe", timeframe),
	)

	storedTF := timeframe
	resample := r.resampleBase != "" && r.resampleBase != timeframe
	if resample {
		storedTF = r.resampleBase
	}

	f, err := r.withRetry(ctx, func() (*Frame, error) {
		return r.backend.Load(ctx, symbol, storedTF, rng)
	})
	if err != nil {
		log.Warn("load failed", zap.Error(err))
		return nil, err
	}

	if resample {
		f, err = Resample(f, timeframe)
		if err != nil {
			return nil, err
		}
	}
	if err := ValidateUTC(f); err != nil {
		return nil, err
	}
	log.Debug("load complete", zap.Int("bars", f.Len()))
	return f, nil
}

// Save upserts a frame and logs a data-mismatch warning for every conflicting
// row kept at its stored value.
func (r *Repository) Save(ctx context.Context, symbol, timeframe string, f *Frame) (SaveReport, error) {
	log := logger.FromContext(ctx).With(
		zap.String("store_op", "save"),
		zap.String("symbol", symbol),
		zap.String("timeframe", timeframe),
	)

	if err := ValidateUTC(f); err != nil {
		return SaveReport{}, err
	}

	var report SaveReport
	_, err := r.withRetry(ctx, func() (*Frame, error) {
		var err error
		report, err = r.backend.Save(ctx, symbol, timeframe, f)
		return nil, err
	})
	if err != nil {
		log.Warn("save failed", zap.Error(err))
		return SaveReport{}, err
	}

	if report.Mismatched > 0 {
		log.Warn("data-mismatch: incoming rows conflict with stored values, stored values retained",
			zap.Int("mismatched", report.Mismatched))
	}
	log.Debug("save complete",
		zap.Int("inserted", report.Inserted),
		zap.Int("skipped", report.Skipped),
		zap.Int("mismatched", report.Mismatched))
	return report, nil
}

// ListSymbols returns symbols with stored data, optionally for one timeframe.
func (r *Repository) ListSymbols(ctx context.Context, timeframe string) ([]string, error) {
	return r.backend.ListSymbols(ctx, timeframe)
}

// GetRange returns the stored (min, max) instants, ok=false when empty.
func (r *Repository) GetRange(ctx context.Context, symbol, timeframe string) (Range, bool, error) {
	storedTF := timeframe
	if r.resampleBase != "" && r.resampleBase != timeframe {
		storedTF = r.resampleBase
	}
	return r.backend.GetRange(ctx, symbol, storedTF)
}

// Close releases the backend.
func (r *Repository) Close() error { return r.backend.Close() }

// withRetry retries storage-category faults with exponential backoff. Domain
// errors (data-not-found, timezone-violation) are surfaced immediately.
func (r *Repository) withRetry(ctx context.Context, fn func() (*Frame, error)) (*Frame, error) {
	var lastErr error
	wait := retryBaseWait
	for attempt := 0; attempt < saveRetries; attempt++ {
		f, err := fn()
		if err == nil {
			return f, nil
		}
		if !errs.Is(err, errs.StorageError) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return nil, lastErr
}
