// Package dataload surfaces historical data acquisition as managed
// operations. It plans segment downloads against the repository's current
// coverage, pulls bars from an external source adapter, and saves them with
// the idempotent import policy.
package dataload

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ktrdr/internal/cancel"
	"ktrdr/internal/data"
	"ktrdr/internal/enum"
	"ktrdr/internal/errs"
	"ktrdr/internal/logger"
	"ktrdr/internal/ops"
	"ktrdr/internal/timeutil"
)

// Source is the external market-data vendor adapter. The vendor protocol
// itself lives outside the core; the service only needs ranged fetches.
type Source interface {
	// Fetch returns bars for the half-open range. Timestamps may arrive in
	// any zone; the service normalizes them through the timestamp gate.
	Fetch(ctx context.Context, symbol, timeframe string, rng data.Range) ([]data.Bar, error)

	// Name identifies the source in result summaries.
	Name() string
}

// Mode selects how the requested range relates to existing coverage.
type Mode string

const (
	// ModeTail extends coverage forward from the newest stored bar.
	ModeTail Mode = "tail"
	// ModeBackfill extends coverage backward from the oldest stored bar.
	ModeBackfill Mode = "backfill"
	// ModeFull fetches the whole requested range regardless of coverage.
	ModeFull Mode = "full"
)

// segmentSpan bounds one fetch so that progress ticks and cancellation
// checkpoints happen at segment boundaries.
const segmentSpan = 7 * 24 * time.Hour

// Request describes one data-load operation.
type Request struct {
	Symbol    string
	Timeframe string
	Mode      Mode
	Start     time.Time // optional; zero means 30 days before End
	End       time.Time // optional; zero means now
}

// Service starts data-load operations.
type Service struct {
	orchestrator *ops.Orchestrator
	repo         *data.Repository
	source       Source
	storageName  string
}

// NewService wires the data-load service. storageName labels the backend in
// result summaries (e.g. "csv" or "timescale").
func NewService(orchestrator *ops.Orchestrator, repo *data.Repository, source Source, storageName string) *Service {
	return &Service{orchestrator: orchestrator, repo: repo, source: source, storageName: storageName}
}

// Start validates the request and launches the operation.
func (s *Service) Start(ctx context.Context, req Request) (ops.StartResult, error) {
	if req.Symbol == "" || req.Timeframe == "" {
		return ops.StartResult{}, errs.New(errs.InvalidInput, "data load needs symbol and timeframe")
	}
	if _, err := data.TimeframeDuration(req.Timeframe); err != nil {
		return ops.StartResult{}, errs.Wrap(errs.InvalidInput, err, "data load timeframe")
	}
	switch req.Mode {
	case ModeTail, ModeBackfill, ModeFull:
	case "":
		req.Mode = ModeTail
	default:
		return ops.StartResult{}, errs.New(errs.InvalidInput, "unknown data load mode %q", req.Mode)
	}
	req.Symbol = strings.ToUpper(req.Symbol)

	metadata := map[string]any{
		"symbol":    req.Symbol,
		"timeframe": req.Timeframe,
		"mode":      string(req.Mode),
	}
	return s.orchestrator.StartManagedOperation(ctx, enum.OperationKindDataLoad, metadata, s.worker(req))
}

func (s *Service) worker(req Request) ops.Worker {
	return func(ctx context.Context, reporter *ops.ProgressReporter, tok *cancel.Token) (map[string]any, error) {
		log := logger.FromContext(ctx)

		rng, err := s.planRange(ctx, req)
		if err != nil {
			return nil, err
		}
		segments := splitSegments(rng, segmentSpan)
		if len(segments) == 0 {
			return s.summary(ctx, req, 0, 0)
		}

		totalBars := 0
		gapsFilled := 0
		for i, seg := range segments {
			if tok.Requested() {
				return nil, ops.ErrCancelled
			}

			bars, err := s.source.Fetch(ctx, req.Symbol, req.Timeframe, seg)
			if err != nil {
				return nil, errs.Wrap(errs.StorageError, err, "fetch %s/%s segment %d", req.Symbol, req.Timeframe, i+1)
			}

			// Every ingress passes the timestamp gate before persistence.
			for j := range bars {
				ts, err := timeutil.ToUTC(bars[j].TS)
				if err != nil {
					return nil, err
				}
				bars[j].TS = ts
			}
			frame, err := data.NewFrame(bars)
			if err != nil {
				return nil, err
			}

			report, err := s.repo.Save(ctx, req.Symbol, req.Timeframe, frame)
			if err != nil {
				return nil, err
			}
			totalBars += frame.Len()
			gapsFilled += report.Inserted

			pct := float64(i+1) / float64(len(segments)) * 100
			reporter.Report(ctx, pct,
				fmt.Sprintf("Segment %d/%d", i+1, len(segments)),
				ops.DataLoadState{
					Symbol:        req.Symbol,
					Timeframe:     req.Timeframe,
					Mode:          string(req.Mode),
					SegmentIndex:  i + 1,
					TotalSegments: len(segments),
				})
			log.Debug("segment loaded",
				zap.Int("segment", i+1),
				zap.Int("bars", frame.Len()),
				zap.Int("inserted", report.Inserted))
		}

		return s.summary(ctx, req, totalBars, gapsFilled)
	}
}

// planRange resolves the fetch range from the request mode and the
// repository's current coverage.
func (s *Service) planRange(ctx context.Context, req Request) (data.Range, error) {
	end := req.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	start := req.Start
	if start.IsZero() {
		start = end.Add(-30 * 24 * time.Hour)
	}

	coverage, ok, err := s.repo.GetRange(ctx, req.Symbol, req.Timeframe)
	if err != nil {
		return data.Range{}, err
	}
	if !ok {
		return data.Range{Start: start, End: end}, nil
	}

	switch req.Mode {
	case ModeTail:
		if coverage.End.After(start) {
			start = coverage.End
		}
	case ModeBackfill:
		if coverage.Start.Before(end) {
			end = coverage.Start
		}
	}
	if !start.Before(end) {
		return data.Range{}, nil
	}
	return data.Range{Start: start, End: end}, nil
}

func (s *Service) summary(ctx context.Context, req Request, bars, gaps int) (map[string]any, error) {
	dateRange := map[string]any{"start": nil, "end": nil}
	if rng, ok, err := s.repo.GetRange(ctx, req.Symbol, req.Timeframe); err == nil && ok {
		dateRange["start"] = rng.Start.Format(time.RFC3339)
		dateRange["end"] = rng.End.Format(time.RFC3339)
	}
	return map[string]any{
		"bars_loaded":      bars,
		"date_range":       dateRange,
		"gaps_filled":      gaps,
		"data_source":      s.source.Name(),
		"storage_location": s.storageName,
	}, nil
}

// splitSegments cuts a range into bounded spans for progress and
// cancellation checkpoints.
func splitSegments(rng data.Range, span time.Duration) []data.Range {
	if rng.Start.IsZero() || !rng.Start.Before(rng.End) {
		return nil
	}
	var out []data.Range
	for cur := rng.Start; cur.Before(rng.End); cur = cur.Add(span) {
		end := cur.Add(span)
		if end.After(rng.End) {
			end = rng.End
		}
		out = append(out, data.Range{Start: cur, End: end})
	}
	return out
}
