package dataload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ktrdr/internal/cancel"
	"ktrdr/internal/data"
	"ktrdr/internal/enum"
	"ktrdr/internal/errs"
	"ktrdr/internal/ops"
)

// fakeSource serves bars on an hourly grid within the requested range,
// optionally in a non-UTC zone to exercise the ingress gate.
type fakeSource struct {
	zone    *time.Location
	fetches int
}

func (f *fakeSource) Fetch(ctx context.Context, symbol, timeframe string, rng data.Range) ([]data.Bar, error) {
	f.fetches++
	zone := f.zone
	if zone == nil {
		zone = time.UTC
	}
	var bars []data.Bar
	first := rng.Start.Truncate(time.Hour)
	if first.Before(rng.Start) {
		first = first.Add(time.Hour)
	}
	for ts := first; ts.Before(rng.End); ts = ts.Add(time.Hour) {
		c := 150 + float64(ts.Unix()%97)/10
		bars = append(bars, data.Bar{
			TS: ts.In(zone), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 900,
		})
	}
	return bars, nil
}

func (f *fakeSource) Name() string { return "fake-vendor" }

func testService(t *testing.T, src Source) (*Service, *ops.Orchestrator, *data.Repository) {
	t.Helper()
	backend, err := data.NewCSVBackend(t.TempDir())
	require.NoError(t, err)
	repo := data.NewRepository(backend, "")
	orch := ops.NewOrchestrator(ops.NewRegistry(nil, nil), cancel.NewCoordinator())
	return NewService(orch, repo, src, "csv"), orch, repo
}

func awaitTerminal(t *testing.T, orch *ops.Orchestrator, id string) *ops.Record {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		rec := orch.Registry().Get(context.Background(), id)
		require.NotNil(t, rec)
		if rec.Status.Terminal() {
			return rec
		}
		select {
		case <-deadline:
			t.Fatalf("operation %s stuck in %s", id, rec.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDataLoad_HappyPath(t *testing.T) {
	svc, orch, repo := testService(t, &fakeSource{})
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 13, 30, 0, 0, time.UTC)
	end := time.Date(2024, 1, 22, 19, 30, 0, 0, time.UTC)
	res, err := svc.Start(ctx, Request{Symbol: "AAPL", Timeframe: "1h", Mode: ModeTail, Start: start, End: end})
	require.NoError(t, err)
	require.NotEmpty(t, res.OperationID)
	assert.Equal(t, "started", res.Status)

	rec := awaitTerminal(t, orch, res.OperationID)
	require.Equal(t, enum.OperationStatusCompleted, rec.Status)

	summary := rec.ResultSummary
	assert.Equal(t, "fake-vendor", summary["data_source"])
	assert.Equal(t, "csv", summary["storage_location"])
	assert.Positive(t, summary["bars_loaded"])
	dateRange := summary["date_range"].(map[string]any)
	assert.Contains(t, dateRange["start"], "2024-01-01")

	frame, err := repo.Load(ctx, "AAPL", "1h", nil)
	require.NoError(t, err)
	assert.Equal(t, summary["bars_loaded"], frame.Len())
	require.NoError(t, data.ValidateUTC(frame))
}

func TestDataLoad_NonUTCSourceNormalized(t *testing.T) {
	zone := time.FixedZone("EST", -5*3600)
	svc, orch, repo := testService(t, &fakeSource{zone: zone})
	ctx := context.Background()

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	res, err := svc.Start(ctx, Request{Symbol: "MSFT", Timeframe: "1h", Mode: ModeFull, Start: start, End: start.Add(48 * time.Hour)})
	require.NoError(t, err)

	rec := awaitTerminal(t, orch, res.OperationID)
	require.Equal(t, enum.OperationStatusCompleted, rec.Status)

	frame, err := repo.Load(ctx, "MSFT", "1h", nil)
	require.NoError(t, err)
	require.NoError(t, data.ValidateUTC(frame))
}

func TestDataLoad_TailSkipsCoveredRange(t *testing.T) {
	src := &fakeSource{}
	svc, orch, repo := testService(t, src)
	ctx := context.Background()

	// Preload coverage through Jan 10.
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mid := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	bars, err := src.Fetch(ctx, "AAPL", "1h", data.Range{Start: start, End: mid})
	require.NoError(t, err)
	frame, err := data.NewFrame(bars)
	require.NoError(t, err)
	_, err = repo.Save(ctx, "AAPL", "1h", frame)
	require.NoError(t, err)

	end := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	res, err := svc.Start(ctx, Request{Symbol: "AAPL", Timeframe: "1h", Mode: ModeTail, Start: start, End: end})
	require.NoError(t, err)

	rec := awaitTerminal(t, orch, res.OperationID)
	require.Equal(t, enum.OperationStatusCompleted, rec.Status)

	// Only the uncovered tail was fetched: the plan starts at the stored max.
	full, err := repo.Load(ctx, "AAPL", "1h", nil)
	require.NoError(t, err)
	span, ok := full.Span()
	require.True(t, ok)
	assert.True(t, span.End.After(mid))
}

func TestDataLoad_InvalidRequests(t *testing.T) {
	svc, _, _ := testService(t, &fakeSource{})
	ctx := context.Background()

	_, err := svc.Start(ctx, Request{Timeframe: "1h"})
	assert.Equal(t, errs.InvalidInput, errs.CategoryOf(err))

	_, err = svc.Start(ctx, Request{Symbol: "AAPL", Timeframe: "bogus"})
	assert.Equal(t, errs.InvalidInput, errs.CategoryOf(err))

	_, err = svc.Start(ctx, Request{Symbol: "AAPL", Timeframe: "1h", Mode: "sideways"})
	assert.Equal(t, errs.InvalidInput, errs.CategoryOf(err))
}

func TestDataLoad_ProgressContextShape(t *testing.T) {
	svc, orch, _ := testService(t, &fakeSource{})
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := svc.Start(ctx, Request{Symbol: "AAPL", Timeframe: "1h", Mode: ModeFull, Start: start, End: start.Add(21 * 24 * time.Hour)})
	require.NoError(t, err)

	rec := awaitTerminal(t, orch, res.OperationID)
	require.Equal(t, enum.OperationStatusCompleted, rec.Status)

	progressCtx := rec.Progress.Context
	require.NotNil(t, progressCtx)
	assert.Equal(t, "AAPL", progressCtx["symbol"])
	assert.Equal(t, "full", progressCtx["mode"])
	assert.Equal(t, 3, progressCtx["total_segments"], "21 days split into 7-day segments")
	assert.Equal(t, 100.0, rec.Progress.Percentage)
}
