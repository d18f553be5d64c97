package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ktrdr/internal/cancel"
	"ktrdr/internal/data"
	"ktrdr/internal/dataload"
	"ktrdr/internal/enum"
	"ktrdr/internal/model"
	"ktrdr/internal/ops"
	"ktrdr/internal/training"
)

const testStrategy = `
name: api-test
indicators:
  - feature_id: rsi_5
    kind: rsi
    parameters: {period: 5}
fuzzy_sets:
  rsi_5:
    oversold: {type: triangular, parameters: [0, 0, 40]}
    overbought: {type: triangular, parameters: [60, 100, 100]}
model:
  hidden_layers: [8]
  learning_rate: 0.01
training:
  labels: {threshold: 0.02, lookahead: 8}
  split: {train: 0.6, val: 0.2, test: 0.2}
  epochs: 3
  batch_size: 16
`

type apiSource struct{}

func (apiSource) Fetch(ctx context.Context, symbol, timeframe string, rng data.Range) ([]data.Bar, error) {
	var bars []data.Bar
	first := rng.Start.Truncate(time.Hour)
	if first.Before(rng.Start) {
		first = first.Add(time.Hour)
	}
	for ts := first; ts.Before(rng.End); ts = ts.Add(time.Hour) {
		c := 100 + 10*float64((ts.Unix()/3600)%24)/24 + 5*float64((ts.Unix()/3600)%7)/7
		bars = append(bars, data.Bar{TS: ts, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000})
	}
	return bars, nil
}

func (apiSource) Name() string { return "fake-vendor" }

func newTestServer(t *testing.T) (*httptest.Server, *ops.Orchestrator, *data.Repository) {
	t.Helper()

	backend, err := data.NewCSVBackend(t.TempDir())
	require.NoError(t, err)
	repo := data.NewRepository(backend, "")
	store, err := model.NewStorage(t.TempDir())
	require.NoError(t, err)

	registry := ops.NewRegistry(nil, nil)
	orch := ops.NewOrchestrator(registry, cancel.NewCoordinator())

	strategiesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(strategiesDir, "api-test.yaml"), []byte(testStrategy), 0o644))

	srv := NewServer(
		orch,
		training.NewService(orch, training.NewPipeline(repo, store), nil),
		dataload.NewService(orch, repo, apiSource{}, "csv"),
		Config{StrategiesDir: strategiesDir},
	)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, orch, repo
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func awaitOperation(t *testing.T, ts *httptest.Server, id string, want string) map[string]any {
	t.Helper()
	deadline := time.After(30 * time.Second)
	for {
		resp, body := getJSON(t, ts.URL+"/operations/"+id)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		if body["status"] == want {
			return body
		}
		terminal := body["status"] == "completed" || body["status"] == "failed" || body["status"] == "cancelled"
		if terminal && body["status"] != want {
			t.Fatalf("operation %s reached %v, want %s", id, body["status"], want)
		}
		select {
		case <-deadline:
			t.Fatalf("operation %s stuck in %v", id, body["status"])
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAPI_DataLoadLifecycle(t *testing.T) {
	ts, _, repo := newTestServer(t)

	resp, body := postJSON(t, ts.URL+"/data/load", map[string]any{
		"symbol":    "AAPL",
		"timeframe": "1h",
		"mode":      "tail",
		"start":     "2024-01-01T13:30:00Z",
		"end":       "2024-01-22T19:30:00Z",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := body["operation_id"].(string)
	require.NotEmpty(t, id, "operation_id always populated on successful start")
	assert.Equal(t, "started", body["status"])

	awaitOperation(t, ts, id, "completed")

	resp, results := getJSON(t, ts.URL+"/operations/"+id+"/results")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "data_load", results["operation_type"])
	res := results["results"].(map[string]any)
	assert.Equal(t, "fake-vendor", res["data_source"])
	assert.Positive(t, res["bars_loaded"])

	frame, err := repo.Load(context.Background(), "AAPL", "1h", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(frame.Len()), res["bars_loaded"])
}

func TestAPI_TrainingLifecycle(t *testing.T) {
	ts, _, repo := newTestServer(t)
	ctx := context.Background()

	// Seed bars for the pipeline.
	bars, err := apiSource{}.Fetch(ctx, "AAPL", "1h", data.Range{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 18, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	frame, err := data.NewFrame(bars)
	require.NoError(t, err)
	_, err = repo.Save(ctx, "AAPL", "1h", frame)
	require.NoError(t, err)

	resp, body := postJSON(t, ts.URL+"/trainings/start", map[string]any{
		"strategy":  "api-test",
		"symbol":    "AAPL",
		"timeframe": "1h",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	assert.Equal(t, "training_started", body["status"])
	assert.NotEmpty(t, body["message"])
	assert.NotNil(t, body["estimated_duration_minutes"])
	id := body["operation_id"].(string)

	final := awaitOperation(t, ts, id, "completed")
	progress := final["progress"].(map[string]any)
	assert.Equal(t, 100.0, progress["percentage"])

	resp, results := getJSON(t, ts.URL+"/operations/"+id+"/results")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := results["results"].(map[string]any)
	assert.Contains(t, res, "training_metrics")
	assert.Contains(t, res, "validation_metrics")
	artifacts := res["artifacts"].(map[string]any)
	assert.NotEmpty(t, artifacts["model_path"])
}

func TestAPI_TrainingUnknownStrategy(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/trainings/start", map[string]any{
		"strategy": "ghost", "symbol": "AAPL", "timeframe": "1h",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ListPaginationUnderChurn(t *testing.T) {
	ts, orch, _ := newTestServer(t)
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = orch.Registry().Create(ctx, enum.OperationKindOther, map[string]any{"n": i})
	}

	resp, body := getJSON(t, ts.URL+"/operations?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3.0, body["total_count"])
	page := body["data"].([]any)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].(map[string]any)["operation_id"])
	assert.Equal(t, ids[1], page[1].(map[string]any)["operation_id"])

	// A new operation appears at the head; deeper pages stay consistent.
	_ = orch.Registry().Create(ctx, enum.OperationKindOther, nil)
	resp, body = getJSON(t, ts.URL+"/operations?limit=2&offset=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4.0, body["total_count"])
	page = body["data"].([]any)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].(map[string]any)["operation_id"])
	assert.Equal(t, ids[0], page[1].(map[string]any)["operation_id"])
}

func TestAPI_ListValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, _ := getJSON(t, ts.URL+"/operations?operation_type=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = getJSON(t, ts.URL+"/operations?limit=-2")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetUnknownOperation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, _ := getJSON(t, ts.URL+"/operations/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = getJSON(t, ts.URL+"/operations/nope/results")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ResultsRequireTerminalState(t *testing.T) {
	ts, orch, _ := newTestServer(t)

	id := orch.Registry().Create(context.Background(), enum.OperationKindOther, nil)
	resp, _ := getJSON(t, ts.URL+"/operations/"+id+"/results")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CancelFlow(t *testing.T) {
	ts, orch, _ := newTestServer(t)
	ctx := context.Background()

	res, err := orch.StartManagedOperation(ctx, enum.OperationKindOther, nil,
		func(ctx context.Context, reporter *ops.ProgressReporter, tok *cancel.Token) (map[string]any, error) {
			<-tok.Done()
			return nil, ops.ErrCancelled
		})
	require.NoError(t, err)

	url := fmt.Sprintf("%s/operations/%s/cancel", ts.URL, res.OperationID)
	resp, body := postJSON(t, url, map[string]any{"reason": "user changed mind"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, []any{"cancelled", "cancelling"}, body["status"])

	final := awaitOperation(t, ts, res.OperationID, "cancelled")
	assert.Equal(t, "user changed mind", final["cancellation_reason"])

	// Idempotent: a second cancel succeeds observationally.
	resp, body = postJSON(t, url, map[string]any{"reason": "again"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])
}
