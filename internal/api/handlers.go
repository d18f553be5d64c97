package api

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ktrdr/internal/data"
	"ktrdr/internal/dataload"
	"ktrdr/internal/enum"
	"ktrdr/internal/errs"
	"ktrdr/internal/ops"
	"ktrdr/internal/strategy"
	"ktrdr/internal/timeutil"
	"ktrdr/internal/training"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

type dataLoadRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Mode      string `json:"mode"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

func (s *Server) handleDataLoad(w http.ResponseWriter, r *http.Request) {
	var body dataLoadRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, r, err)
		return
	}

	req := dataload.Request{
		Symbol:    body.Symbol,
		Timeframe: body.Timeframe,
		Mode:      dataload.Mode(body.Mode),
	}
	var err error
	if req.Start, err = parseOptionalTime(body.Start); err != nil {
		respondError(w, r, err)
		return
	}
	if req.End, err = parseOptionalTime(body.End); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := s.dataloadSvc.Start(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type trainingStartRequest struct {
	Strategy  string `json:"strategy"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

func (s *Server) handleTrainingStart(w http.ResponseWriter, r *http.Request) {
	var body trainingStartRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, r, err)
		return
	}
	if body.Strategy == "" {
		respondError(w, r, errs.New(errs.InvalidInput, "strategy is required"))
		return
	}

	manifestPath := filepath.Join(s.cfg.StrategiesDir, body.Strategy+".yaml")
	manifest, err := strategy.LoadFile(r.Context(), manifestPath)
	if err != nil {
		respondError(w, r, err)
		return
	}

	req := training.Request{Manifest: manifest, Symbol: body.Symbol, Timeframe: body.Timeframe}
	rng, err := parseOptionalRange(body.Start, body.End)
	if err != nil {
		respondError(w, r, err)
		return
	}
	req.Range = rng

	resp, err := s.trainingSvc.Start(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := ops.Filter{
		Kind:   enum.OperationKind(q.Get("operation_type")),
		Status: enum.OperationStatus(q.Get("status")),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		respondError(w, r, errs.New(errs.InvalidInput, "unknown operation_type %q", filter.Kind))
		return
	}
	if v := q.Get("active_only"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, r, errs.Wrap(errs.InvalidInput, err, "active_only"))
			return
		}
		filter.ActiveOnly = active
	}

	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, r, errs.New(errs.InvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, r, errs.New(errs.InvalidInput, "offset must be a non-negative integer"))
			return
		}
		offset = n
	}

	res := s.orchestrator.Registry().List(filter, limit, offset)
	respondJSON(w, http.StatusOK, map[string]any{
		"data":         res.Records,
		"total_count":  res.TotalCount,
		"active_count": res.ActiveCount,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec := s.orchestrator.Registry().Get(r.Context(), id)
	if rec == nil {
		respondError(w, r, errs.New(errs.DataNotFound, "unknown operation %s", id))
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body cancelRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "user requested"
	}

	rec, err := s.orchestrator.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		respondError(w, r, err)
		return
	}

	resp := map[string]any{
		"success":        true,
		"status":         string(rec.Status),
		"task_cancelled": rec.Status == enum.OperationStatusCancelled,
	}
	if rec.Kind == enum.OperationKindTraining {
		_, hasSession := rec.Metadata[ops.MetadataSessionKey]
		resp["training_session_cancelled"] = hasSession
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec := s.orchestrator.Registry().Get(r.Context(), id)
	if rec == nil {
		respondError(w, r, errs.New(errs.DataNotFound, "unknown operation %s", id))
		return
	}
	if !rec.Status.Terminal() {
		respondError(w, r, errs.New(errs.InvalidInput, "operation %s is %s, results require a terminal state", id, rec.Status))
		return
	}

	body := map[string]any{
		"operation_type": string(rec.Kind),
		"status":         string(rec.Status),
	}
	switch rec.Status {
	case enum.OperationStatusCompleted:
		body["results"] = rec.ResultSummary
	case enum.OperationStatusFailed:
		body["error"] = rec.Error
	case enum.OperationStatusCancelled:
		body["cancellation_reason"] = rec.CancellationReason
	}
	respondJSON(w, http.StatusOK, body)
}

func parseOptionalTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return timeutil.ToUTC(v)
}

func parseOptionalRange(start, end string) (*data.Range, error) {
	s, err := parseOptionalTime(start)
	if err != nil {
		return nil, err
	}
	e, err := parseOptionalTime(end)
	if err != nil {
		return nil, err
	}
	if s.IsZero() && e.IsZero() {
		return nil, nil
	}
	return &data.Range{Start: s, End: e}, nil
}
