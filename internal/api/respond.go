package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"ktrdr/internal/errs"
	"ktrdr/internal/logger"
)

type errorBody struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError maps error categories onto HTTP status codes.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errs.CategoryOf(err) {
	case errs.InvalidInput, errs.InvalidTime, errs.IndicatorParameterInvalid, errs.FuzzyConfigInvalid:
		status = http.StatusBadRequest
	case errs.DataNotFound, errs.ArtefactMissing:
		status = http.StatusNotFound
	case errs.HostUnreachable:
		status = http.StatusBadGateway
	case errs.IllegalTransition:
		status = http.StatusInternalServerError
	}

	if status >= 500 {
		logger.FromContext(r.Context()).Error("request failed", zap.Error(err))
	}
	respondJSON(w, status, errorBody{Error: err.Error(), Category: string(errs.CategoryOf(err))})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return errs.New(errs.InvalidInput, "request body required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.InvalidInput, err, "decode request body")
	}
	return nil
}
