package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/ferret/internal/agent"
	"github.com/kalambet/ferret/internal/analysis"
	"github.com/kalambet/ferret/internal/card"
	"github.com/kalambet/ferret/internal/logging"
	"github.com/kalambet/ferret/internal/quota"
	"github.com/kalambet/ferret/internal/source"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// writeError maps a service error onto the HTTP error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *quota.DeniedError
	switch {
	case errors.As(err, &denied):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{
				"message": err.Error(),
				"type":    "rate_limit_error",
				"family":  denied.Decision.Family,
				"current": denied.Decision.Current,
				"limit":   denied.Decision.Limit,
			},
		})
	case errors.Is(err, agent.ErrEmptyQuery), errors.Is(err, analysis.ErrTooShort):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, source.ErrUnsupported), errors.Is(err, source.ErrTooLarge):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
	case errors.Is(err, agent.ErrGeneration),
		errors.Is(err, analysis.ErrGeneration), errors.Is(err, analysis.ErrBadReply),
		errors.Is(err, card.ErrGeneration), errors.Is(err, card.ErrBadReply):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "%v", err)
	default:
		logging.From(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
