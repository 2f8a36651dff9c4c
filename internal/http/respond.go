package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/regainflow/console/internal/domain"
	"github.com/regainflow/console/internal/repository"
	"github.com/regainflow/console/internal/sentry"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps service sentinels to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		sentry.CaptureError(req.Context(), err, map[string]string{"path": req.URL.Path})
	}
	writeError(w, status, err.Error())
}
