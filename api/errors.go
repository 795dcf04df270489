package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/turnstile/autherr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps an error class to its HTTP status.
func statusFor(err error) int {
	switch autherr.ClassOf(err) {
	case autherr.ErrUnauthenticated:
		return http.StatusUnauthorized
	case autherr.ErrForbidden:
		return http.StatusForbidden
	case autherr.ErrValidation:
		return http.StatusBadRequest
	case autherr.ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// mapError writes err as a JSON error response. Internal failures are
// logged with their cause and answered with a generic message.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.audit.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, autherr.PublicMessage(err))
}

// isClass reports whether err belongs to class.
func isClass(err, class error) bool {
	return errors.Is(err, class)
}
