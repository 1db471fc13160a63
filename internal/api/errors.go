package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/chatdesk/internal/intents"
	"github.com/kalambet/chatdesk/internal/storage"
	"github.com/kalambet/chatdesk/internal/triage"
)

const (
	errTypeInvalidRequest    = "invalid_request_error"
	errTypeConflict          = "conflict"
	errTypeNotFound          = "not_found"
	errTypePartialResolution = "partial_resolution"
	errTypeAPI               = "api_error"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"message": fmt.Sprintf(format, args...),
		"type":    errType,
	})
}

// writeError maps a domain error onto a status code and error body.
// notFound is the message used for storage.ErrNotFound.
func writeError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	var ve *intents.ValidationError
	var pe *triage.PartialResolutionError
	switch {
	case errors.As(err, &ve):
		httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "%s", ve.Error())
	case errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusBadRequest, errTypeConflict, "%s", storage.ErrConflict.Error())
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, errTypeNotFound, "%s", notFound)
	case errors.As(err, &pe):
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpError(w, http.StatusInternalServerError, errTypePartialResolution, "%s", pe.Error())
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpError(w, http.StatusInternalServerError, errTypeAPI, "%s", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// decodeBody reads a JSON request body no larger than limit into v,
// answering 400 itself when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body: %v", err)
		return false
	}
	return true
}
