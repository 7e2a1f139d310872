package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeErrorHint(w, status, message, "")
}

func writeErrorHint(w http.ResponseWriter, status int, message, hint string) {
	body := map[string]string{"error": message}
	if hint != "" {
		body["hint"] = hint
	}
	_ = writeJSON(w, status, body)
}

// writeServiceError maps a service error onto an HTTP status. Unexpected
// errors are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	hint := strings.TrimSpace(errors.FlattenHints(err))
	switch {
	case errors.IsNotFoundError(err):
		writeErrorHint(w, http.StatusNotFound, err.Error(), hint)
	case errors.IsInvalidRequestError(err):
		writeErrorHint(w, http.StatusBadRequest, err.Error(), hint)
	case errors.IsConflictError(err):
		writeErrorHint(w, http.StatusConflict, err.Error(), hint)
	default:
		log.Errorw("Request failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// readJSON decodes a size-limited JSON request body, answering 400 itself on
// failure.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
