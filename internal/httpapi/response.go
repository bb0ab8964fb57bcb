// Package httpapi implements the bit-exact HTTP surface consumed by the
// dashboard: pipeline CRUD, run lifecycle, preflight checks, the secure
// input vault, and pairing sessions, following the teacher's daemon/api
// router and response-helper conventions.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("httpapi: failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErrorReason(w http.ResponseWriter, status int, message, reason string, extra map[string]any) {
	body := map[string]any{"error": message, "reason": reason}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
