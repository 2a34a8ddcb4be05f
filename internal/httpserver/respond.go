package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// RespondError writes the standard error envelope {"error":{"message":kind}}.
func RespondError(w http.ResponseWriter, status int, kind string) {
	Respond(w, status, map[string]any{"error": map[string]any{"message": kind}})
}

// RespondErrorDetails writes the error envelope with additional fields merged
// into the error object (e.g. currentFence/receivedFence for stale fences).
func RespondErrorDetails(w http.ResponseWriter, status int, kind string, details map[string]any) {
	body := map[string]any{"message": kind}
	for k, v := range details {
		body[k] = v
	}
	Respond(w, status, map[string]any{"error": body})
}
