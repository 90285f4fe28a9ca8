package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// jsonError writes a JSON-encoded error response: {"error": "<msg>"}.
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func jsonResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func warnOnErr(op string, err error) {
	if err != nil {
		slog.Warn("store operation failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}
