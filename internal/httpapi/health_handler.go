package httpapi

import "net/http"

// HealthHandler handles GET /health — a liveness probe independent of any
// particular session's state.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := 0
		if d.Registry != nil {
			active = d.Registry.Count()
		}
		jsonResponse(w, map[string]any{
			"status":          "ok",
			"active_sessions": active,
		})
	}
}
