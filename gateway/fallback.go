package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/c360/semgate/registry"
)

// Fallback reasons, reported in the X-Gateway-Fallback header and metrics.
const (
	ReasonCircuitOpen = "circuit_open"
	ReasonUnhealthy   = "unhealthy"
	ReasonUpstream    = "upstream_error"
	ReasonTimeout     = "timeout"
)

// Fallback builds the synthesized response for an unavailable service:
// critical services get 503 with critical=true, degradable services get 200
// with their safe default payload and degraded=true, all others get a generic 503.
func Fallback(d registry.Descriptor, reason string) (int, []byte) {
	switch {
	case d.Critical:
		return http.StatusServiceUnavailable, mustJSON(map[string]any{
			"error":    "critical service unavailable",
			"service":  d.Key,
			"critical": true,
			"reason":   reason,
			"status":   http.StatusServiceUnavailable,
		})
	case d.Degradable():
		payload := map[string]any{}
		// registry validation guarantees a JSON object
		_ = json.Unmarshal(d.Degraded, &payload)
		payload["degraded"] = true
		return http.StatusOK, mustJSON(payload)
	default:
		return http.StatusServiceUnavailable, mustJSON(map[string]any{
			"error":   "service temporarily unavailable",
			"service": d.Key,
			"reason":  reason,
			"status":  http.StatusServiceUnavailable,
		})
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal server error","status":500}`)
	}
	return data
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(mustJSON(v))
}

// WriteError writes the standard {"error","status"} body.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}
