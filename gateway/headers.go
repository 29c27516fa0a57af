package gateway

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Gateway-added headers.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderForwardedBy   = "X-Forwarded-By"
	HeaderTargetService = "X-Target-Service"
	HeaderServedBy      = "X-Served-By"
	HeaderResponseTime  = "X-Response-Time"
	HeaderFallback      = "X-Gateway-Fallback"

	forwardedBy = "semgate"
)

// forwardedHeaders are copied from the inbound request; everything else is dropped.
var forwardedHeaders = []string{
	"Cookie",
	"X-Csrf-Token",
	"X-Xsrf-Token",
	"Authorization",
	"Content-Type",
	"User-Agent",
	"Referer",
}

// filterHeaders returns the allowlisted subset of in, including every Accept* header.
func filterHeaders(in http.Header) http.Header {
	out := make(http.Header, len(forwardedHeaders)+4)
	for _, name := range forwardedHeaders {
		if v, ok := in[name]; ok {
			out[name] = append([]string(nil), v...)
		}
	}
	for name, v := range in {
		if strings.HasPrefix(name, "Accept") {
			out[name] = append([]string(nil), v...)
		}
	}
	return out
}

// RequestID returns the inbound request id or a new one.
func RequestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}
