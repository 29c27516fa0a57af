// Package health tracks the latest probe result per upstream and turns it into
// reports for the gateway's health endpoints.
package health

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	httpURLRegex    = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex    = regexp.MustCompile(`nats://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the public health report of a service or of the gateway itself.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded", "unknown"
	Critical    bool      `json:"critical,omitempty"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related figures attached to a report
type Metrics struct {
	LatencyMs    int64         `json:"latency_ms,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	ErrorCount   int64         `json:"error_count,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// sanitizeErrorMessage strips URLs, addresses, ports and credentials from probe
// errors before they are exposed on public endpoints.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := httpURLRegex.ReplaceAllString(err, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}

// FromRecord converts a probe record into a public report. A degraded-latency
// probe reports "degraded"; a failed probe reports "unhealthy".
func FromRecord(name string, critical bool, rec Record) Status {
	s := Status{
		Component: name,
		Critical:  critical,
		Timestamp: rec.CheckedAt,
		Metrics: &Metrics{
			LatencyMs:    rec.LatencyMs,
			LastActivity: rec.CheckedAt,
		},
	}

	switch {
	case rec.Status == StateUnknown || rec.Status == "":
		s.Status = "unknown"
		s.Message = "Not probed yet"
	case rec.Unhealthy():
		s.Status = "unhealthy"
		s.Message = sanitizeErrorMessage(rec.Error)
		if s.Message == "" {
			s.Message = "Health probe failed"
		}
	case rec.Level == LevelDegraded:
		s.Status = "degraded"
		s.Healthy = true
		s.Message = fmt.Sprintf("Slow response (%dms)", rec.LatencyMs)
	default:
		s.Status = "healthy"
		s.Healthy = true
		s.Message = "Service healthy"
	}

	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return s
}
