package health

import "time"

// State is the probe verdict for a service.
type State string

const (
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateUnknown   State = "unknown"
)

// Level grades a probe by latency as well as outcome.
type Level string

const (
	LevelOnline   Level = "online"
	LevelDegraded Level = "degraded"
	LevelOffline  Level = "offline"
	LevelUnknown  Level = "unknown"
)

// Record is the latest probe result for one service. Records are overwritten
// on every poll; no history is kept here.
type Record struct {
	Service   string        `json:"service"`
	Status    State         `json:"status"`
	Level     Level         `json:"level"`
	Latency   time.Duration `json:"latency_ns"`
	LatencyMs int64         `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Resources *Resources    `json:"resources,omitempty"`
}

// Resources holds optional figures reported by a richer health payload.
type Resources struct {
	UptimeSeconds *float64 `json:"uptime_seconds,omitempty"`
	MemoryMB      *float64 `json:"memory_mb,omitempty"`
	CPUPercent    *float64 `json:"cpu_percent,omitempty"`
}

// Healthy reports whether the probe succeeded.
func (r Record) Healthy() bool {
	return r.Status == StateHealthy
}

// Unhealthy reports a failed probe. Unknown records are neither healthy nor unhealthy.
func (r Record) Unhealthy() bool {
	return r.Status == StateUnhealthy
}

// Unknown returns the placeholder record for a service that has not been probed.
func Unknown(service string) Record {
	return Record{Service: service, Status: StateUnknown, Level: LevelUnknown}
}
