package health

import (
	"sync"
	"time"

	"github.com/c360/semgate/pkg/buffer"
)

// DefaultWindow is the look-back for availability and incident counts.
const DefaultWindow = 24 * time.Hour

// ServiceSnapshot summarizes one service over the tracking window.
type ServiceSnapshot struct {
	Service         string    `json:"service"`
	Level           Level     `json:"status"`
	LatencyMs       int64     `json:"latency_ms"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
	Availability24h float64   `json:"availability_24h"`
	Incidents24h    int       `json:"incidents_24h"`
	Errors          int64     `json:"errors"`
	Checks          int64     `json:"checks"`
	MemoryMB        *float64  `json:"memory_mb,omitempty"`
	CPUPercent      *float64  `json:"cpu_percent,omitempty"`
	LastCheck       time.Time `json:"last_check"`
}

type sample struct {
	at time.Time
	up bool
}

type serviceStats struct {
	samples     *buffer.Ring[sample]
	incidents   []time.Time
	errors      int64
	checks      int64
	onlineSince time.Time
	last        Record
}

// Tracker accumulates probe outcomes per service for availability, uptime and
// incident reporting.
type Tracker struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	services map[string]*serviceStats
}

// NewTracker keeps up to capacity samples per service and counts incidents
// within window.
func NewTracker(window time.Duration, capacity int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = 2880 // one day at a 30s interval
	}
	return &Tracker{
		window:   window,
		capacity: capacity,
		services: make(map[string]*serviceStats),
	}
}

func (t *Tracker) stats(service string) *serviceStats {
	s, ok := t.services[service]
	if !ok {
		s = &serviceStats{samples: buffer.NewRing[sample](t.capacity)}
		t.services[service] = s
	}
	return s
}

// Observe records a probe outcome.
func (t *Tracker) Observe(rec Record) {
	if rec.Status == StateUnknown {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats(rec.Service)
	up := rec.Healthy()
	s.samples.Push(sample{at: rec.CheckedAt, up: up})
	s.checks++
	if !up {
		s.errors++
		s.onlineSince = time.Time{}
	} else if s.onlineSince.IsZero() {
		s.onlineSince = rec.CheckedAt
	}
	s.last = rec
}

// RecordIncident counts a transition into offline.
func (t *Tracker) RecordIncident(service string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats(service)
	s.incidents = append(s.incidents, at)
}

// Incidents returns the number of incidents for service within the window ending at now.
func (t *Tracker) Incidents(service string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.services[service]
	if !ok {
		return 0
	}
	return t.pruneIncidents(s, now)
}

func (t *Tracker) pruneIncidents(s *serviceStats, now time.Time) int {
	cutoff := now.Add(-t.window)
	kept := s.incidents[:0]
	for _, at := range s.incidents {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.incidents = kept
	return len(kept)
}

// Snapshot summarizes service as of now. ok is false when nothing was observed.
func (t *Tracker) Snapshot(service string, now time.Time) (ServiceSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.services[service]
	if !ok {
		return ServiceSnapshot{Service: service, Level: LevelUnknown}, false
	}

	snap := ServiceSnapshot{
		Service:      service,
		Level:        s.last.Level,
		LatencyMs:    s.last.LatencyMs,
		Incidents24h: t.pruneIncidents(s, now),
		Errors:       s.errors,
		Checks:       s.checks,
		LastCheck:    s.last.CheckedAt,
	}
	if snap.Level == "" {
		snap.Level = LevelUnknown
	}

	cutoff := now.Add(-t.window)
	var total, up int
	for _, smp := range s.samples.Items() {
		if smp.at.After(cutoff) {
			total++
			if smp.up {
				up++
			}
		}
	}
	if total > 0 {
		snap.Availability24h = float64(up) * 100 / float64(total)
	}

	if res := s.last.Resources; res != nil {
		snap.MemoryMB = res.MemoryMB
		snap.CPUPercent = res.CPUPercent
	}
	switch {
	case s.last.Resources != nil && s.last.Resources.UptimeSeconds != nil && s.last.Healthy():
		snap.UptimeSeconds = *s.last.Resources.UptimeSeconds
	case !s.onlineSince.IsZero():
		snap.UptimeSeconds = now.Sub(s.onlineSince).Seconds()
	}

	return snap, true
}

// Reset forgets everything recorded for service.
func (t *Tracker) Reset(service string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.services, service)
}
