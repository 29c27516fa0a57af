package metric

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semgate/health"
	"github.com/c360/semgate/pkg/buffer"
	"github.com/c360/semgate/pkg/clock"
)

// DefaultWindow is the number of response-time samples kept for the rolling average.
const DefaultWindow = 1000

// HealthSource provides the per-service health map for snapshots.
type HealthSource interface {
	All() map[string]health.Record
}

// GatewaySnapshot is the JSON body of GET /metrics.
type GatewaySnapshot struct {
	TotalRequests     int64                    `json:"total_requests"`
	ActiveConnections int64                    `json:"active_connections"`
	AvgResponseMs     float64                  `json:"avg_response_ms"`
	Samples           int                      `json:"samples"`
	Services          map[string]health.Record `json:"services"`
	UptimeSeconds     float64                  `json:"uptime_seconds"`
	StartedAt         time.Time                `json:"started_at"`
}

// Collector aggregates request counters and a bounded window of response times.
type Collector struct {
	total   atomic.Int64
	active  atomic.Int64
	samples *buffer.Ring[float64]

	mu      sync.Mutex
	started time.Time

	source  HealthSource
	metrics *Metrics
	clock   clock.Clock
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithHealthSource attaches the cache whose records appear in snapshots.
func WithHealthSource(src HealthSource) CollectorOption {
	return func(c *Collector) { c.source = src }
}

// WithPrometheus mirrors counters into m.
func WithPrometheus(m *Metrics) CollectorOption {
	return func(c *Collector) { c.metrics = m }
}

// WithClock injects the time source used for uptime.
func WithClock(clk clock.Clock) CollectorOption {
	return func(c *Collector) { c.clock = clk }
}

// NewCollector creates a collector with a window of size samples.
func NewCollector(size int, opts ...CollectorOption) *Collector {
	if size <= 0 {
		size = DefaultWindow
	}
	c := &Collector{
		samples: buffer.NewRing[float64](size),
		clock:   clock.Real(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.clock.Now()
	return c
}

// RecordRequestStart counts a new request and raises the active gauge.
func (c *Collector) RecordRequestStart() {
	c.total.Add(1)
	c.metrics.SetActive(c.active.Add(1))
}

// RecordRequestEnd lowers the active gauge and stores the response time.
// Callers must pair it with exactly one RecordRequestStart; Track does that.
func (c *Collector) RecordRequestEnd(durationMs float64) {
	n := c.active.Add(-1)
	if n < 0 {
		c.active.CompareAndSwap(n, 0)
		n = 0
	}
	c.metrics.SetActive(n)
	if durationMs < 0 {
		durationMs = 0
	}
	c.samples.Push(durationMs)
}

// Track starts a request and returns the function that ends it. The returned
// function is safe to call more than once; only the first call counts.
//
//	done := c.Track()
//	defer func() { done(elapsedMs) }()
func (c *Collector) Track() func(durationMs float64) {
	c.RecordRequestStart()
	var once sync.Once
	return func(durationMs float64) {
		once.Do(func() { c.RecordRequestEnd(durationMs) })
	}
}

// Average returns the mean of the retained samples, or 0 without samples.
func (c *Collector) Average() float64 {
	items := c.samples.Items()
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, v := range items {
		sum += v
	}
	return sum / float64(len(items))
}

// Snapshot returns the current gateway figures.
func (c *Collector) Snapshot() GatewaySnapshot {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	now := c.clock.Now()
	snap := GatewaySnapshot{
		TotalRequests:     c.total.Load(),
		ActiveConnections: c.active.Load(),
		AvgResponseMs:     c.Average(),
		Samples:           c.samples.Len(),
		Services:          map[string]health.Record{},
		UptimeSeconds:     now.Sub(started).Seconds(),
		StartedAt:         started,
	}
	if c.source != nil {
		snap.Services = c.source.All()
	}
	return snap
}

// Reset clears request counters and samples. The active gauge is kept since
// in-flight requests will still end. Uptime restarts from now.
func (c *Collector) Reset() {
	c.total.Store(0)
	c.samples.Clear()
	c.mu.Lock()
	c.started = c.clock.Now()
	c.mu.Unlock()
}
