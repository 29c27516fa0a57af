// Package poller probes every registered service on a fixed interval, writes
// the results into the health cache and reports level transitions.
package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semgate/circuit"
	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/events"
	"github.com/c360/semgate/health"
	"github.com/c360/semgate/metric"
	"github.com/c360/semgate/pkg/clock"
	"github.com/c360/semgate/pkg/retry"
	"github.com/c360/semgate/registry"
)

// maxBody bounds how much of a health payload is read.
const maxBody = 64 << 10

// Config holds polling tunables.
type Config struct {
	Interval          time.Duration
	OnlineThreshold   time.Duration
	DegradedThreshold time.Duration
}

// DefaultConfig returns the stock polling tunables.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		OnlineThreshold:   3 * time.Second,
		DegradedThreshold: 10 * time.Second,
	}
}

// Poller runs health probes. Probes of one cycle run concurrently and never
// wait on each other; each is bounded by its service timeout.
type Poller struct {
	cfg      Config
	registry *registry.Registry
	cache    *health.Cache
	tracker  *health.Tracker
	breaker  *circuit.Machine
	events   events.Publisher
	metrics  *metric.Metrics
	client   *http.Client
	clock    clock.Clock
	logger   *slog.Logger

	cycles atomic.Int64
}

// Option configures a Poller.
type Option func(*Poller)

// WithTracker records every outcome for per-service snapshots.
func WithTracker(t *health.Tracker) Option {
	return func(p *Poller) { p.tracker = t }
}

// WithBreaker gates probes through the circuit machine and reports outcomes to it.
func WithBreaker(m *circuit.Machine) Option {
	return func(p *Poller) { p.breaker = m }
}

// WithPublisher emits level transitions.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Poller) { p.events = pub }
}

// WithMetrics records probe metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithHTTPClient replaces the probe client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) { p.client = c }
}

// WithClock injects the time source and ticker.
func WithClock(c clock.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// New creates a poller over reg writing into cache.
func New(cfg Config, reg *registry.Registry, cache *health.Cache, opts ...Option) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.OnlineThreshold <= 0 {
		cfg.OnlineThreshold = def.OnlineThreshold
	}
	if cfg.DegradedThreshold < cfg.OnlineThreshold {
		cfg.DegradedThreshold = def.DegradedThreshold
	}

	p := &Poller{
		cfg:      cfg,
		registry: reg,
		cache:    cache,
		client:   &http.Client{},
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "poller")
	return p
}

// Cycles returns the number of completed poll cycles.
func (p *Poller) Cycles() int64 {
	return p.cycles.Load()
}

// Run polls once immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("health poller started", "services", p.registry.Len(), "interval", p.cfg.Interval)

	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.PollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("health poller stopped")
			return nil
		case <-ticker.C():
			p.PollAll(ctx)
		}
	}
}

// PollAll probes every service concurrently and returns the records in
// registry order once every probe has settled.
func (p *Poller) PollAll(ctx context.Context) []health.Record {
	services := p.registry.List()
	records := make([]health.Record, len(services))

	var wg sync.WaitGroup
	for i, d := range services {
		wg.Add(1)
		go func(i int, d registry.Descriptor) {
			defer wg.Done()
			records[i] = p.poll(ctx, d)
		}(i, d)
	}
	wg.Wait()

	p.cycles.Add(1)
	return records
}

func (p *Poller) poll(ctx context.Context, d registry.Descriptor) health.Record {
	var permit *circuit.Permit
	if p.breaker != nil {
		var err error
		permit, err = p.breaker.AcquireProbe(d.Key)
		if err != nil {
			return p.skipped(d, err)
		}
	}

	rec := p.Probe(ctx, d)
	if ctx.Err() != nil {
		// abandoned on shutdown: the outcome says nothing about the service
		if permit != nil {
			permit.Release()
		}
		if prev, ok := p.cache.Get(d.Key); ok {
			return prev
		}
		return rec
	}
	p.store(d, rec)
	if permit != nil {
		permit.Done(ctx, rec)
	}
	return rec
}

// skipped keeps the last record of a service whose probe was refused by the
// breaker, creating one when none exists yet.
func (p *Poller) skipped(d registry.Descriptor, reason error) health.Record {
	if rec, ok := p.cache.Get(d.Key); ok && rec.Status != health.StateUnknown {
		return rec
	}
	p.logger.Debug("probe skipped", "service", d.Key, "reason", reason)
	rec := health.Record{
		Service:   d.Key,
		Status:    health.StateUnhealthy,
		Level:     health.LevelOffline,
		Error:     reason.Error(),
		CheckedAt: p.clock.Now(),
	}
	p.store(d, rec)
	return rec
}

// Probe issues one health check for d, retrying transport failures within the
// service timeout.
func (p *Poller) Probe(ctx context.Context, d registry.Descriptor) health.Record {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	start := p.clock.Now()
	res, err := retry.DoWithResult(ctx, retry.Probe(d.Retries), func() (probeResponse, error) {
		return p.fetch(ctx, d)
	})
	latency := p.clock.Now().Sub(start)

	if err == nil && (res.status < 200 || res.status > 299) {
		err = &errors.ProbeError{Service: d.Key, StatusCode: res.status}
	} else if err != nil {
		err = &errors.ProbeError{Service: d.Key, Err: err}
	}

	rec := Classify(d.Key, latency, err, p.cfg)
	rec.CheckedAt = p.clock.Now()
	if err == nil {
		rec.Resources = ParseResources(res.body)
	}
	p.metrics.RecordProbe(d.Key, string(rec.Level), latency, rec.Healthy())
	return rec
}

type probeResponse struct {
	status int
	body   []byte
}

func (p *Poller) fetch(ctx context.Context, d registry.Descriptor) (probeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.HealthURL(), nil)
	if err != nil {
		return probeResponse{}, retry.NonRetryable(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "semgate-health")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return probeResponse{}, retry.NonRetryable(err)
		}
		return probeResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	return probeResponse{status: resp.StatusCode, body: body}, nil
}

// Classify grades a probe outcome: success under the online threshold is
// online, success under the degraded threshold is degraded, everything else
// is offline.
func Classify(service string, latency time.Duration, err error, cfg Config) health.Record {
	rec := health.Record{
		Service:   service,
		Latency:   latency,
		LatencyMs: latency.Milliseconds(),
	}
	switch {
	case err != nil:
		rec.Status = health.StateUnhealthy
		rec.Level = health.LevelOffline
		rec.Error = err.Error()
	case latency < cfg.OnlineThreshold:
		rec.Status = health.StateHealthy
		rec.Level = health.LevelOnline
	case latency < cfg.DegradedThreshold:
		rec.Status = health.StateHealthy
		rec.Level = health.LevelDegraded
	default:
		rec.Status = health.StateUnhealthy
		rec.Level = health.LevelOffline
		rec.Error = fmt.Sprintf("probe %s: slow response (%s)", service, latency.Round(time.Millisecond))
	}
	return rec
}

// store writes rec into the cache and reports a level change against the
// previous record.
func (p *Poller) store(d registry.Descriptor, rec health.Record) {
	prev, existed := p.cache.Swap(rec)
	if p.tracker != nil {
		p.tracker.Observe(rec)
	}

	from := health.LevelUnknown
	if existed && prev.Level != "" {
		from = prev.Level
	}
	if from == rec.Level {
		return
	}
	if rec.Level == health.LevelOffline && p.tracker != nil {
		p.tracker.RecordIncident(d.Key, rec.CheckedAt)
	}
	// first sighting of a working service is not news
	if from == health.LevelUnknown && rec.Level == health.LevelOnline {
		return
	}

	p.logger.Info("service level changed", "service", d.Key, "from", from, "to", rec.Level,
		"latency_ms", rec.LatencyMs, "error", rec.Error)
	if p.events == nil {
		return
	}
	p.events.Publish(events.Event{
		Kind:      events.KindHealth,
		Service:   d.Key,
		Name:      d.Name,
		Critical:  d.Critical,
		From:      string(from),
		To:        string(rec.Level),
		LatencyMs: rec.LatencyMs,
		Error:     rec.Error,
		Time:      rec.CheckedAt,
	})
}
