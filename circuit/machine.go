package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/events"
	"github.com/c360/semgate/health"
	"github.com/c360/semgate/pkg/clock"
	"github.com/c360/semgate/pkg/retry"
	"github.com/c360/semgate/registry"
)

// Config holds breaker tunables.
type Config struct {
	Threshold    int           // consecutive failures that open the breaker
	BaseBackoff  time.Duration // backoff at the threshold
	MaxBackoff   time.Duration
	Warmup       int // consecutive cooldown successes required to close
	RestartGrace int // failed probes tolerated after a start or restart
}

// DefaultConfig returns the stock breaker tunables.
func DefaultConfig() Config {
	return Config{
		Threshold:    5,
		BaseBackoff:  30 * time.Second,
		MaxBackoff:   10 * time.Minute,
		Warmup:       2,
		RestartGrace: 3,
	}
}

// Outcome is how a manual action ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

// Machine owns the breaker state of every service. Read-modify-write of one
// service is serialized by that service's mutex; services never block each other.
type Machine struct {
	cfg      Config
	store    Store
	clock    clock.Clock
	events   events.Publisher
	registry *registry.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu        sync.Mutex
	st        State
	rec       health.Record
	probing   bool
	action    string // in flight
	marker    *marker
	published string
}

// marker remembers a manual action until a poll reconciles it.
type marker struct {
	action   string
	timedOut bool
	grace    int
}

func (e *entry) activity() Activity {
	if e.action != "" {
		return Activity{Action: e.action, InFlight: true}
	}
	if e.marker != nil {
		return Activity{Action: e.marker.action, TimedOut: e.marker.timedOut}
	}
	return Activity{}
}

// Option configures a Machine.
type Option func(*Machine)

// WithStore persists state through s.
func WithStore(s Store) Option {
	return func(m *Machine) { m.store = s }
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithPublisher emits state transitions to p.
func WithPublisher(p events.Publisher) Option {
	return func(m *Machine) { m.events = p }
}

// WithRegistry annotates events with display names and criticality and
// restricts loaded state to registered services.
func WithRegistry(r *registry.Registry) Option {
	return func(m *Machine) { m.registry = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates a machine. Without WithStore state lives in memory only.
func NewMachine(cfg Config, opts ...Option) *Machine {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.Warmup <= 0 {
		cfg.Warmup = def.Warmup
	}
	if cfg.RestartGrace < 0 {
		cfg.RestartGrace = 0
	}

	m := &Machine{
		cfg:     cfg,
		store:   NewMemoryStore(),
		clock:   clock.Real(),
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "circuit")
	return m
}

// Config returns the effective tunables.
func (m *Machine) Config() Config {
	return m.cfg
}

// Load restores persisted state. It is called once at startup.
func (m *Machine) Load(ctx context.Context) error {
	states, err := m.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "Machine", "Load", "load circuit state")
	}

	loaded := 0
	for key, st := range states {
		if m.registry != nil && !m.registry.Has(key) {
			m.logger.Warn("ignoring state for unregistered service", "service", key)
			continue
		}
		st.Service = key
		if st.Open && st.BackoffUntil.IsZero() {
			st.BackoffUntil = m.clock.Now()
		}
		e := m.entry(key)
		e.mu.Lock()
		e.st = st
		e.mu.Unlock()
		loaded++
	}
	m.logger.Info("circuit state loaded", "services", loaded)
	return nil
}

func (m *Machine) entry(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{st: State{Service: key}, rec: health.Unknown(key)}
		m.entries[key] = e
	}
	return e
}

// Backoff returns the backoff for a breaker with the given consecutive failures:
// BaseBackoff doubled per failure past the threshold, capped at MaxBackoff.
func (m *Machine) Backoff(failures int) time.Duration {
	cfg := retry.Config{
		MaxAttempts:  1,
		InitialDelay: m.cfg.BaseBackoff,
		MaxDelay:     m.cfg.MaxBackoff,
		Multiplier:   2,
	}
	return retry.Backoff(cfg, failures-m.cfg.Threshold)
}

// Permit allows one probe. Done must be called with its outcome; Release
// returns a permit whose probe never ran.
type Permit struct {
	m        *Machine
	key      string
	cooldown bool
	once     sync.Once
}

// Cooldown reports whether this is the single recovery probe of a cooldown.
func (p *Permit) Cooldown() bool {
	return p.cooldown
}

// Done records the probe result.
func (p *Permit) Done(ctx context.Context, rec health.Record) {
	p.once.Do(func() { p.m.observe(ctx, p.key, rec, p.cooldown) })
}

// Release gives the permit back without an outcome.
func (p *Permit) Release() {
	p.once.Do(func() {
		if !p.cooldown {
			return
		}
		e := p.m.entry(p.key)
		e.mu.Lock()
		e.probing = false
		e.mu.Unlock()
	})
}

// AcquireProbe asks whether key may be probed now. While the backoff runs it
// returns a CircuitOpenRejection; in cooldown exactly one permit is handed out
// and concurrent callers get ErrProbeInFlight.
func (m *Machine) AcquireProbe(key string) (*Permit, error) {
	e := m.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := m.clock.Now()
	m.sync(key, e, now)

	if !e.st.Open {
		return &Permit{m: m, key: key}, nil
	}
	if now.Before(e.st.BackoffUntil) {
		return nil, &errors.CircuitOpenRejection{Service: key, Remaining: e.st.BackoffUntil.Sub(now)}
	}
	if e.probing {
		return nil, fmt.Errorf("%s: %w", key, errors.ErrProbeInFlight)
	}
	e.probing = true
	return &Permit{m: m, key: key, cooldown: true}, nil
}

// Allow reports whether traffic may be forwarded to key. It is false while the
// breaker is open or cooling down.
func (m *Machine) Allow(key string) error {
	e := m.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.st.Open {
		return nil
	}
	remaining := e.st.BackoffUntil.Sub(m.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return &errors.CircuitOpenRejection{Service: key, Remaining: remaining}
}

func (m *Machine) observe(ctx context.Context, key string, rec health.Record, cooldown bool) {
	e := m.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := m.clock.Now()
	e.rec = rec
	ok := rec.Healthy()
	changed := false

	switch {
	case cooldown && ok:
		e.probing = false
		e.st.WarmupPassed++
		if e.st.WarmupPassed >= m.cfg.Warmup {
			e.st = State{Service: key}
			e.marker = nil
		}
		changed = true

	case cooldown:
		e.probing = false
		e.st.Failures++
		e.st.LastFailure = now
		e.st.WarmupPassed = 0
		e.st.BackoffUntil = now.Add(m.Backoff(e.st.Failures))
		changed = true

	case ok:
		e.marker = nil
		if e.st.Failures > 0 {
			e.st.Failures = 0
			changed = true
		}

	case e.action != "":
		// the service is expected to be unavailable while an action runs

	case e.marker != nil && (e.marker.timedOut || (e.marker.action != ActionStop && e.marker.grace > 0)):
		if !e.marker.timedOut {
			e.marker.grace--
		}

	default:
		e.marker = nil
		e.st.Failures++
		e.st.LastFailure = now
		if !e.st.Open && e.st.Failures >= m.cfg.Threshold {
			e.st.Open = true
			e.st.WarmupPassed = 0
			e.st.BackoffUntil = now.Add(m.Backoff(e.st.Failures))
			m.logger.Warn("circuit opened", "service", key, "failures", e.st.Failures,
				"backoff", e.st.BackoffUntil.Sub(now))
		}
		changed = true
	}

	if changed {
		m.persist(ctx, e.st)
	}
	m.sync(key, e, now)
}

// BeginAction marks a manual action in flight. A second action on the same
// service is rejected until EndAction.
func (m *Machine) BeginAction(key, action string) error {
	if !ValidAction(action) {
		return errors.WrapInvalid(fmt.Errorf("%q: %w", action, errors.ErrInvalidAction),
			"Machine", "BeginAction", "validate action")
	}

	e := m.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.action != "" {
		return fmt.Errorf("%s %s: %w", e.action, key, errors.ErrActionInProgress)
	}
	e.action = action
	e.marker = &marker{action: action, grace: m.cfg.RestartGrace}
	m.sync(key, e, m.clock.Now())
	return nil
}

// EndAction records how the in-flight action ended. Success clears the failure
// counters; failure leaves them untouched; a timeout keeps the service in
// restarting until a probe passes.
func (m *Machine) EndAction(ctx context.Context, key string, outcome Outcome) {
	e := m.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.action = ""
	switch outcome {
	case OutcomeSuccess:
		e.st = State{Service: key}
		e.probing = false
		m.persist(ctx, e.st)
	case OutcomeTimeout:
		if e.marker != nil {
			e.marker.timedOut = true
		}
	default:
		e.marker = nil
	}
	m.sync(key, e, m.clock.Now())
}

// Reset clears the breaker of key. An action in flight is kept.
func (m *Machine) Reset(ctx context.Context, key string) error {
	e := m.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.st = State{Service: key}
	e.probing = false
	e.marker = nil
	if err := m.store.Delete(ctx, key); err != nil {
		return errors.WrapTransient(err, "Machine", "Reset", "delete circuit state")
	}
	m.sync(key, e, m.clock.Now())
	m.logger.Info("circuit reset", "service", key)
	return nil
}

// Status derives the current operational state of key.
func (m *Machine) Status(key string) OperationalState {
	e := m.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.sync(key, e, m.clock.Now())
}

// Snapshot returns a copy of the breaker record of key.
func (m *Machine) Snapshot(key string) State {
	e := m.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

func (m *Machine) persist(ctx context.Context, st State) {
	if err := m.store.Save(ctx, st); err != nil {
		m.logger.Error("persist circuit state", "service", st.Service, "error", err)
	}
}

// sync derives the state and publishes a transition when it differs from the
// last one published. Caller holds e.mu.
func (m *Machine) sync(key string, e *entry, now time.Time) OperationalState {
	op := Derive(e.rec, e.st, e.activity(), m.cfg.Warmup, now)
	op.Service = key

	// Nothing is known yet; the first real observation sets the baseline.
	if e.rec.Status == health.StateUnknown && !e.st.Open && e.activity().Action == "" {
		return op
	}
	if op.State == e.published {
		return op
	}
	prev := e.published
	e.published = op.State
	if prev == "" || m.events == nil {
		return op
	}

	ev := events.Event{
		Kind:      events.KindState,
		Service:   key,
		From:      prev,
		To:        op.State,
		LatencyMs: e.rec.LatencyMs,
		Error:     e.rec.Error,
		Action:    op.Action,
		Time:      now,
	}
	if m.registry != nil {
		if d, err := m.registry.Get(key); err == nil {
			ev.Name = d.Name
			ev.Critical = d.Critical
		}
	}
	m.logger.Info("state changed", "service", key, "from", prev, "to", op.State)
	m.events.Publish(ev)
	return op
}
