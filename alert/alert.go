// Package alert turns health, state and action events into operator alerts,
// emitting at most one alert per service per cooldown window.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/events"
	"github.com/c360/semgate/metric"
	"github.com/c360/semgate/pkg/buffer"
	"github.com/c360/semgate/pkg/clock"
)

// Priority of an alert.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Alert is what a Sink delivers. Urgent alerts must not be muted by the sink.
type Alert struct {
	Service   string      `json:"service"`
	Name      string      `json:"name"`
	Kind      events.Kind `json:"kind"`
	Priority  Priority    `json:"priority"`
	Urgent    bool        `json:"urgent"`
	Critical  bool        `json:"critical"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Action    string      `json:"action,omitempty"`
	LatencyMs int64       `json:"latency_ms,omitempty"`
	Error     string      `json:"error,omitempty"`
	Title     string      `json:"title"`
	Message   string      `json:"message"`
	Time      time.Time   `json:"time"`
}

// Record is one entry of the alert history.
type Record struct {
	Alert
	Delivered   bool   `json:"delivered"`
	Suppressed  bool   `json:"suppressed"`
	DeliveryErr string `json:"delivery_error,omitempty"`
}

// Sink delivers alerts.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Defaults.
const (
	DefaultCooldown = 5 * time.Minute
	DefaultHistory  = 100
)

// Dispatcher applies the cooldown and priority policy and calls the sink.
// Sink failures are logged and never returned to the caller.
type Dispatcher struct {
	sink     Sink
	cooldown time.Duration
	clock    clock.Clock
	metrics  *metric.Metrics
	logger   *slog.Logger
	history  *buffer.Ring[Record]

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCooldown sets the per-service suppression window.
func WithCooldown(d time.Duration) Option {
	return func(x *Dispatcher) { x.cooldown = d }
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(x *Dispatcher) { x.clock = c }
}

// WithMetrics counts alert outcomes.
func WithMetrics(m *metric.Metrics) Option {
	return func(x *Dispatcher) { x.metrics = m }
}

// WithHistory sets how many recent alerts are kept.
func WithHistory(n int) Option {
	return func(x *Dispatcher) { x.history = buffer.NewRing[Record](n) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Dispatcher) { x.logger = l }
}

// NewDispatcher creates a dispatcher delivering through sink.
func NewDispatcher(sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:     sink,
		cooldown: DefaultCooldown,
		clock:    clock.Real(),
		logger:   slog.Default(),
		history:  buffer.NewRing[Record](DefaultHistory),
		lastSent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "alert", "sink", sink.Name())
	return d
}

// Run handles events from sub until ctx is done or the subscription closes.
func (d *Dispatcher) Run(ctx context.Context, sub *events.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			d.Handle(ctx, ev)
		}
	}
}

// Handle processes one event. It returns the history record and false when
// the event is not alert-worthy.
func (d *Dispatcher) Handle(ctx context.Context, ev events.Event) (Record, bool) {
	a, ok := Classify(ev)
	if !ok {
		return Record{}, false
	}
	if a.Time.IsZero() {
		a.Time = d.clock.Now()
	}

	rec := Record{Alert: a}
	slot, ok := d.claim(a.Service)
	if !ok {
		rec.Suppressed = true
		d.metrics.RecordAlert(a.Service, string(a.Priority), "suppressed")
		d.logger.Debug("alert suppressed by cooldown", "service", a.Service, "title", a.Title)
		d.history.Push(rec)
		return rec, true
	}

	if err := d.sink.Send(ctx, a); err != nil {
		derr := &errors.AlertDeliveryError{Sink: d.sink.Name(), Service: a.Service, Err: err}
		rec.DeliveryErr = derr.Error()
		d.metrics.RecordAlert(a.Service, string(a.Priority), "failed")
		d.logger.Error("alert delivery failed", "service", a.Service, "priority", a.Priority, "error", derr)
		if a.Urgent {
			d.release(slot)
		}
	} else {
		rec.Delivered = true
		d.metrics.RecordAlert(a.Service, string(a.Priority), "sent")
	}
	d.history.Push(rec)
	return rec, true
}

// claimed is a reserved cooldown slot and the one it replaced.
type claimed struct {
	service string
	at      time.Time
	prev    time.Time
	hadPrev bool
}

// claim reserves the cooldown slot of service. The slot stays claimed when
// delivery of a non-urgent alert fails.
func (d *Dispatcher) claim(service string) (claimed, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	last, had := d.lastSent[service]
	if had && now.Sub(last) < d.cooldown {
		return claimed{}, false
	}
	d.lastSent[service] = now
	return claimed{service: service, at: now, prev: last, hadPrev: had}, true
}

// release gives back a slot so the next alert for the service is delivered.
// A slot claimed again in the meantime is left alone.
func (d *Dispatcher) release(c claimed) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cur, ok := d.lastSent[c.service]; !ok || !cur.Equal(c.at) {
		return
	}
	if c.hadPrev {
		d.lastSent[c.service] = c.prev
		return
	}
	delete(d.lastSent, c.service)
}

// History returns up to n recent alerts, newest first. n <= 0 returns all.
func (d *Dispatcher) History(n int) []Record {
	if n <= 0 {
		n = d.history.Cap()
	}
	return d.history.Latest(n)
}

// Classify decides whether ev deserves an alert and at which priority.
// A critical service going offline or tripping its breaker is high priority;
// other offline, degraded and failed-action events are medium; recoveries and
// informational events are low.
func Classify(ev events.Event) (Alert, bool) {
	a := Alert{
		Service:   ev.Service,
		Name:      ev.Name,
		Kind:      ev.Kind,
		Critical:  ev.Critical,
		From:      ev.From,
		To:        ev.To,
		Action:    ev.Action,
		LatencyMs: ev.LatencyMs,
		Error:     ev.Error,
		Time:      ev.Time,
	}
	if a.Name == "" {
		a.Name = a.Service
	}

	switch ev.Kind {
	case events.KindHealth:
		switch ev.To {
		case "offline":
			a.Priority = escalate(ev.Critical)
			a.Title = fmt.Sprintf("%s is offline", a.Name)
		case "degraded":
			a.Priority = PriorityMedium
			a.Title = fmt.Sprintf("%s is degraded", a.Name)
		default:
			return Alert{}, false
		}
	case events.KindState:
		switch ev.To {
		case "circuit_open":
			a.Priority = escalate(ev.Critical)
			a.Title = fmt.Sprintf("%s circuit opened", a.Name)
		case "up":
			a.Priority = PriorityLow
			a.Title = fmt.Sprintf("%s recovered", a.Name)
		default:
			return Alert{}, false
		}
	case events.KindAction:
		if ev.Success {
			a.Priority = PriorityLow
			a.Title = fmt.Sprintf("%s %s succeeded", a.Name, ev.Action)
		} else {
			a.Priority = PriorityMedium
			a.Title = fmt.Sprintf("%s %s failed", a.Name, ev.Action)
		}
	default:
		return Alert{}, false
	}

	a.Urgent = a.Priority == PriorityHigh
	a.Message = format(a)
	return a, true
}

func escalate(critical bool) Priority {
	if critical {
		return PriorityHigh
	}
	return PriorityMedium
}

func format(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(string(a.Priority)), a.Title)
	fmt.Fprintf(&b, "Service: %s (%s)\n", a.Name, a.Service)
	if a.From != "" || a.To != "" {
		fmt.Fprintf(&b, "Status: %s -> %s\n", orUnknown(a.From), orUnknown(a.To))
	}
	if a.Action != "" {
		fmt.Fprintf(&b, "Action: %s\n", a.Action)
	}
	if a.LatencyMs > 0 {
		fmt.Fprintf(&b, "Latency: %dms\n", a.LatencyMs)
	}
	fmt.Fprintf(&b, "Critical: %t\n", a.Critical)
	if a.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", a.Error)
	}
	fmt.Fprintf(&b, "Time: %s", a.Time.UTC().Format(time.RFC3339))
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
