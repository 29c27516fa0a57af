// Package events is the typed topic connecting producers (poller, circuit
// machine, orchestrator) with independent consumers (alert dispatcher, metrics,
// live streams, the NATS bridge). Every subscriber has its own bounded queue;
// a full queue drops the event for that subscriber only and counts the drop.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the producer of an event.
type Kind string

const (
	// KindHealth is a probe level transition (online, degraded, offline).
	KindHealth Kind = "health"
	// KindState is an operational state transition (up, down, restarting, cooldown, circuit_open).
	KindState Kind = "state"
	// KindAction is the outcome of an orchestrator action.
	KindAction Kind = "action"
)

// Event is published on the bus. From/To carry levels for KindHealth and
// operational states for KindState.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	Service   string    `json:"service"`
	Name      string    `json:"name,omitempty"`
	Critical  bool      `json:"critical"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	Action    string    `json:"action,omitempty"`
	Success   bool      `json:"success,omitempty"`
	Output    string    `json:"output,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ev Event)
}

// DefaultBuffer is the per-subscriber queue size.
const DefaultBuffer = 256

// Bus fans events out to subscribers in publish order.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
	onDrop func(subscriber string, ev Event)
}

// NewBus creates an empty bus. onDrop, when non-nil, is called for every event a
// subscriber could not accept.
func NewBus(onDrop func(subscriber string, ev Event)) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		onDrop: onDrop,
	}
}

// Publish stamps ev with a sequence number and delivers it without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	for sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(sub.name, ev)
			}
		}
	}
}

// Subscribe registers a consumer. With no kinds it receives every event.
func (b *Bus) Subscribe(name string, buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		bus:  b,
		name: name,
		ch:   make(chan Event, buffer),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Subscription is one consumer's queue.
type Subscription struct {
	bus     *Bus
	name    string
	kinds   map[Kind]bool
	ch      chan Event
	dropped atomic.Uint64
}

// C returns the event channel. It is closed when the subscription or bus closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Name returns the subscriber name.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events this subscriber missed because its queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.bus.remove(s) }

func (s *Subscription) wants(k Kind) bool {
	return s.kinds == nil || s.kinds[k]
}
