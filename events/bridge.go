package events

import (
	"context"
	"encoding/json"
	"log/slog"
)

// DefaultSubjectPrefix is the subject root used by Bridge.
const DefaultSubjectPrefix = "semgate.events"

// Transport publishes raw payloads on a subject. The NATS client satisfies it.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Bridge forwards bus events to an external transport on
// "<prefix>.<kind>.<service>".
type Bridge struct {
	transport Transport
	prefix    string
	logger    *slog.Logger
}

// NewBridge creates a bridge. An empty prefix selects DefaultSubjectPrefix.
func NewBridge(t Transport, prefix string, logger *slog.Logger) *Bridge {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{transport: t, prefix: prefix, logger: logger.With("component", "event-bridge")}
}

// Subject returns the subject ev is published on.
func (b *Bridge) Subject(ev Event) string {
	return b.prefix + "." + string(ev.Kind) + "." + ev.Service
}

// Run forwards events from sub until ctx is done or sub closes. Publish
// failures are logged and the event is dropped.
func (b *Bridge) Run(ctx context.Context, sub *Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				b.logger.Error("marshal event", "service", ev.Service, "error", err)
				continue
			}
			if err := b.transport.Publish(ctx, b.Subject(ev), data); err != nil {
				b.logger.Warn("forward event", "service", ev.Service, "kind", ev.Kind, "error", err)
			}
		}
	}
}
