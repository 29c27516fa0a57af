package metric

import (
	"context"

	"github.com/c360/semgate/events"
)

// Consume mirrors bus events into the prometheus gauges until ctx is done or
// the subscription closes.
func (m *Metrics) Consume(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			m.observe(ev)
		}
	}
}

func (m *Metrics) observe(ev events.Event) {
	if m == nil {
		return
	}
	switch ev.Kind {
	case events.KindState:
		m.RecordState(ev.Service, ev.To)
	case events.KindHealth:
		if v, ok := levelValues[ev.To]; ok {
			m.UpstreamLevel.WithLabelValues(ev.Service).Set(v)
		}
	case events.KindAction:
		outcome := "failure"
		if ev.Success {
			outcome = "success"
		}
		m.RecordAction(ev.Service, ev.Action, outcome)
	}
}
