package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	fail     bool
}

func (r *recordingTransport) Publish(_ context.Context, subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("not connected")
	}
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects)
}

func TestBridge_Forwards(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	tr := &recordingTransport{}
	br := NewBridge(tr, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- br.Run(ctx, bus.Subscribe("bridge", 8)) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)

	bus.Publish(Event{Kind: KindHealth, Service: "auth", From: "online", To: "offline"})
	require.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, 5*time.Millisecond)

	tr.mu.Lock()
	assert.Equal(t, "semgate.events.health.auth", tr.subjects[0])
	var ev Event
	require.NoError(t, json.Unmarshal(tr.payloads[0], &ev))
	tr.mu.Unlock()
	assert.Equal(t, "offline", ev.To)

	cancel()
	assert.NoError(t, <-done)
}

func TestBridge_PublishFailureDoesNotStop(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	tr := &recordingTransport{fail: true}
	br := NewBridge(tr, "gw", nil)
	sub := bus.Subscribe("bridge", 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = br.Run(ctx, sub) }()

	bus.Publish(Event{Kind: KindState, Service: "auth"})
	time.Sleep(20 * time.Millisecond)

	tr.mu.Lock()
	tr.fail = false
	tr.mu.Unlock()
	bus.Publish(Event{Kind: KindState, Service: "auth"})
	require.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "gw.state.auth", br.Subject(Event{Kind: KindState, Service: "auth"}))
}
