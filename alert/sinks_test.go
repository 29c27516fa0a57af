package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestWebhookSink_Delivers(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, time.Second, WithWebhookRetry(fastRetry()))
	require.NoError(t, err)

	a := Alert{Service: "auth", Priority: PriorityHigh, Urgent: true, Title: "auth is offline"}
	require.NoError(t, sink.Send(context.Background(), a))
	assert.Equal(t, "auth", got.Service)
	assert.True(t, got.Urgent)
}

func TestWebhookSink_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, time.Second, WithWebhookRetry(fastRetry()))
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), Alert{Service: "auth"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookSink_BreakerStopsHammering(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, time.Second,
		WithWebhookRetry(retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		err := sink.Send(context.Background(), Alert{Service: "auth"})
		require.Error(t, err)
	}
	assert.Equal(t, int32(5), calls.Load())
	assert.ErrorIs(t, sink.Send(context.Background(), Alert{Service: "auth"}), gobreaker.ErrOpenState)
}

func TestWebhookSink_UrgentBypassesOpenBreaker(t *testing.T) {
	var (
		calls   atomic.Int32
		healthy atomic.Bool
		got     Alert
		mu      sync.Mutex
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, time.Second,
		WithWebhookRetry(retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.Error(t, sink.Send(context.Background(), Alert{Service: "dash", Priority: PriorityMedium}))
	}
	require.ErrorIs(t, sink.Send(context.Background(), Alert{Service: "dash"}), gobreaker.ErrOpenState)

	healthy.Store(true)
	before := calls.Load()
	urgent := Alert{Service: "auth", Priority: PriorityHigh, Urgent: true, Title: "auth is offline"}
	require.NoError(t, sink.Send(context.Background(), urgent))
	assert.Equal(t, before+1, calls.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "auth", got.Service)
	assert.True(t, got.Urgent)

	// non-urgent traffic still waits for the breaker
	assert.ErrorIs(t, sink.Send(context.Background(), Alert{Service: "dash"}), gobreaker.ErrOpenState)
}

func TestNewWebhookSink_RequiresURL(t *testing.T) {
	_, err := NewWebhookSink("", time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

type memPublisher struct {
	mu      sync.Mutex
	subject string
	data    []byte
}

func (p *memPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subject, p.data = subject, data
	return nil
}

func TestNATSSink(t *testing.T) {
	pub := &memPublisher{}
	sink, err := NewNATSSink(pub, "semgate.alerts")
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), Alert{Service: "auth", Priority: PriorityMedium}))
	assert.Equal(t, "semgate.alerts", pub.subject)

	var a Alert
	require.NoError(t, json.Unmarshal(pub.data, &a))
	assert.Equal(t, PriorityMedium, a.Priority)

	_, err = NewNATSSink(pub, "")
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(nil)
	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.Send(context.Background(), Alert{Service: "auth", Priority: PriorityHigh}))
}
