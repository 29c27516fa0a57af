package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semgate/circuit"
	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/events"
	"github.com/c360/semgate/health"
	"github.com/c360/semgate/pkg/clock"
	"github.com/c360/semgate/registry"
)

type upstream struct {
	srv    *httptest.Server
	status atomic.Int32
	hits   atomic.Int32
	delay  time.Duration
	body   string
}

func newUpstream(t *testing.T, status int) *upstream {
	t.Helper()
	u := &upstream{}
	u.status.Store(int32(status))
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		if u.delay > 0 {
			select {
			case <-time.After(u.delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(u.status.Load()))
		_, _ = w.Write([]byte(u.body))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func newRegistry(t *testing.T, descs ...registry.Descriptor) *registry.Registry {
	t.Helper()
	reg, err := registry.New(descs)
	require.NoError(t, err)
	return reg
}

func TestPollAll_ClassifiesEachService(t *testing.T) {
	ok := newUpstream(t, http.StatusOK)
	ok.body = `{"status":"ok","uptime":3600,"memory":{"rss":104857600},"cpu":12.5}`
	failing := newUpstream(t, http.StatusInternalServerError)
	gone := httptest.NewServer(http.NotFoundHandler())
	goneURL := gone.URL
	gone.Close()

	reg := newRegistry(t,
		registry.Descriptor{Key: "auth", BaseURL: ok.srv.URL, Critical: true},
		registry.Descriptor{Key: "billing", BaseURL: failing.srv.URL},
		registry.Descriptor{Key: "media", BaseURL: goneURL, Timeout: time.Second},
	)
	cache := health.NewCache()
	p := New(DefaultConfig(), reg, cache)

	records := p.PollAll(context.Background())
	require.Len(t, records, 3)

	assert.Equal(t, "auth", records[0].Service)
	assert.Equal(t, health.StateHealthy, records[0].Status)
	assert.Equal(t, health.LevelOnline, records[0].Level)
	require.NotNil(t, records[0].Resources)
	assert.Equal(t, 3600.0, *records[0].Resources.UptimeSeconds)
	assert.Equal(t, 100.0, *records[0].Resources.MemoryMB)
	assert.Equal(t, 12.5, *records[0].Resources.CPUPercent)

	assert.Equal(t, health.StateUnhealthy, records[1].Status)
	assert.Equal(t, health.LevelOffline, records[1].Level)
	assert.Contains(t, records[1].Error, "status 500")

	assert.Equal(t, health.StateUnhealthy, records[2].Status)
	assert.NotEmpty(t, records[2].Error)

	assert.Len(t, cache.All(), 3)
	assert.Equal(t, int64(1), p.Cycles())
}

func TestPollAll_HungServiceDoesNotDelayOthers(t *testing.T) {
	slow := newUpstream(t, http.StatusOK)
	slow.delay = 5 * time.Second
	fast := newUpstream(t, http.StatusOK)

	reg := newRegistry(t,
		registry.Descriptor{Key: "slow", BaseURL: slow.srv.URL, Timeout: 200 * time.Millisecond},
		registry.Descriptor{Key: "fast", BaseURL: fast.srv.URL},
	)
	p := New(DefaultConfig(), reg, health.NewCache())

	start := time.Now()
	records := p.PollAll(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, health.LevelOffline, records[0].Level)
	assert.Equal(t, health.LevelOnline, records[1].Level)
}

func TestPollAll_RetriesTransportFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
				}
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newRegistry(t, registry.Descriptor{Key: "flaky", BaseURL: srv.URL, Retries: 2})
	p := New(DefaultConfig(), reg, health.NewCache(),
		WithHTTPClient(&http.Client{Transport: &http.Transport{DisableKeepAlives: true}}))

	records := p.PollAll(context.Background())
	assert.Equal(t, health.StateHealthy, records[0].Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPollAll_PublishesTransitionsAndIncidents(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	reg := newRegistry(t, registry.Descriptor{Key: "auth", BaseURL: up.srv.URL, Critical: true})

	bus := events.NewBus(nil)
	defer bus.Close()
	sub := bus.Subscribe("test", 16, events.KindHealth)

	clk := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	tracker := health.NewTracker(24*time.Hour, 100)
	p := New(DefaultConfig(), reg, health.NewCache(),
		WithPublisher(bus), WithTracker(tracker), WithClock(clk))

	p.PollAll(context.Background())
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event for initial discovery: %+v", ev)
	default:
	}

	up.status.Store(http.StatusServiceUnavailable)
	p.PollAll(context.Background())
	p.PollAll(context.Background())

	ev := <-sub.C()
	assert.Equal(t, "online", ev.From)
	assert.Equal(t, "offline", ev.To)
	assert.True(t, ev.Critical)
	assert.Contains(t, ev.Error, "status 503")
	assert.Equal(t, 1, tracker.Incidents("auth", clk.Now()))

	up.status.Store(http.StatusOK)
	p.PollAll(context.Background())
	ev = <-sub.C()
	assert.Equal(t, "offline", ev.From)
	assert.Equal(t, "online", ev.To)
	assert.Equal(t, 1, tracker.Incidents("auth", clk.Now()))
}

func TestPollAll_BreakerGatesProbes(t *testing.T) {
	down := newUpstream(t, http.StatusBadGateway)
	reg := newRegistry(t, registry.Descriptor{Key: "auth", BaseURL: down.srv.URL, Critical: true})

	clk := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	machine := circuit.NewMachine(circuit.DefaultConfig(), circuit.WithClock(clk))
	cache := health.NewCache()
	p := New(DefaultConfig(), reg, cache, WithBreaker(machine), WithClock(clk))

	for i := 0; i < 5; i++ {
		p.PollAll(context.Background())
	}
	require.Equal(t, int32(5), down.hits.Load())
	op := machine.Status("auth")
	assert.Equal(t, circuit.StateCircuitOpen, op.State)
	assert.Greater(t, op.BackoffRemaining, int64(0))

	records := p.PollAll(context.Background())
	assert.Equal(t, int32(5), down.hits.Load(), "no probe while the backoff runs")
	assert.Equal(t, health.StateUnhealthy, records[0].Status)

	clk.Advance(31 * time.Second)
	down.status.Store(http.StatusOK)
	p.PollAll(context.Background())
	assert.Equal(t, int32(6), down.hits.Load())
	assert.Equal(t, circuit.StateCooldown, machine.Status("auth").State)

	p.PollAll(context.Background())
	assert.Equal(t, circuit.StateUp, machine.Status("auth").State)
}

func TestPollAll_CancelledProbeReleasesCooldownPermit(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	reg := newRegistry(t, registry.Descriptor{Key: "auth", BaseURL: up.srv.URL})
	clk := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := circuit.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), circuit.State{
		Service: "auth", Failures: 5, Open: true, BackoffUntil: clk.Now().Add(-time.Second),
	}))
	machine := circuit.NewMachine(circuit.DefaultConfig(), circuit.WithClock(clk), circuit.WithStore(store))
	require.NoError(t, machine.Load(context.Background()))

	cache := health.NewCache()
	p := New(DefaultConfig(), reg, cache, WithBreaker(machine), WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.PollAll(ctx)

	_, found := cache.Get("auth")
	assert.False(t, found, "an abandoned probe is not recorded")
	assert.Equal(t, 5, machine.Snapshot("auth").Failures)
	assert.Zero(t, machine.Snapshot("auth").WarmupPassed)

	// the single cooldown permit is available again
	permit, err := machine.AcquireProbe("auth")
	require.NoError(t, err)
	assert.True(t, permit.Cooldown())
	permit.Release()
}

func TestPoller_SkippedProbeCreatesRecord(t *testing.T) {
	reg := newRegistry(t, registry.Descriptor{Key: "auth", BaseURL: "http://127.0.0.1:1"})
	clk := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := circuit.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), circuit.State{
		Service: "auth", Failures: 5, Open: true, BackoffUntil: clk.Now().Add(time.Minute),
	}))
	machine := circuit.NewMachine(circuit.DefaultConfig(), circuit.WithClock(clk), circuit.WithStore(store))
	require.NoError(t, machine.Load(context.Background()))

	cache := health.NewCache()
	p := New(DefaultConfig(), reg, cache, WithBreaker(machine), WithClock(clk))
	p.PollAll(context.Background())

	rec, ok := cache.Get("auth")
	require.True(t, ok)
	assert.Equal(t, health.StateUnhealthy, rec.Status)
	assert.Contains(t, rec.Error, "circuit open")
}

func TestPoller_RunUsesTicker(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	reg := newRegistry(t, registry.Descriptor{Key: "auth", BaseURL: up.srv.URL})
	clk := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	p := New(Config{Interval: 30 * time.Second}, reg, health.NewCache(), WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Cycles() == 1 && clk.Tickers() == 1 },
		2*time.Second, 5*time.Millisecond)

	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return p.Cycles() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, clk.Tickers())
}

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()
	probeErr := &errors.ProbeError{Service: "x", StatusCode: 500}

	tests := []struct {
		name    string
		latency time.Duration
		err     error
		status  health.State
		level   health.Level
	}{
		{"fast", 120 * time.Millisecond, nil, health.StateHealthy, health.LevelOnline},
		{"at online threshold", 3 * time.Second, nil, health.StateHealthy, health.LevelDegraded},
		{"slow", 9 * time.Second, nil, health.StateHealthy, health.LevelDegraded},
		{"too slow", 10 * time.Second, nil, health.StateUnhealthy, health.LevelOffline},
		{"error", 10 * time.Millisecond, probeErr, health.StateUnhealthy, health.LevelOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Classify("x", tt.latency, tt.err, cfg)
			assert.Equal(t, tt.status, rec.Status)
			assert.Equal(t, tt.level, rec.Level)
			assert.Equal(t, tt.latency.Milliseconds(), rec.LatencyMs)
			if tt.status == health.StateUnhealthy {
				assert.NotEmpty(t, rec.Error)
			}
		})
	}
}

func TestParseResources(t *testing.T) {
	assert.Nil(t, ParseResources(nil))
	assert.Nil(t, ParseResources([]byte(`not json`)))
	assert.Nil(t, ParseResources([]byte(`{"status":"ok"}`)))

	res := ParseResources([]byte(`{"memory":256,"cpu":{"percent":40}}`))
	require.NotNil(t, res)
	assert.Equal(t, 256.0, *res.MemoryMB)
	assert.Equal(t, 40.0, *res.CPUPercent)
	assert.Nil(t, res.UptimeSeconds)

	res = ParseResources([]byte(`{"memory":{"heapUsed":52428800}}`))
	require.NotNil(t, res)
	assert.Equal(t, 50.0, *res.MemoryMB)
}
