package server

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semgate/alert"
	"github.com/c360/semgate/circuit"
	"github.com/c360/semgate/events"
	"github.com/c360/semgate/gateway"
	"github.com/c360/semgate/health"
	"github.com/c360/semgate/metric"
	"github.com/c360/semgate/orchestrator"
	"github.com/c360/semgate/pkg/clock"
	"github.com/c360/semgate/poller"
	"github.com/c360/semgate/registry"
)

const token = "s3cret"

type upstream struct {
	srv    *httptest.Server
	status atomic.Int32
	hits   atomic.Int32
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.status.Store(http.StatusOK)
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(u.status.Load()))
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

type captureSink struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Send(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, a)
	return nil
}

func (s *captureSink) alerts() []alert.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Alert(nil), s.sent...)
}

type env struct {
	ts         *httptest.Server
	auth       *upstream
	crm        *upstream
	clock      *clock.Fake
	poller     *poller.Poller
	machine    *circuit.Machine
	bus        *events.Bus
	dispatcher *alert.Dispatcher
	sink       *captureSink
	hold       chan struct{}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{auth: newUpstream(t), crm: newUpstream(t), sink: &captureSink{}, hold: make(chan struct{})}

	reg, err := registry.New([]registry.Descriptor{
		{Key: "auth", Name: "Auth", BaseURL: e.auth.srv.URL, Critical: true},
		{Key: "crm-api", Name: "CRM", BaseURL: e.crm.srv.URL, Prefix: "/api/crm",
			Rewrite:  registry.RewriteRule{StripPrefix: "/api/crm", AddPrefix: "/v1"},
			Degraded: json.RawMessage(`{"contacts":[]}`)},
	})
	require.NoError(t, err)

	clk := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	e.clock = clk
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	e.bus = bus

	cache := health.NewCache()
	tracker := health.NewTracker(0, 0)
	mreg := metric.NewMetricsRegistry("test")

	e.machine = circuit.NewMachine(circuit.DefaultConfig(),
		circuit.WithClock(clk), circuit.WithPublisher(bus), circuit.WithRegistry(reg))
	e.poller = poller.New(poller.DefaultConfig(), reg, cache,
		poller.WithTracker(tracker), poller.WithBreaker(e.machine),
		poller.WithPublisher(bus), poller.WithMetrics(mreg.Metrics), poller.WithClock(clk))

	router, err := gateway.NewRouter(reg, cache, gateway.WithBreaker(e.machine), gateway.WithMetrics(mreg.Metrics))
	require.NoError(t, err)

	dispatcher := alert.NewDispatcher(e.sink, alert.WithClock(clk))
	e.dispatcher = dispatcher
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = dispatcher.Run(ctx, bus.Subscribe("alerts", 64)) }()

	ctrl := orchestrator.ControllerFunc(func(ctx context.Context, key, action string) (orchestrator.Result, error) {
		switch {
		case key == "auth" && action == circuit.ActionStop:
			<-ctx.Done()
			return orchestrator.Result{ExitCode: -1}, ctx.Err()
		case key == "auth" && action == circuit.ActionStart:
			return orchestrator.Result{ExitCode: 1, Stderr: "unit failed"}, stderrors.New("exit status 1")
		case key == "crm-api" && action == circuit.ActionStop:
			<-e.hold
		}
		return orchestrator.Result{Stdout: action + " ok"}, nil
	})
	orch := orchestrator.New(reg, e.machine, ctrl,
		orchestrator.WithPublisher(bus), orchestrator.WithHealth(cache, tracker),
		orchestrator.WithTimeout(50*time.Millisecond), orchestrator.WithClock(clk))

	srv, err := New(Deps{
		Registry:     reg,
		Cache:        cache,
		Tracker:      tracker,
		Collector:    metric.NewCollector(100, metric.WithHealthSource(cache), metric.WithPrometheus(mreg.Metrics)),
		Metrics:      mreg,
		Orchestrator: orch,
		Alerts:       dispatcher,
		Bus:          bus,
		Proxy:        router,
	}, WithAuthorizer(BearerToken(token)), WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	e.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(e.ts.Close)
	return e
}

func (e *env) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (e *env) post(t *testing.T, path, body string, auth bool) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	_ = json.Unmarshal(data, &out)
	return out
}

func (e *env) poll(n int) {
	for i := 0; i < n; i++ {
		e.poller.PollAll(context.Background())
	}
}

func TestServer_HealthAndReadiness(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.get(t, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body := e.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])

	e.poll(1)
	resp, body = e.get(t, "/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ready"])

	resp, body = e.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	e.auth.status.Store(http.StatusInternalServerError)
	e.poll(1)
	resp, body = e.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])

	resp, err := http.Get(e.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ProxyAndCircuitFallback(t *testing.T) {
	e := newEnv(t)
	e.poll(1)

	resp, body := e.get(t, "/api/crm/contacts")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/v1/contacts", body["path"])
	assert.Equal(t, "crm-api", resp.Header.Get(gateway.HeaderServedBy))

	e.crm.status.Store(http.StatusBadGateway)
	e.poll(5)
	assert.Equal(t, circuit.StateCircuitOpen, e.machine.Status("crm-api").State)

	hits := e.crm.hits.Load()
	resp, body = e.get(t, "/api/crm/contacts")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["degraded"])
	assert.Equal(t, []any{}, body["contacts"])
	assert.Equal(t, gateway.ReasonCircuitOpen, resp.Header.Get(gateway.HeaderFallback))
	assert.Equal(t, hits, e.crm.hits.Load(), "no upstream call while the circuit is open")

	resp, body = e.get(t, "/api/billing/invoices")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["prefixes"], "/api/crm")

	resp, body = e.get(t, "/orchestrator/status-all")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	services := body["services"].([]any)
	require.Len(t, services, 2)
	assert.Equal(t, "crm-api", services[1].(map[string]any)["service"])
	assert.Equal(t, circuit.StateCircuitOpen, services[1].(map[string]any)["state"])
}

func TestServer_Actions(t *testing.T) {
	e := newEnv(t)
	e.crm.status.Store(http.StatusBadGateway)
	e.poll(5)

	resp, _ := e.post(t, "/orchestrator/services/crm-api/actions", `{"action":"restart"}`, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.post(t, "/orchestrator/services/crm-api/actions", `{"action":"restart"}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "restart ok", body["stdout"])
	assert.Equal(t, circuit.StateRestarting, body["state"])

	e.crm.status.Store(http.StatusOK)
	e.poll(1)
	assert.Equal(t, circuit.StateUp, e.machine.Status("crm-api").State)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown service", "/orchestrator/services/billing/actions", `{"action":"start"}`, http.StatusNotFound},
		{"bad action", "/orchestrator/services/auth/actions", `{"action":"reboot"}`, http.StatusBadRequest},
		{"bad body", "/orchestrator/services/auth/actions", `not json`, http.StatusBadRequest},
		{"timeout", "/orchestrator/services/auth/actions", `{"action":"stop"}`, http.StatusGatewayTimeout},
		{"failure", "/orchestrator/services/auth/actions", `{"action":"start"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.post(t, tt.path, tt.body, true)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServer_ActionConflict(t *testing.T) {
	e := newEnv(t)

	done := make(chan int, 1)
	go func() {
		resp, _ := e.post(t, "/orchestrator/services/crm-api/actions", `{"action":"stop"}`, true)
		done <- resp.StatusCode
	}()
	require.Eventually(t, func() bool {
		return e.machine.Status("crm-api").Action == circuit.ActionStop
	}, time.Second, 5*time.Millisecond)

	resp, _ := e.post(t, "/orchestrator/services/crm-api/actions", `{"action":"restart"}`, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(e.hold)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestServer_Reset(t *testing.T) {
	e := newEnv(t)
	e.crm.status.Store(http.StatusBadGateway)
	e.poll(5)

	resp, _ := e.post(t, "/orchestrator/services/crm-api/reset", "", false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.post(t, "/orchestrator/services/crm-api/reset", "", true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["reset"])
	assert.Zero(t, e.machine.Snapshot("crm-api").Failures)

	// the stale outage record is gone until the next poll
	resp, _ = e.get(t, "/services/crm-api/health")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.post(t, "/orchestrator/services/nope/reset", "", true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ServicesAndAlerts(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.get(t, "/services/auth/health")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	e.poll(1)
	e.auth.status.Store(http.StatusServiceUnavailable)
	e.poll(1)

	resp, body := e.get(t, "/services")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])

	resp, body = e.get(t, "/services/auth/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])

	resp, body = e.get(t, "/services/auth/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["incidents_24h"])

	resp, _ = e.get(t, "/services/nope/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, body := e.get(t, "/orchestrator/alerts")
		count, _ := body["count"].(float64)
		return count == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, e.sink.alerts(), 1)

	_, body = e.get(t, "/orchestrator/alerts?limit=1")
	first := body["alerts"].([]any)[0].(map[string]any)
	assert.Equal(t, "auth", first["service"])
	assert.Equal(t, "high", first["priority"])

	resp, _ = e.get(t, "/orchestrator/alerts?limit=x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// waitAlerts blocks until the dispatcher has recorded n alerts, delivered or
// suppressed.
func (e *env) waitAlerts(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(e.dispatcher.History(0)) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_OutageOpensCircuitWithOneAlert(t *testing.T) {
	e := newEnv(t)
	e.poll(1)

	e.auth.status.Store(http.StatusInternalServerError)
	e.poll(5)
	assert.Equal(t, circuit.StateCircuitOpen, e.machine.Status("auth").State)

	// offline is delivered, circuit_open falls inside the cooldown
	e.waitAlerts(t, 2)
	sent := e.sink.alerts()
	require.Len(t, sent, 1)
	assert.Equal(t, "auth", sent[0].Service)
	assert.Equal(t, alert.PriorityHigh, sent[0].Priority)
	assert.True(t, sent[0].Urgent)

	history := e.dispatcher.History(0)
	assert.True(t, history[0].Suppressed)
	assert.Equal(t, "circuit_open", history[0].To)

	_, body := e.get(t, "/services/auth/metrics")
	assert.EqualValues(t, 1, body["incidents_24h"])
}

func TestServer_WarmupRecoverySendsSecondAlert(t *testing.T) {
	e := newEnv(t)
	e.poll(1)
	e.auth.status.Store(http.StatusInternalServerError)
	e.poll(5)
	e.waitAlerts(t, 2)

	e.clock.Advance(alert.DefaultCooldown + time.Second)
	assert.Equal(t, circuit.StateCooldown, e.machine.Status("auth").State)

	e.auth.status.Store(http.StatusOK)
	e.poll(1)
	op := e.machine.Status("auth")
	assert.Equal(t, circuit.StateCooldown, op.State)
	require.NotNil(t, op.Warmup)
	assert.Equal(t, 1, op.Warmup.Passed)

	e.poll(1)
	assert.Equal(t, circuit.StateUp, e.machine.Status("auth").State)
	assert.Zero(t, e.machine.Snapshot("auth").Failures)

	e.waitAlerts(t, 3)
	sent := e.sink.alerts()
	require.Len(t, sent, 2)
	assert.Equal(t, alert.PriorityLow, sent[1].Priority)
	assert.Contains(t, sent[1].Title, "recovered")
	assert.Equal(t, circuit.StateUp, sent[1].To)
}

func TestServer_Metrics(t *testing.T) {
	e := newEnv(t)
	e.get(t, "/healthz")
	e.get(t, "/services")

	resp, body := e.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, body["total_requests"], float64(2))

	resp, err := http.Get(e.ts.URL + "/metrics/prometheus")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(data), `test_http_requests_total{code="2xx",route="GET /services"}`)

	resp, _ = e.post(t, "/metrics/reset", "", false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.post(t, "/metrics/reset", "", true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = e.get(t, "/metrics")
	// only this request has been counted since the reset
	assert.LessOrEqual(t, body["total_requests"], float64(1))
}

func TestServer_EventStream(t *testing.T) {
	e := newEnv(t)
	e.poll(1)

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/orchestrator/events?kind=health"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.bus.Subscribers() >= 2 }, time.Second, 5*time.Millisecond)

	e.crm.status.Store(http.StatusInternalServerError)
	e.poll(1)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.KindHealth, ev.Kind)
	assert.Equal(t, "crm-api", ev.Service)
	assert.Equal(t, "offline", ev.To)
}

func TestBearerToken(t *testing.T) {
	a := BearerToken("abc")
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.ErrorIs(t, a.Authorize(r), ErrUnauthorized)

	r.Header.Set("Authorization", "Bearer abd")
	assert.ErrorIs(t, a.Authorize(r), ErrUnauthorized)

	r.Header.Set("Authorization", "Bearer abc")
	assert.NoError(t, a.Authorize(r))

	assert.NoError(t, BearerToken("").Authorize(httptest.NewRequest(http.MethodGet, "/", nil)))
}
