package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semgate/circuit"
	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/events"
	"github.com/c360/semgate/health"
	"github.com/c360/semgate/registry"
)

type harness struct {
	orch    *Orchestrator
	machine *circuit.Machine
	sub     *events.Subscription
}

func newHarness(t *testing.T, ctrl ProcessController, opts ...Option) *harness {
	t.Helper()
	reg, err := registry.New([]registry.Descriptor{
		{Key: "auth", Name: "Auth", BaseURL: "http://auth:4000", Critical: true},
		{Key: "crm-api", Name: "CRM API", BaseURL: "http://crm:4300"},
	})
	require.NoError(t, err)

	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	m := circuit.NewMachine(circuit.DefaultConfig(), circuit.WithRegistry(reg))
	opts = append(opts, WithPublisher(bus))

	return &harness{
		orch:    New(reg, m, ctrl, opts...),
		machine: m,
		sub:     bus.Subscribe("test", 16, events.KindAction),
	}
}

func (h *harness) fail(t *testing.T, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		p, err := h.machine.AcquireProbe(key)
		require.NoError(t, err)
		p.Done(context.Background(), health.Record{Service: key, Status: health.StateUnhealthy,
			Level: health.LevelOffline, Error: "refused", CheckedAt: time.Now()})
	}
}

func (h *harness) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case ev := <-h.sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no action event")
		return events.Event{}
	}
}

func ok(out string) ControllerFunc {
	return func(context.Context, string, string) (Result, error) {
		return Result{Stdout: out}, nil
	}
}

func TestPerform_SuccessResetsCircuit(t *testing.T) {
	h := newHarness(t, ok("started"))
	h.fail(t, "crm-api", 5)
	require.Equal(t, circuit.StateCircuitOpen, h.machine.Status("crm-api").State)

	out, err := h.orch.Perform(context.Background(), "crm-api", circuit.ActionRestart)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "started", out.Stdout)
	assert.Equal(t, circuit.StateRestarting, out.State)
	assert.Zero(t, h.machine.Snapshot("crm-api").Failures)
	assert.False(t, h.machine.Snapshot("crm-api").Open)

	ev := h.next(t)
	assert.Equal(t, "crm-api", ev.Service)
	assert.Equal(t, "CRM API", ev.Name)
	assert.True(t, ev.Success)
}

func TestPerform_FailureLeavesCircuit(t *testing.T) {
	h := newHarness(t, ControllerFunc(func(context.Context, string, string) (Result, error) {
		return Result{ExitCode: 3, Stderr: "no such unit"}, fmt.Errorf("exit status 3")
	}))
	h.fail(t, "auth", 5)

	out, err := h.orch.Perform(context.Background(), "auth", circuit.ActionStart)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrActionFailed)
	assert.False(t, out.Success)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "no such unit", out.Stderr)
	assert.Equal(t, 5, h.machine.Snapshot("auth").Failures)
	assert.True(t, h.machine.Snapshot("auth").Open)

	ev := h.next(t)
	assert.False(t, ev.Success)
	assert.True(t, ev.Critical)
	assert.Equal(t, "no such unit", ev.Output)
}

func TestPerform_Validation(t *testing.T) {
	h := newHarness(t, ok(""))

	_, err := h.orch.Perform(context.Background(), "billing", circuit.ActionStart)
	assert.ErrorIs(t, err, errors.ErrServiceNotFound)

	_, err = h.orch.Perform(context.Background(), "auth", "reboot")
	assert.ErrorIs(t, err, errors.ErrInvalidAction)
	assert.True(t, errors.IsInvalid(err))
}

func TestPerform_RejectsConcurrentAction(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	h := newHarness(t, ControllerFunc(func(_ context.Context, key, _ string) (Result, error) {
		if key != "auth" {
			return Result{}, nil
		}
		once.Do(func() { close(started) })
		<-release
		return Result{}, nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Perform(context.Background(), "auth", circuit.ActionRestart)
		done <- err
	}()
	<-started

	_, err := h.orch.Perform(context.Background(), "auth", circuit.ActionStop)
	assert.ErrorIs(t, err, errors.ErrActionInProgress)

	// other services are unaffected
	_, err = h.orch.Perform(context.Background(), "crm-api", circuit.ActionStop)
	assert.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestPerform_Timeout(t *testing.T) {
	h := newHarness(t, ControllerFunc(func(ctx context.Context, _, _ string) (Result, error) {
		<-ctx.Done()
		return Result{ExitCode: -1, Stdout: "partial"}, ctx.Err()
	}), WithTimeout(20*time.Millisecond))

	out, err := h.orch.Perform(context.Background(), "auth", circuit.ActionRestart)
	require.Error(t, err)

	var te *errors.ActionTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "auth", te.Service)
	assert.Equal(t, 20*time.Millisecond, te.Budget)
	assert.Equal(t, "partial", out.Stdout)

	// the marker survives until a probe passes
	assert.Equal(t, circuit.StateRestarting, h.machine.Status("auth").State)
	assert.False(t, h.next(t).Success)
}

func TestPerform_NoController(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Perform(context.Background(), "auth", circuit.ActionStart)
	assert.ErrorIs(t, err, errors.ErrNoController)
	assert.ErrorIs(t, err, errors.ErrActionFailed)
}

func TestPerform_TailsOutput(t *testing.T) {
	long := strings.Repeat("x", 600) + "END"
	h := newHarness(t, ok(long), WithOutputLimit(10))

	out, err := h.orch.Perform(context.Background(), "auth", circuit.ActionStart)
	require.NoError(t, err)
	assert.Len(t, out.Stdout, 10)
	assert.True(t, strings.HasSuffix(out.Stdout, "END"))
}

func TestStatusAll_RegistryOrder(t *testing.T) {
	h := newHarness(t, ok(""))
	h.fail(t, "crm-api", 5)

	states := h.orch.StatusAll()
	require.Len(t, states, 2)
	assert.Equal(t, "auth", states[0].Service)
	assert.Equal(t, circuit.StateDown, states[0].State)
	assert.Equal(t, "crm-api", states[1].Service)
	assert.Equal(t, circuit.StateCircuitOpen, states[1].State)
}

func TestReset(t *testing.T) {
	h := newHarness(t, ok(""))
	h.fail(t, "crm-api", 5)

	st, err := h.orch.Reset(context.Background(), "crm-api")
	require.NoError(t, err)
	assert.NotEqual(t, circuit.StateCircuitOpen, st.State)
	assert.Zero(t, h.machine.Snapshot("crm-api").Failures)

	_, err = h.orch.Reset(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrServiceNotFound)
}

func TestReset_ForgetsHealthHistory(t *testing.T) {
	cache := health.NewCache()
	tracker := health.NewTracker(health.DefaultWindow, 0)
	h := newHarness(t, ok(""), WithHealth(cache, tracker))

	now := time.Now()
	down := health.Record{Service: "crm-api", Status: health.StateUnhealthy, Level: health.LevelOffline, Error: "refused", CheckedAt: now}
	cache.Set(down)
	tracker.Observe(down)
	tracker.RecordIncident("crm-api", now)
	cache.Set(health.Record{Service: "auth", Status: health.StateHealthy, Level: health.LevelOnline, CheckedAt: now})
	h.fail(t, "crm-api", 5)

	_, err := h.orch.Reset(context.Background(), "crm-api")
	require.NoError(t, err)

	_, found := cache.Get("crm-api")
	assert.False(t, found)
	assert.False(t, cache.IsUnhealthy("crm-api"))
	assert.Zero(t, tracker.Incidents("crm-api", now))
	_, found = cache.Get("auth")
	assert.True(t, found, "other services keep their records")
}
