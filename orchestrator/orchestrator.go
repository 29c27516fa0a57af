// Package orchestrator performs manual start, stop and restart actions on
// registered services and reports their operational state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/semgate/circuit"
	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/events"
	"github.com/c360/semgate/health"
	"github.com/c360/semgate/pkg/clock"
	"github.com/c360/semgate/registry"
)

// DefaultTimeout is the budget of one action.
const DefaultTimeout = 120 * time.Second

// Outcome is returned by Perform when the controller ran to completion.
type Outcome struct {
	Service  string        `json:"service"`
	Action   string        `json:"action"`
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	State    string        `json:"state"`
}

// Orchestrator coordinates actions with the circuit machine.
type Orchestrator struct {
	registry   *registry.Registry
	machine    *circuit.Machine
	controller ProcessController
	events     events.Publisher
	cache      *health.Cache
	tracker    *health.Tracker
	clock      clock.Clock
	timeout    time.Duration
	limit      int
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher emits action outcomes to p.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithHealth lets Reset forget the cached record and history of a service.
func WithHealth(cache *health.Cache, tracker *health.Tracker) Option {
	return func(o *Orchestrator) {
		o.cache = cache
		o.tracker = tracker
	}
}

// WithTimeout sets the action budget.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithOutputLimit sets how many trailing output bytes are returned.
func WithOutputLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.limit = n
		}
	}
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator. controller may be nil, in which case every
// action fails with ErrNoController.
func New(reg *registry.Registry, machine *circuit.Machine, controller ProcessController, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:   reg,
		machine:    machine,
		controller: controller,
		clock:      clock.Real(),
		timeout:    DefaultTimeout,
		limit:      DefaultOutputLimit,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Perform runs action on the service key.
//
// Errors: ErrServiceNotFound for unknown keys, ErrInvalidAction, ErrActionInProgress
// while another action on key runs, ActionTimeoutError when the budget expires
// and ErrActionFailed when the controller reports failure. In the last two
// cases the returned Outcome still carries the captured output.
func (o *Orchestrator) Perform(ctx context.Context, key, action string) (Outcome, error) {
	d, err := o.registry.Get(key)
	if err != nil {
		return Outcome{}, err
	}
	if !circuit.ValidAction(action) {
		return Outcome{}, errors.WrapInvalid(fmt.Errorf("%q: %w", action, errors.ErrInvalidAction),
			"Orchestrator", "Perform", "validate action")
	}
	if err := o.machine.BeginAction(key, action); err != nil {
		return Outcome{}, err
	}

	start := o.clock.Now()
	res, runErr := o.run(ctx, key, action)
	elapsed := o.clock.Now().Sub(start)

	out := Outcome{
		Service:  key,
		Action:   action,
		ExitCode: res.ExitCode,
		Stdout:   tail(res.Stdout, o.limit),
		Stderr:   tail(res.Stderr, o.limit),
		Duration: elapsed,
	}

	var outcome circuit.Outcome
	switch {
	case runErr == nil:
		outcome = circuit.OutcomeSuccess
		out.Success = true
	case errors.Is(runErr, errors.ErrActionTimeout):
		outcome = circuit.OutcomeTimeout
	default:
		outcome = circuit.OutcomeFailure
		if !errors.Is(runErr, errors.ErrActionFailed) {
			runErr = fmt.Errorf("%w: %w", errors.ErrActionFailed, runErr)
		}
	}

	// the caller may have gone away; the breaker update must still land
	o.machine.EndAction(context.WithoutCancel(ctx), key, outcome)
	out.State = o.machine.Status(key).State

	o.publish(d, out, runErr)
	if runErr != nil {
		o.logger.Warn("action failed", "service", key, "action", action, "exit_code", out.ExitCode, "error", runErr)
		return out, runErr
	}
	o.logger.Info("action completed", "service", key, "action", action, "duration", elapsed)
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, key, action string) (Result, error) {
	if o.controller == nil {
		return Result{ExitCode: -1}, fmt.Errorf("%s: %w", key, errors.ErrNoController)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	res, err := o.controller.Run(runCtx, key, action)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return res, &errors.ActionTimeoutError{Service: key, Action: action, Budget: o.timeout}
	}
	return res, err
}

func (o *Orchestrator) publish(d registry.Descriptor, out Outcome, err error) {
	if o.events == nil {
		return
	}
	ev := events.Event{
		Kind:     events.KindAction,
		Service:  d.Key,
		Name:     d.Name,
		Critical: d.Critical,
		Action:   out.Action,
		Success:  out.Success,
		Output:   out.Stderr,
		Time:     o.clock.Now(),
	}
	if ev.Output == "" {
		ev.Output = out.Stdout
	}
	if err != nil {
		ev.Error = err.Error()
	}
	o.events.Publish(ev)
}

// StatusAll returns the operational state of every registered service in
// registry order.
func (o *Orchestrator) StatusAll() []circuit.OperationalState {
	keys := o.registry.Keys()
	out := make([]circuit.OperationalState, 0, len(keys))
	for _, key := range keys {
		out = append(out, o.machine.Status(key))
	}
	return out
}

// Status returns the operational state of key.
func (o *Orchestrator) Status(key string) (circuit.OperationalState, error) {
	if !o.registry.Has(key) {
		return circuit.OperationalState{}, errors.WrapInvalid(
			fmt.Errorf("%s: %w", key, errors.ErrServiceNotFound), "Orchestrator", "Status", "lookup service")
	}
	return o.machine.Status(key), nil
}

// Reset clears the breaker of key and drops its cached health and
// availability history, so traffic is no longer short-circuited on a stale
// record. The next poll re-establishes them.
func (o *Orchestrator) Reset(ctx context.Context, key string) (circuit.OperationalState, error) {
	if !o.registry.Has(key) {
		return circuit.OperationalState{}, errors.WrapInvalid(
			fmt.Errorf("%s: %w", key, errors.ErrServiceNotFound), "Orchestrator", "Reset", "lookup service")
	}
	if err := o.machine.Reset(ctx, key); err != nil {
		return circuit.OperationalState{}, err
	}
	if o.cache != nil {
		o.cache.Remove(key)
	}
	if o.tracker != nil {
		o.tracker.Reset(key)
	}
	o.logger.Info("service reset", "service", key)
	return o.machine.Status(key), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
