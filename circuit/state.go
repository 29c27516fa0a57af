// Package circuit tracks per-service failure counters, backoff windows and
// warmup progress, and derives the operational state reported to operators
// and used by the proxy to short-circuit traffic.
package circuit

import (
	"math"
	"time"

	"github.com/c360/semgate/health"
)

// Operational states.
const (
	StateUp          = "up"
	StateDown        = "down"
	StateRestarting  = "restarting"
	StateCooldown    = "cooldown"
	StateCircuitOpen = "circuit_open"
)

// Health grades.
const (
	GradeOK       = "ok"
	GradeDegraded = "degraded"
	GradeFail     = "fail"
)

// Manual actions.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
)

// State is the persisted breaker record of one service.
// Open implies BackoffUntil is set.
type State struct {
	Service      string    `json:"service"`
	Failures     int       `json:"failures"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	Open         bool      `json:"open"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
	WarmupPassed int       `json:"warmup_passed"`
}

// Warmup reports recovery progress while in cooldown.
type Warmup struct {
	Required int `json:"required"`
	Passed   int `json:"passed"`
}

// OperationalState is derived on demand and never stored.
type OperationalState struct {
	Service          string    `json:"service"`
	State            string    `json:"state"`
	Grade            string    `json:"grade"`
	Failures         int       `json:"failures"`
	BackoffRemaining int64     `json:"backoff_seconds_remaining"`
	Warmup           *Warmup   `json:"warmup,omitempty"`
	Action           string    `json:"action,omitempty"`
	LastCheck        time.Time `json:"last_check,omitempty"`
}

// Activity describes a manual action affecting the derived state: one in
// flight, or one finished but not yet confirmed by a poll. A timed-out action
// has an unknown effect, so even a stop reports restarting until a poll passes.
type Activity struct {
	Action   string
	InFlight bool
	TimedOut bool
}

// Derive computes the operational state from the latest health record, the
// breaker record and any pending manual action. It has no side effects.
func Derive(rec health.Record, st State, act Activity, warmup int, now time.Time) OperationalState {
	out := OperationalState{
		Service:   st.Service,
		Failures:  st.Failures,
		Grade:     grade(rec),
		Action:    act.Action,
		LastCheck: rec.CheckedAt,
	}
	if out.Service == "" {
		out.Service = rec.Service
	}

	switch {
	case st.Open && now.Before(st.BackoffUntil):
		out.State = StateCircuitOpen
		out.Grade = GradeFail
		out.BackoffRemaining = int64(math.Ceil(st.BackoffUntil.Sub(now).Seconds()))
	case st.Open:
		out.State = StateCooldown
		out.Grade = GradeFail
		out.Warmup = &Warmup{Required: warmup, Passed: st.WarmupPassed}
	case act.Action == ActionStop && !act.TimedOut:
		out.State = StateDown
	case act.Action != "":
		out.State = StateRestarting
	case rec.Healthy():
		out.State = StateUp
	default:
		out.State = StateDown
	}
	return out
}

func grade(rec health.Record) string {
	switch rec.Level {
	case health.LevelOnline:
		return GradeOK
	case health.LevelDegraded:
		return GradeDegraded
	default:
		return GradeFail
	}
}

// ValidAction reports whether action is start, stop or restart.
func ValidAction(action string) bool {
	switch action {
	case ActionStart, ActionStop, ActionRestart:
		return true
	}
	return false
}
