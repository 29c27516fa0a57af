package errors

import (
	"fmt"
	"time"
)

// ConfigError reports a bad registry or configuration entry. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// NewConfigError builds a ConfigError for field.
func NewConfigError(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ProbeError describes a failed health probe. It is captured into the health
// record and never propagated.
type ProbeError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *ProbeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("probe %s: status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("probe %s: %v", e.Service, e.Err)
}

func (e *ProbeError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnexpectedStatus
}

// ProxyForwardError reports an upstream that could not be reached while proxying.
type ProxyForwardError struct {
	Service string
	Err     error
}

func (e *ProxyForwardError) Error() string {
	return fmt.Sprintf("forward to %s: %v", e.Service, e.Err)
}

func (e *ProxyForwardError) Unwrap() error { return e.Err }

// CircuitOpenRejection is returned when a call is refused because the breaker is open.
type CircuitOpenRejection struct {
	Service   string
	Remaining time.Duration
}

func (e *CircuitOpenRejection) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %s", e.Service, e.Remaining.Round(time.Second))
}

func (e *CircuitOpenRejection) Unwrap() error { return ErrCircuitOpen }

// ActionTimeoutError reports an orchestrator action that exceeded its budget.
type ActionTimeoutError struct {
	Service string
	Action  string
	Budget  time.Duration
}

func (e *ActionTimeoutError) Error() string {
	return fmt.Sprintf("%s %s exceeded %s", e.Action, e.Service, e.Budget)
}

func (e *ActionTimeoutError) Unwrap() error { return ErrActionTimeout }

// AlertDeliveryError reports a sink failure. It is logged and swallowed.
type AlertDeliveryError struct {
	Sink    string
	Service string
	Err     error
}

func (e *AlertDeliveryError) Error() string {
	return fmt.Sprintf("deliver alert for %s via %s: %v", e.Service, e.Sink, e.Err)
}

func (e *AlertDeliveryError) Unwrap() []error { return []error{ErrAlertDelivery, e.Err} }
