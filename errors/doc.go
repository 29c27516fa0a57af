// Package errors provides standardized error handling for the gateway.
//
// # Error Classification
//
// Errors fall into three classes:
//
//   - Transient: timeouts, refused connections, open circuits (retry or degrade)
//   - Invalid: unknown service keys, malformed action requests (reject, do not retry)
//   - Fatal: configuration errors found at startup (stop the process)
//
// Wrap third-party errors with component context:
//
//	if err := store.Save(ctx, state); err != nil {
//	    return errors.WrapTransient(err, "Machine", "Record", "persist circuit state")
//	}
//
// All wrapping follows the format "component.method: action failed: cause".
//
// # Gateway Taxonomy
//
// Failures local to one upstream are modelled as typed errors so callers can
// branch with errors.As:
//
//   - ConfigError: bad registry entry, fatal at startup
//   - ProbeError: timeout, refused connection, DNS failure or non-2xx probe
//   - ProxyForwardError: upstream unreachable while proxying, turned into a fallback
//   - CircuitOpenRejection: call refused while the breaker is open
//   - ActionTimeoutError: orchestrator action exceeded its budget
//   - AlertDeliveryError: alert sink failure, logged and swallowed
//
// Each typed error unwraps to its sentinel (ErrInvalidConfig, ErrCircuitOpen,
// ErrActionTimeout, ErrAlertDelivery) so errors.Is works across wrapping layers.
package errors
