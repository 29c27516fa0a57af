// Package semgate is the health-monitoring, circuit-breaking and orchestration
// core of a platform gateway that fronts a fixed set of upstream services.
//
// # Architecture
//
// Probes flow one way, from the poller into the circuit machine and out as
// events:
//
//	poller ──probe──▶ health.Cache / health.Tracker
//	   │
//	   └──outcome──▶ circuit.Machine ──transition──▶ events.Bus
//	                                                   │
//	       ┌───────────────┬──────────────┬────────────┼──────────────┐
//	       ▼               ▼              ▼            ▼              ▼
//	 alert.Dispatcher  metric.Metrics  events.Bridge  server stream  (others)
//
// Requests under /api/ pass through gateway.Router, which consults the cached
// health and the circuit before reverse-proxying to the upstream. Operators
// drive start, stop and restart actions through the orchestrator, which
// suppresses alerts for the service while the action runs.
//
// # Packages
//
//   - registry: static service descriptors and route rewriting
//   - health: probe records, level derivation, rolling uptime
//   - circuit: per-service breaker state machine and its persistent stores
//   - poller: one probe loop per service
//   - gateway: reverse proxy with fallback responses
//   - alert: classification, per-service cooldown, sinks
//   - orchestrator: process actions and their lifecycle events
//   - metric: request window and Prometheus instruments
//   - events: in-process bus and its NATS bridge
//   - server: the HTTP surface
//
// # Binaries
//
//   - cmd/semgate: the gateway daemon
//   - cmd/semgatectl: an operator CLI for the orchestrator API
//
// # Error handling
//
// Errors are classified as transient, invalid or fatal by package errors and
// wrapped with component and method context. Callers branch on the class with
// errors.IsTransient and friends rather than on message text.
package semgate
