package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the gateway's prometheus instruments. A nil *Metrics is valid
// and records nothing, so components can run without a registry in tests.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	RequestDuration   *prometheus.HistogramVec
	Fallbacks         *prometheus.CounterVec

	UpstreamLevel *prometheus.GaugeVec
	ProbeDuration *prometheus.HistogramVec
	ProbeFailures *prometheus.CounterVec
	CircuitState  *prometheus.GaugeVec

	AlertsTotal   *prometheus.CounterVec
	ActionsTotal  *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec

	NATSConnected prometheus.Gauge
}

// Numeric encodings for gauges
var (
	levelValues = map[string]float64{"offline": 0, "degraded": 1, "online": 2}
	stateValues = map[string]float64{"up": 0, "down": 1, "restarting": 2, "cooldown": 3, "circuit_open": 4}
)

// NewMetrics creates the gateway instruments under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "semgate"
	}

	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total inbound requests by route and status class",
			},
			[]string{"route", "code"},
		),

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "active_connections",
				Help:      "Requests currently in flight",
			},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Inbound request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "fallbacks_total",
				Help:      "Synthesized fallback responses by service and reason",
			},
			[]string{"service", "reason"},
		),

		UpstreamLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "level",
				Help:      "Latest probe level (0=offline, 1=degraded, 2=online)",
			},
			[]string{"service"},
		),

		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "probe_duration_seconds",
				Help:      "Health probe latency in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 3, 5, 10},
			},
			[]string{"service"},
		),

		ProbeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "probe_failures_total",
				Help:      "Failed health probes",
			},
			[]string{"service"},
		),

		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit",
				Name:      "state",
				Help:      "Operational state (0=up, 1=down, 2=restarting, 3=cooldown, 4=circuit_open)",
			},
			[]string{"service"},
		),

		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "total",
				Help:      "Alerts by priority and outcome (sent, suppressed, failed)",
			},
			[]string{"service", "priority", "outcome"},
		),

		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "actions_total",
				Help:      "Orchestrator actions by outcome",
			},
			[]string{"service", "action", "outcome"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events a subscriber could not accept",
			},
			[]string{"subscriber"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RequestsTotal, m.ActiveConnections, m.RequestDuration, m.Fallbacks,
		m.UpstreamLevel, m.ProbeDuration, m.ProbeFailures, m.CircuitState,
		m.AlertsTotal, m.ActionsTotal, m.EventsDropped, m.NATSConnected,
	}
}

// RecordRequest counts a finished inbound request.
func (m *Metrics) RecordRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, statusClass(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// SetActive mirrors the active connection gauge.
func (m *Metrics) SetActive(n int64) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

// RecordFallback counts a synthesized proxy response.
func (m *Metrics) RecordFallback(service, reason string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(service, reason).Inc()
}

// RecordProbe records a health probe outcome.
func (m *Metrics) RecordProbe(service, level string, latency time.Duration, healthy bool) {
	if m == nil {
		return
	}
	m.ProbeDuration.WithLabelValues(service).Observe(latency.Seconds())
	if v, ok := levelValues[level]; ok {
		m.UpstreamLevel.WithLabelValues(service).Set(v)
	}
	if !healthy {
		m.ProbeFailures.WithLabelValues(service).Inc()
	}
}

// RecordState updates the operational state gauge.
func (m *Metrics) RecordState(service, state string) {
	if m == nil {
		return
	}
	if v, ok := stateValues[state]; ok {
		m.CircuitState.WithLabelValues(service).Set(v)
	}
}

// RecordAlert counts an alert decision.
func (m *Metrics) RecordAlert(service, priority, outcome string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(service, priority, outcome).Inc()
}

// RecordAction counts an orchestrator action outcome.
func (m *Metrics) RecordAction(service, action, outcome string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(service, action, outcome).Inc()
}

// RecordEventDropped counts an event lost by a slow subscriber.
func (m *Metrics) RecordEventDropped(subscriber string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(subscriber).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}
