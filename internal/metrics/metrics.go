// Package metrics holds the simulator's Prometheus collectors. They live on
// a private registry so tests and embedded simulators do not collide.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "atpneumatics"

// Connection outcomes
const (
	OutcomeAccepted     = "accepted"
	OutcomeRefused      = "refused"
	OutcomeClosed       = "closed"
	OutcomeSlowConsumer = "slow_consumer"
	OutcomeFramingError = "framing_error"
)

// Drop reasons for outbound messages
const (
	DropOffline      = "offline"
	DropBufferFull   = "buffer_full"
	DropInvalid      = "invalid"
	DropSlowConsumer = "slow_consumer"
)

// Metrics contains all simulator metrics
type Metrics struct {
	Registry *prometheus.Registry

	CommandsTotal      *prometheus.CounterVec
	CommandDuration    prometheus.Histogram
	EventsTotal        *prometheus.CounterVec
	TelemetryFrames    prometheus.Counter
	ConnectionsTotal   *prometheus.CounterVec
	ClientConnected    prometheus.Gauge
	OutboundDropped    *prometheus.CounterVec
	PendingTransitions prometheus.Gauge
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands processed by name and ack result",
			},
			[]string{"command", "result"},
		),

		CommandDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Time to validate and apply one command",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
			},
		),

		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events emitted by topic",
			},
			[]string{"topic"},
		),

		TelemetryFrames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telemetry_frames_total",
				Help:      "Telemetry frames sampled",
			},
		),

		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Client connection lifecycle by outcome",
			},
			[]string{"outcome"},
		),

		ClientConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "client_connected",
				Help:      "1 while a control client holds the connection slot",
			},
		),

		OutboundDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_dropped_total",
				Help:      "Outbound messages not delivered by reason",
			},
			[]string{"reason"},
		),

		PendingTransitions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_transitions",
				Help:      "Actuator travels in progress",
			},
		),
	}

	m.Registry.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.EventsTotal,
		m.TelemetryFrames,
		m.ConnectionsTotal,
		m.ClientConnected,
		m.OutboundDropped,
		m.PendingTransitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveCommand counts one processed command
func (m *Metrics) ObserveCommand(command, result string, latency time.Duration) {
	m.CommandsTotal.WithLabelValues(command, result).Inc()
	m.CommandDuration.Observe(latency.Seconds())
}

// ObserveEvent counts one emitted event
func (m *Metrics) ObserveEvent(topic string) {
	m.EventsTotal.WithLabelValues(topic).Inc()
}

// ObserveTelemetry counts one telemetry frame
func (m *Metrics) ObserveTelemetry() {
	m.TelemetryFrames.Inc()
}

// ObserveConnection counts a connection lifecycle step and tracks the slot
func (m *Metrics) ObserveConnection(outcome string) {
	m.ConnectionsTotal.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeAccepted:
		m.ClientConnected.Set(1)
	case OutcomeClosed, OutcomeSlowConsumer, OutcomeFramingError:
		m.ClientConnected.Set(0)
	}
}

// ObserveDrop counts an undelivered outbound message
func (m *Metrics) ObserveDrop(reason string) {
	m.OutboundDropped.WithLabelValues(reason).Inc()
}

// SetPending records the number of travels in progress
func (m *Metrics) SetPending(n int) {
	m.PendingTransitions.Set(float64(n))
}
