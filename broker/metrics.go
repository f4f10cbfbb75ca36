package broker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/camelia-d-e/openfactory-sdk/metric"
)

// Metrics holds Prometheus metrics for the broker.
type Metrics struct {
	eventsIngested      *prometheus.CounterVec
	eventsDispatched    *prometheus.CounterVec
	eventsDropped       *prometheus.CounterVec
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	disconnectionsTotal *prometheus.CounterVec
	pingsSent           prometheus.Counter
	commandsTotal       *prometheus.CounterVec
	broadcastDuration   prometheus.Histogram
	errorsTotal         *prometheus.CounterVec
}

// newMetrics creates and registers broker metrics. A nil registry
// disables metrics (nil input = nil feature pattern).
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "broker",
			Name:      "events_ingested_total",
			Help:      "Device events received from the upstream source",
		}, []string{"device"}),

		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "broker",
			Name:      "events_dispatched_total",
			Help:      "Device events broadcast to viewer connections",
		}, []string{"device"}),

		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "broker",
			Name:      "events_dropped_total",
			Help:      "Events dropped from a full queue",
		}, []string{"device", "queue"}),

		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openfactory",
			Subsystem: "broker",
			Name:      "connections_active",
			Help:      "Currently connected viewer websockets",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "broker",
			Name:      "connections_total",
			Help:      "Viewer connections accepted since start",
		}),

		disconnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "broker",
			Name:      "disconnections_total",
			Help:      "Viewer disconnections",
		}, []string{"reason"}),

		pingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "broker",
			Name:      "pings_sent_total",
			Help:      "Heartbeat pings sent to idle sessions",
		}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "broker",
			Name:      "commands_total",
			Help:      "Client commands handled",
		}, []string{"method", "outcome"}),

		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "openfactory",
			Subsystem: "broker",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan one dispatch tick out to all connections",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "broker",
			Name:      "errors_total",
			Help:      "Broker errors",
		}, []string{"error_type"}),
	}

	registry.MustRegister(
		m.eventsIngested,
		m.eventsDispatched,
		m.eventsDropped,
		m.connectionsActive,
		m.connectionsTotal,
		m.disconnectionsTotal,
		m.pingsSent,
		m.commandsTotal,
		m.broadcastDuration,
		m.errorsTotal,
	)

	return m
}
