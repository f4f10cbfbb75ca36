package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/camelia-d-e/openfactory-sdk/metric"
)

// Metrics holds Prometheus metrics for the relay.
type Metrics struct {
	eventsRelayed   *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	reconnectsTotal *prometheus.CounterVec
	listenersUp     prometheus.Gauge
	pingsSent       prometheus.Counter
	decodeFailures  *prometheus.CounterVec
}

// newMetrics creates and registers relay metrics. A nil registry
// disables metrics.
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "relay",
			Name:      "events_relayed_total",
			Help:      "Frames received from the broker and queued downstream",
		}, []string{"device"}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "relay",
			Name:      "events_dropped_total",
			Help:      "Frames dropped from the full output queue",
		}),

		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts per device listener",
		}, []string{"device"}),

		listenersUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openfactory",
			Subsystem: "relay",
			Name:      "listeners_connected",
			Help:      "Device listeners with a live broker connection",
		}),

		pingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "relay",
			Name:      "pings_sent_total",
			Help:      "Keep-alive pings emitted on the downstream feed",
		}),

		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openfactory",
			Subsystem: "relay",
			Name:      "decode_failures_total",
			Help:      "Broker frames that failed to decode",
		}, []string{"device"}),
	}

	registry.MustRegister(
		m.eventsRelayed,
		m.eventsDropped,
		m.reconnectsTotal,
		m.listenersUp,
		m.pingsSent,
		m.decodeFailures,
	)

	return m
}
