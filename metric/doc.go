// Package metric provides a Prometheus metrics registry and HTTP server
// shared by the broker and relay. The registry owns a private
// prometheus.Registry so tests never collide with the default global
// registry, and a nil *MetricsRegistry disables metrics throughout the
// system (nil input = nil feature).
package metric
