// Package openfactory provides a real-time device-event fan-out stack
// for factory floors: a broker that bridges device events from NATS
// JetStream to viewer websockets, and a client-side relay that
// multiplexes many device streams onto one consumable feed.
//
// # Architecture
//
//	┌──────────────────────────────────────┐
//	│        NATS JetStream upstream       │  per-device streams,
//	│  (events, catalog queries, commands) │  request/reply catalog
//	└──────────────────┬───────────────────┘
//	                   ↓ upstream.Source
//	┌──────────────────────────────────────┐
//	│               Broker                 │  registry + ingest +
//	│  feed provisioning, per-device       │  dispatcher + sessions
//	│  queues, 100ms fan-out, heartbeats   │
//	└──────────────────┬───────────────────┘
//	                   ↓ WS /ws/devices/{id}
//	┌─────────────┐  ┌────────────────────┐
//	│   Viewers   │  │       Relay        │  one socket per device,
//	│ (dashboards)│  │ backoff reconnect, │  single SSE output feed
//	└─────────────┘  │ SSE multiplexing   │
//	                 └────────────────────┘
//
// # Packages
//
// Domain:
//   - upstream: Source interface and the NATS JetStream client
//   - registry: device catalog, feed provisioning, duration statistics
//   - broker: connection registry, ingest adapters, dispatcher, sessions
//   - relay: reconnecting client-side multiplexer with SSE output
//
// Infrastructure:
//   - component: lifecycle and discovery interfaces
//   - config: file + environment configuration
//   - errors: classified error handling
//   - health: component health monitoring
//   - metric: Prometheus registry and endpoint
//   - pkg/buffer: bounded circular queues
//   - pkg/retry: backoff policies
//
// # Binaries
//
//	# Serve device events to viewers
//	./bin/openfactory-broker -config configs/broker.json
//
//	# Relay broker streams to a single SSE feed
//	./bin/openfactory-relay -config configs/relay.json
package openfactory
