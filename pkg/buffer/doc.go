// Package buffer provides generic, thread-safe buffer implementations with
// configurable overflow policies.
//
// The broker uses circular buffers for per-device inbound event queues: the
// ingest adapter writes, the dispatcher drains in batches, and under
// overflow the oldest events are dropped rather than blocking ingestion.
// Statistics are always collected for observability.
package buffer
