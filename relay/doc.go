// Package relay maintains one broker websocket per device of interest
// and multiplexes everything it receives onto a single sequential
// feed, so a downstream consumer holds one connection instead of one
// per device.
//
// Each device gets a listener goroutine that dials the broker's
// per-device endpoint and pushes decoded frames, tagged with the
// device id, onto a shared bounded output queue. Connection loss
// triggers an exponential-backoff reconnect capped at 30s; the retry
// counter resets only on a successful connect. The feed is consumable
// either as a Go channel (Events) or as a Server-Sent Events HTTP
// stream (ServeSSE) that emits keep-alive pings across idle windows.
package relay
