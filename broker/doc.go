// Package broker implements the device-event fan-out server: it
// provisions per-device feeds on the upstream source on first demand,
// pulls device change events through bounded per-device queues, and
// broadcasts them to every websocket viewer attached to that device.
//
// One dispatcher goroutine drains all device queues on a fixed tick.
// Each viewer connection runs a sender loop (outbound queue with
// heartbeat pings on idle) and a receiver loop (client commands with a
// read deadline); the two loops cancel together and the connection is
// removed from the registry exactly once.
package broker
