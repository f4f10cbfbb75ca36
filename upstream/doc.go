// Package upstream provides the interface to the upstream event source:
// catalog queries, declarative per-device feed materialization, feed
// subscriptions and the fire-and-forget device command channel.
//
// The production implementation (Client) speaks NATS: feeds are JetStream
// streams capturing one subject per device, subscriptions are durable
// consumers named after the caller's group identity, catalog queries use
// request/reply, and commands are published to the command subject. A Mock
// implementation backs unit tests.
package upstream
