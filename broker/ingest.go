package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/camelia-d-e/openfactory-sdk/errors"
	"github.com/camelia-d-e/openfactory-sdk/pkg/buffer"
	"github.com/camelia-d-e/openfactory-sdk/registry"
	"github.com/camelia-d-e/openfactory-sdk/upstream"
)

// subscriptionGroupPrefix names the durable group identity used for
// per-device subscriptions, so a restarted broker resumes the same
// consumer instead of creating a parallel one.
const subscriptionGroupPrefix = "api_events_group_"

// Ingest owns one upstream adapter per device: a feed subscription that
// writes decoded events into a bounded per-device inbound queue under the
// drop-oldest policy. At most one live subscription exists per device,
// shared by however many viewer sessions that device has.
type Ingest struct {
	source    upstream.Source
	registry  *registry.Registry
	logger    *slog.Logger
	metrics   *Metrics
	queueSize int

	mu       sync.Mutex
	adapters map[string]*adapter
}

// adapter couples a device's inbound queue with its live subscription.
type adapter struct {
	deviceID string
	queue    buffer.Buffer[upstream.RawEvent]
	sub      upstream.Subscription
}

// NewIngest creates an adapter manager. queueSize bounds each device's
// inbound queue.
func NewIngest(
	source upstream.Source,
	reg *registry.Registry,
	queueSize int,
	logger *slog.Logger,
	metrics *Metrics,
) *Ingest {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingest{
		source:    source,
		registry:  reg,
		logger:    logger,
		metrics:   metrics,
		queueSize: queueSize,
		adapters:  make(map[string]*adapter),
	}
}

// EnsureAdapter provisions the device's feed and attaches a subscription
// if none exists yet. Idempotent: subsequent calls for a device with a
// live adapter return immediately.
func (i *Ingest) EnsureAdapter(ctx context.Context, deviceID string) error {
	i.mu.Lock()
	if _, ok := i.adapters[deviceID]; ok {
		i.mu.Unlock()
		return nil
	}
	i.mu.Unlock()

	feed, err := i.registry.EnsureFeed(ctx, deviceID)
	if err != nil {
		return errors.WrapTransient(err, "Ingest", "EnsureAdapter",
			fmt.Sprintf("provision feed for %s", deviceID))
	}

	queue := buffer.NewCircular[upstream.RawEvent](i.queueSize,
		buffer.WithOverflowPolicy[upstream.RawEvent](buffer.DropOldest),
		buffer.WithDropCallback[upstream.RawEvent](func(upstream.RawEvent) {
			if i.metrics != nil {
				i.metrics.eventsDropped.WithLabelValues(deviceID, "inbound").Inc()
			}
		}),
	)

	logger := i.logger
	metrics := i.metrics
	sub, err := i.source.Subscribe(ctx, feed, subscriptionGroupPrefix+deviceID,
		func(key string, event upstream.RawEvent) {
			if err := queue.Write(event); err != nil {
				logger.Debug("Inbound queue rejected event",
					"device", key, "error", err)
				return
			}
			if metrics != nil {
				metrics.eventsIngested.WithLabelValues(key).Inc()
			}
		})
	if err != nil {
		_ = queue.Close()
		return errors.WrapTransient(err, "Ingest", "EnsureAdapter",
			fmt.Sprintf("subscribe to feed %s", feed))
	}

	i.mu.Lock()
	if _, ok := i.adapters[deviceID]; ok {
		// Lost the race to another session; keep the established adapter.
		i.mu.Unlock()
		sub.Unsubscribe()
		_ = queue.Close()
		return nil
	}
	i.adapters[deviceID] = &adapter{deviceID: deviceID, queue: queue, sub: sub}
	i.mu.Unlock()

	i.logger.Info("Device adapter attached", "device", deviceID, "feed", feed)
	return nil
}

// RemoveAdapter detaches the device's subscription and discards its
// queue. Used when a device's feed is dropped on client request. A
// device with no adapter is a no-op.
func (i *Ingest) RemoveAdapter(deviceID string) {
	i.mu.Lock()
	a, ok := i.adapters[deviceID]
	if ok {
		delete(i.adapters, deviceID)
	}
	i.mu.Unlock()

	if !ok {
		return
	}
	a.sub.Unsubscribe()
	_ = a.queue.Close()
	i.logger.Info("Device adapter detached", "device", deviceID)
}

// Queues returns a snapshot of the per-device inbound queues for the
// dispatcher to drain.
func (i *Ingest) Queues() map[string]buffer.Buffer[upstream.RawEvent] {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make(map[string]buffer.Buffer[upstream.RawEvent], len(i.adapters))
	for deviceID, a := range i.adapters {
		out[deviceID] = a.queue
	}
	return out
}

// AdapterCount returns the number of live device adapters.
func (i *Ingest) AdapterCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.adapters)
}

// Stop detaches every subscription. Feeds stay materialized upstream so
// a restarted broker re-attaches without losing retained events.
func (i *Ingest) Stop() {
	i.mu.Lock()
	adapters := i.adapters
	i.adapters = make(map[string]*adapter)
	i.mu.Unlock()

	for _, a := range adapters {
		a.sub.Unsubscribe()
		_ = a.queue.Close()
	}
	if len(adapters) > 0 {
		i.logger.Info("All device adapters detached", "count", len(adapters))
	}
}
