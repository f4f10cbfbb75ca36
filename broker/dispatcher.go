package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/camelia-d-e/openfactory-sdk/pkg/buffer"
	"github.com/camelia-d-e/openfactory-sdk/registry"
	"github.com/camelia-d-e/openfactory-sdk/upstream"
)

// dispatchBatchSize bounds how many events one device contributes to a
// single tick, so one chatty device cannot starve the rest.
const dispatchBatchSize = 64

// Dispatcher is the single process-wide loop that moves events from the
// per-device inbound queues to the attached viewer connections. Frames
// for one connection are enqueued in queue order, so per-connection FIFO
// holds for events of the same device.
type Dispatcher struct {
	ingest   *Ingest
	registry *registry.Registry
	conns    *ConnRegistry
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics

	shutdown chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewDispatcher creates a dispatcher draining ingest's queues into the
// connection registry every interval.
func NewDispatcher(
	ingest *Ingest,
	reg *registry.Registry,
	conns *ConnRegistry,
	interval time.Duration,
	logger *slog.Logger,
	metrics *Metrics,
) *Dispatcher {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ingest:   ingest,
		registry: reg,
		conns:    conns,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start launches the dispatch loop. Calling Start on a running
// dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.shutdown = make(chan struct{})

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the loop and waits up to timeout for it to exit.
func (d *Dispatcher) Stop(timeout time.Duration) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	close(d.shutdown)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		d.logger.Warn("Dispatcher did not stop within timeout", "timeout", timeout)
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.dispatchOnce(ctx)
		}
	}
}

// dispatchOnce drains every device queue once. Each device runs inside
// its own error boundary: a panic while dispatching one device is logged
// and the remaining devices still get their tick.
func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	start := time.Now()
	for deviceID, queue := range d.ingest.Queues() {
		d.dispatchDevice(ctx, deviceID, queue)
	}
	if d.metrics != nil {
		d.metrics.broadcastDuration.Observe(time.Since(start).Seconds())
	}
}

func (d *Dispatcher) dispatchDevice(
	ctx context.Context,
	deviceID string,
	queue buffer.Buffer[upstream.RawEvent],
) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Recovered from panic while dispatching device",
				"device", deviceID, "panic", r)
			if d.metrics != nil {
				d.metrics.errorsTotal.WithLabelValues("dispatch_panic").Inc()
			}
		}
	}()

	events := queue.ReadBatch(dispatchBatchSize)
	if len(events) == 0 {
		return
	}

	// The aggregate-bearing device's frames carry its running duration
	// totals, fetched once per batch.
	var durations map[string]float64
	if deviceID == d.registry.AggregateDevice() {
		durations = d.registry.DurationStats(ctx, deviceID)
	}

	for _, event := range events {
		data := map[string]any{
			"id":          event.ID,
			"value":       event.Value,
			"device_uuid": deviceID,
		}
		if event.Timestamp != "" {
			data["timestamp"] = event.Timestamp
		}
		if len(durations) > 0 {
			data["durations"] = durations
		}

		payload := mustMarshal(newDeviceChangeFrame(deviceID, data))
		d.conns.Broadcast(deviceID, payload)
		if d.metrics != nil {
			d.metrics.eventsDispatched.WithLabelValues(deviceID).Inc()
		}
	}
}
