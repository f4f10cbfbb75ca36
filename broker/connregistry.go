package broker

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Client is one live viewer connection tracked by the registry. Frames
// destined for the viewer go through its bounded outbound queue; the
// session's sender loop is the queue's only consumer.
type Client struct {
	id       string
	deviceID string

	outbound chan []byte
	done     chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// ID returns the connection's unique identifier.
func (c *Client) ID() string { return c.id }

// DeviceID returns the device this connection is attached to.
func (c *Client) DeviceID() string { return c.deviceID }

// Done is closed when the connection has been removed from the registry.
func (c *Client) Done() <-chan struct{} { return c.done }

// Enqueue places a frame on the outbound queue. When the queue is full
// the oldest pending frame is discarded so a slow viewer sees the freshest
// state instead of stalling the broadcaster. Returns the number of frames
// dropped (0 or more) and false if the connection is already closed.
func (c *Client) Enqueue(payload []byte) (int, bool) {
	if c.closed.Load() {
		return 0, false
	}

	dropped := 0
	for {
		select {
		case c.outbound <- payload:
			return dropped, true
		default:
		}
		select {
		case <-c.outbound:
			dropped++
		default:
		}
	}
}

// ConnRegistry tracks the set of viewer connections per device. All
// methods are safe for concurrent use; Remove is idempotent so racing
// teardown paths (read error, write error, shutdown) are harmless.
type ConnRegistry struct {
	queueSize int
	logger    *slog.Logger
	metrics   *Metrics

	mu    sync.RWMutex
	conns map[string]map[string]*Client // device id -> connection id -> client
}

// NewConnRegistry creates an empty connection registry with the given
// per-connection outbound queue capacity.
func NewConnRegistry(queueSize int, logger *slog.Logger, metrics *Metrics) *ConnRegistry {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnRegistry{
		queueSize: queueSize,
		logger:    logger,
		metrics:   metrics,
		conns:     make(map[string]map[string]*Client),
	}
}

// Add registers a new connection for the device and returns it.
func (r *ConnRegistry) Add(deviceID string) *Client {
	c := &Client{
		id:       uuid.NewString(),
		deviceID: deviceID,
		outbound: make(chan []byte, r.queueSize),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	if r.conns[deviceID] == nil {
		r.conns[deviceID] = make(map[string]*Client)
	}
	r.conns[deviceID][c.id] = c
	count := len(r.conns[deviceID])
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.connectionsTotal.Inc()
		r.metrics.connectionsActive.Set(float64(r.TotalConnections()))
	}
	r.logger.Info("Viewer connected",
		"device", deviceID, "connection", c.id, "device_connections", count)
	return c
}

// Remove unregisters a connection. Safe to call any number of times from
// any goroutine; only the first call has an effect.
func (r *ConnRegistry) Remove(c *Client, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		r.mu.Lock()
		if device := r.conns[c.deviceID]; device != nil {
			delete(device, c.id)
			if len(device) == 0 {
				delete(r.conns, c.deviceID)
			}
		}
		remaining := len(r.conns[c.deviceID])
		r.mu.Unlock()

		if r.metrics != nil {
			r.metrics.disconnectionsTotal.WithLabelValues(reason).Inc()
			r.metrics.connectionsActive.Set(float64(r.TotalConnections()))
		}
		r.logger.Info("Viewer disconnected",
			"device", c.deviceID, "connection", c.id,
			"reason", reason, "device_connections", remaining)
	})
}

// Broadcast enqueues a frame to every connection attached to the device,
// working from a snapshot so connections added or removed mid-broadcast
// are unaffected. Returns the number of connections reached.
func (r *ConnRegistry) Broadcast(deviceID string, payload []byte) int {
	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.conns[deviceID]))
	for _, c := range r.conns[deviceID] {
		if !c.closed.Load() {
			snapshot = append(snapshot, c)
		}
	}
	r.mu.RUnlock()

	reached := 0
	for _, c := range snapshot {
		dropped, ok := c.Enqueue(payload)
		if ok {
			reached++
		}
		if dropped > 0 && r.metrics != nil {
			r.metrics.eventsDropped.WithLabelValues(deviceID, "outbound").
				Add(float64(dropped))
		}
	}
	return reached
}

// ConnectionCount returns the number of live connections for one device.
func (r *ConnRegistry) ConnectionCount(deviceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[deviceID])
}

// TotalConnections returns the number of live connections across all
// devices.
func (r *ConnRegistry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, device := range r.conns {
		total += len(device)
	}
	return total
}

// DeviceCounts returns a snapshot of per-device connection counts.
func (r *ConnRegistry) DeviceCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.conns))
	for deviceID, device := range r.conns {
		out[deviceID] = len(device)
	}
	return out
}

// CloseAll removes every connection, used during shutdown.
func (r *ConnRegistry) CloseAll() {
	r.mu.RLock()
	snapshot := make([]*Client, 0)
	for _, device := range r.conns {
		for _, c := range device {
			snapshot = append(snapshot, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		r.Remove(c, "shutdown")
	}
}
