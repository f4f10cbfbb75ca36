package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camelia-d-e/openfactory-sdk/component"
	"github.com/camelia-d-e/openfactory-sdk/errors"
	"github.com/camelia-d-e/openfactory-sdk/health"
	"github.com/camelia-d-e/openfactory-sdk/metric"
	"github.com/camelia-d-e/openfactory-sdk/pkg/retry"
)

// Event is one broker frame tagged with the device it came from. Frames
// from every listener interleave on the relay's single output feed.
type Event struct {
	DeviceUUID string
	Frame      map[string]any
}

// MarshalJSON flattens the frame with the device tag injected, matching
// the shape downstream consumers see on the SSE stream.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Frame)+1)
	for k, v := range e.Frame {
		out[k] = v
	}
	out["device_uuid"] = e.DeviceUUID
	return json.Marshal(out)
}

// Device is one entry of the broker's devices list.
type Device struct {
	DeviceUUID  string             `json:"device_uuid"`
	DataItems   map[string]string  `json:"dataitems"`
	Durations   map[string]float64 `json:"durations"`
	Connections int                `json:"connections"`
}

// devicesListFrame is the initial frame on the broker's devices-list
// socket.
type devicesListFrame struct {
	Event     string   `json:"event"`
	Timestamp float64  `json:"timestamp"`
	Devices   []Device `json:"devices"`
}

// ConstructorConfig holds everything needed to construct a Relay.
type ConstructorConfig struct {
	// BrokerURL is the broker's base URL, ws:// or http:// scheme.
	BrokerURL string

	// Devices lists the device ids to relay. Empty means discover them
	// from the broker's devices list on Start.
	Devices []string

	OutputQueueSize  int
	IdleWindow       time.Duration
	HandshakeTimeout time.Duration

	// MaxRetries bounds consecutive reconnect attempts per device;
	// zero means retry forever.
	MaxRetries int

	// Backoff overrides the reconnect schedule. The zero value uses
	// 2s doubling capped at 30s.
	Backoff retry.Config

	MetricsRegistry *metric.MetricsRegistry
	HealthMonitor   *health.Monitor
	Logger          *slog.Logger
}

// DefaultConstructorConfig returns the defaults: 30s idle window,
// unlimited reconnects, 2s doubling backoff capped at 30s.
func DefaultConstructorConfig() ConstructorConfig {
	return ConstructorConfig{
		BrokerURL:        "ws://localhost:8000",
		OutputQueueSize:  1024,
		IdleWindow:       30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Backoff:          DefaultBackoff(),
	}
}

// DefaultBackoff is the reconnect schedule: 2s doubling per consecutive
// failure, capped at 30s.
func DefaultBackoff() retry.Config {
	return retry.Config{
		InitialDelay: 2 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// Relay multiplexes per-device broker websockets onto one output feed.
type Relay struct {
	brokerURL        string
	devices          []string
	idleWindow       time.Duration
	handshakeTimeout time.Duration
	maxRetries       int
	backoff          retry.Config

	out    chan Event
	dialer *websocket.Dialer

	logger        *slog.Logger
	metrics       *Metrics
	healthMonitor *health.Monitor

	cancel      context.CancelFunc
	wg          *sync.WaitGroup
	running     bool
	startTime   time.Time
	errorCount  atomic.Int64
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
}

var _ component.Discoverable = (*Relay)(nil)
var _ component.LifecycleComponent = (*Relay)(nil)

// New creates a Relay from cfg.
func New(cfg ConstructorConfig) (*Relay, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("broker URL is required"),
			"Relay", "New", "validate broker URL")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutputQueueSize <= 0 {
		cfg.OutputQueueSize = 1024
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = DefaultBackoff()
	}

	return &Relay{
		brokerURL:        strings.TrimRight(cfg.BrokerURL, "/"),
		devices:          append([]string(nil), cfg.Devices...),
		idleWindow:       cfg.IdleWindow,
		handshakeTimeout: cfg.HandshakeTimeout,
		maxRetries:       cfg.MaxRetries,
		backoff:          cfg.Backoff,
		out:              make(chan Event, cfg.OutputQueueSize),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:        logger,
		metrics:       newMetrics(cfg.MetricsRegistry),
		healthMonitor: cfg.HealthMonitor,
	}, nil
}

// Meta returns the component metadata.
func (r *Relay) Meta() component.Metadata {
	return component.Metadata{
		Name:        "event-relay",
		Type:        "relay",
		Description: fmt.Sprintf("Device event relay for %s", r.brokerURL),
		Version:     "1.0.0",
	}
}

// Health returns the component health snapshot.
func (r *Relay) Health() component.HealthStatus {
	r.mu.RLock()
	running := r.running
	started := r.startTime
	r.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(r.errorCount.Load()),
		Uptime:     time.Since(started),
	}
}

// Initialize validates the relay configuration.
func (r *Relay) Initialize() error {
	if r.idleWindow <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Relay", "Initialize",
			"idle window must be positive")
	}
	if r.backoff.InitialDelay <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Relay", "Initialize",
			"backoff initial delay must be positive")
	}
	return nil
}

// Events returns the relay's output feed. The channel carries frames
// from every device listener in arrival order and is never closed while
// the relay runs; drain it from a single consumer.
func (r *Relay) Events() <-chan Event {
	return r.out
}

// Devices returns the device ids this relay listens to.
func (r *Relay) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.devices...)
}

// FetchDevices reads the broker's devices list over its devices-list
// websocket.
func (r *Relay) FetchDevices(ctx context.Context) ([]Device, error) {
	conn, resp, err := r.dialer.DialContext(ctx, r.endpoint("/ws/devices"), nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "Relay", "FetchDevices",
			"dial devices-list socket")
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(r.handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, errors.WrapTransient(err, "Relay", "FetchDevices",
			"read devices-list frame")
	}

	var frame devicesListFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errors.Wrap(errors.ErrParsingFailed, "Relay", "FetchDevices",
			fmt.Sprintf("decode devices-list frame: %v", err))
	}
	return frame.Devices, nil
}

// Start launches one listener per device. With no devices configured it
// first discovers them from the broker's devices list.
func (r *Relay) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Relay", "Start",
			"context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Relay", "Start", "context already cancelled")
	}

	if len(r.devices) == 0 {
		devices, err := r.FetchDevices(ctx)
		if err != nil {
			return errors.WrapTransient(err, "Relay", "Start", "discover devices")
		}
		for _, d := range devices {
			r.devices = append(r.devices, d.DeviceUUID)
		}
		r.logger.Info("Discovered devices from broker", "count", len(r.devices))
	}
	if len(r.devices) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Relay", "Start",
			"no devices to relay")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg = &sync.WaitGroup{}

	for _, deviceID := range r.devices {
		r.wg.Add(1)
		go r.listen(runCtx, deviceID)
	}

	r.running = true
	r.startTime = time.Now()
	if r.healthMonitor != nil {
		r.healthMonitor.UpdateHealthy("relay",
			fmt.Sprintf("relaying %d devices", len(r.devices)))
	}

	r.logger.Info("Relay started",
		"broker", r.brokerURL, "devices", len(r.devices))
	return nil
}

// Stop cancels every listener and waits for them to exit.
func (r *Relay) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	wg := r.wg
	r.cancel = nil
	r.wg = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if wg != nil {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			r.logger.Warn("Relay listeners did not exit within timeout")
		}
	}

	r.logger.Info("Relay stopped")
	return nil
}

// publish appends an event to the output feed, dropping the oldest
// queued event when the feed is full so listeners never block on a slow
// consumer.
func (r *Relay) publish(ev Event) {
	for {
		select {
		case r.out <- ev:
			if r.metrics != nil {
				r.metrics.eventsRelayed.WithLabelValues(ev.DeviceUUID).Inc()
			}
			return
		default:
			select {
			case <-r.out:
				if r.metrics != nil {
					r.metrics.eventsDropped.Inc()
				}
			default:
			}
		}
	}
}

// endpoint joins path onto the broker base URL, normalizing http(s)
// schemes to their websocket equivalents.
func (r *Relay) endpoint(path string) string {
	base := r.brokerURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}
