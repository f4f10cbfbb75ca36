package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camelia-d-e/openfactory-sdk/component"
	"github.com/camelia-d-e/openfactory-sdk/errors"
	"github.com/camelia-d-e/openfactory-sdk/health"
	"github.com/camelia-d-e/openfactory-sdk/metric"
	"github.com/camelia-d-e/openfactory-sdk/registry"
	"github.com/camelia-d-e/openfactory-sdk/upstream"
)

// ConstructorConfig holds everything needed to construct a Broker.
type ConstructorConfig struct {
	Port                int
	Source              upstream.Source
	AggregateDevice     string
	PowerItems          []string
	DispatchInterval    time.Duration
	SenderIdleTimeout   time.Duration
	ReceiverIdleTimeout time.Duration
	StatusLogInterval   time.Duration
	WriteTimeout        time.Duration
	InboundQueueSize    int
	OutboundQueueSize   int
	MetricsRegistry     *metric.MetricsRegistry
	HealthMonitor       *health.Monitor
	Logger              *slog.Logger
}

// DefaultConstructorConfig returns the defaults mirroring the reference
// deployment: 100ms dispatch tick, 1s sender heartbeat window, 30s
// receiver read window.
func DefaultConstructorConfig() ConstructorConfig {
	return ConstructorConfig{
		Port:                8000,
		AggregateDevice:     "IVAC",
		PowerItems:          []string{"A1ToolPlus", "A2ToolPlus"},
		DispatchInterval:    100 * time.Millisecond,
		SenderIdleTimeout:   time.Second,
		ReceiverIdleTimeout: 30 * time.Second,
		StatusLogInterval:   30 * time.Second,
		WriteTimeout:        10 * time.Second,
		InboundQueueSize:    1024,
		OutboundQueueSize:   256,
	}
}

// Broker is the fan-out server component. It owns the HTTP/websocket
// surface, the device registry, per-device ingest adapters, the
// dispatcher, and the connection registry.
type Broker struct {
	port           int
	powerItems     []string
	senderIdle     time.Duration
	receiverIdle   time.Duration
	statusInterval time.Duration
	writeTimeout   time.Duration

	source     upstream.Source
	registry   *registry.Registry
	ingest     *Ingest
	dispatcher *Dispatcher
	conns      *ConnRegistry

	logger          *slog.Logger
	metrics         *Metrics
	metricsRegistry *metric.MetricsRegistry
	healthMonitor   *health.Monitor

	server   *http.Server
	upgrader websocket.Upgrader

	shutdown    chan struct{}
	wg          *sync.WaitGroup
	running     bool
	startTime   time.Time
	errorCount  atomic.Int64
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
}

var _ component.Discoverable = (*Broker)(nil)
var _ component.LifecycleComponent = (*Broker)(nil)

// New creates a Broker from cfg. The upstream source is required.
func New(cfg ConstructorConfig) (*Broker, error) {
	if cfg.Source == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("upstream source is required"),
			"Broker", "New", "validate source")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := registry.New(cfg.Source,
		registry.WithLogger(logger),
		registry.WithAggregateDevice(cfg.AggregateDevice),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Broker", "New", "create device registry")
	}

	metrics := newMetrics(cfg.MetricsRegistry)
	conns := NewConnRegistry(cfg.OutboundQueueSize, logger, metrics)
	ingest := NewIngest(cfg.Source, reg, cfg.InboundQueueSize, logger, metrics)
	dispatcher := NewDispatcher(ingest, reg, conns, cfg.DispatchInterval, logger, metrics)

	return &Broker{
		port:            cfg.Port,
		powerItems:      cfg.PowerItems,
		senderIdle:      cfg.SenderIdleTimeout,
		receiverIdle:    cfg.ReceiverIdleTimeout,
		statusInterval:  cfg.StatusLogInterval,
		writeTimeout:    cfg.WriteTimeout,
		source:          cfg.Source,
		registry:        reg,
		ingest:          ingest,
		dispatcher:      dispatcher,
		conns:           conns,
		logger:          logger,
		metrics:         metrics,
		metricsRegistry: cfg.MetricsRegistry,
		healthMonitor:   cfg.HealthMonitor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Registry exposes the device registry, mainly for command wiring.
func (b *Broker) Registry() *registry.Registry { return b.registry }

// Connections exposes the connection registry.
func (b *Broker) Connections() *ConnRegistry { return b.conns }

// Meta returns the component metadata.
func (b *Broker) Meta() component.Metadata {
	return component.Metadata{
		Name:        fmt.Sprintf("event-broker-%d", b.port),
		Type:        "broker",
		Description: fmt.Sprintf("Device event fan-out server on port %d", b.port),
		Version:     "1.0.0",
	}
}

// Health returns the component health snapshot.
func (b *Broker) Health() component.HealthStatus {
	b.mu.RLock()
	running := b.running
	serverUp := b.server != nil
	started := b.startTime
	b.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    running && serverUp,
		LastCheck:  time.Now(),
		ErrorCount: int(b.errorCount.Load()),
		Uptime:     time.Since(started),
	}
}

// Initialize validates the broker configuration.
func (b *Broker) Initialize() error {
	if b.port < 1 || b.port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Broker", "Initialize",
			fmt.Sprintf("invalid port %d", b.port))
	}
	if b.senderIdle <= 0 || b.receiverIdle <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Broker", "Initialize",
			"idle timeouts must be positive")
	}
	return nil
}

// Start provisions duration statistics, starts the dispatcher, and
// begins serving. Idempotent on a running broker.
func (b *Broker) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Broker", "Start",
			"context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Broker", "Start", "context already cancelled")
	}

	// Duration stats are best effort; the broker serves without them.
	if b.registry.AggregateDevice() != "" {
		if err := b.registry.EnsureDurationStats(ctx, b.powerItems); err != nil {
			b.logger.Warn("Duration stats provisioning skipped", "error", err)
		}
	}

	b.shutdown = make(chan struct{})
	b.wg = &sync.WaitGroup{}
	b.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", b.port),
		Handler: b.Handler(),
	}

	b.dispatcher.Start(ctx)

	b.running = true
	b.startTime = time.Now()

	b.wg.Add(2)
	go b.runServer()
	go b.statusLoop(ctx)

	b.logger.Info("Broker started", "port", b.port)
	return nil
}

// Handler returns the broker's HTTP routes. Exposed so tests can mount
// them on httptest servers.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices", b.handleListDevices)
	mux.HandleFunc("GET /devices/{id}/dataitems", b.handleDataItems)
	mux.HandleFunc("GET /devices/{id}/durations", b.handleDurations)
	mux.HandleFunc("/ws/devices", b.handleDevicesSocket)
	mux.HandleFunc("/ws/devices/{id}", b.handleDeviceSocket)

	if b.healthMonitor != nil {
		mux.Handle("GET /healthz", b.healthMonitor.Handler("broker"))
	}
	if b.metricsRegistry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			b.metricsRegistry.PrometheusRegistry(),
			promhttp.HandlerOpts{},
		))
	}
	return mux
}

// Stop tears down the HTTP server, the dispatcher, all ingest adapters,
// and every live session.
func (b *Broker) Stop(timeout time.Duration) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.shutdown)
	server := b.server
	wg := b.wg
	b.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("HTTP server shutdown error", "error", err)
		}
	}

	b.dispatcher.Stop(timeout)
	b.ingest.Stop()
	b.conns.CloseAll()

	if wg != nil {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			b.logger.Warn("Broker goroutines did not exit within timeout")
		}
	}

	b.mu.Lock()
	b.server = nil
	b.shutdown = nil
	b.wg = nil
	b.mu.Unlock()

	b.logger.Info("Broker stopped")
	return nil
}

func (b *Broker) runServer() {
	defer b.wg.Done()

	b.mu.RLock()
	server := b.server
	b.mu.RUnlock()
	if server == nil {
		return
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		b.logger.Error("HTTP server failed", "error", err)
		b.errorCount.Add(1)
		if b.healthMonitor != nil {
			b.healthMonitor.UpdateUnhealthy("broker", err.Error())
		}
	}
}

// statusLoop periodically logs connection counts and refreshes the
// health monitor entry.
func (b *Broker) statusLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.statusInterval)
	defer ticker.Stop()

	if b.healthMonitor != nil {
		b.healthMonitor.UpdateHealthy("broker", "serving")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.shutdown:
			return
		case <-ticker.C:
			counts := b.conns.DeviceCounts()
			total := 0
			for _, n := range counts {
				total += n
			}
			if total > 0 {
				b.logger.Info("Active viewer connections",
					"total", total, "devices", len(counts))
			}
			if b.healthMonitor != nil {
				b.healthMonitor.UpdateHealthy("broker",
					fmt.Sprintf("serving %d connections", total))
			}
		}
	}
}

func (b *Broker) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.errorCount.Add(1)
	}
}

// handleListDevices serves the device catalog with live connection
// counts.
func (b *Broker) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := b.registry.ListDevices(r.Context())

	status := make([]map[string]any, 0, len(devices))
	for _, id := range devices {
		status = append(status, map[string]any{
			"device_uuid": id,
			"connections": b.conns.ConnectionCount(id),
		})
	}
	b.writeJSON(w, http.StatusOK, map[string]any{
		"devices":       status,
		"total_devices": len(devices),
	})
}

func (b *Broker) handleDataItems(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	b.writeJSON(w, http.StatusOK, map[string]any{
		"device_uuid": deviceID,
		"data_items":  b.registry.DataItems(r.Context(), deviceID),
	})
}

func (b *Broker) handleDurations(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	b.writeJSON(w, http.StatusOK, map[string]any{
		"device_uuid": deviceID,
		"durations":   b.registry.DurationStats(r.Context(), deviceID),
	})
}

// handleDevicesSocket serves the devices-list websocket: one devices_list
// frame with each device's data items and duration totals, then
// heartbeat pings until the client goes away.
func (b *Broker) handleDevicesSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.errorCount.Add(1)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx := r.Context()
	devices := b.registry.ListDevices(ctx)
	summaries := make([]DeviceSummary, 0, len(devices))
	for _, id := range devices {
		summaries = append(summaries, DeviceSummary{
			DeviceUUID:  id,
			DataItems:   b.registry.DataItems(ctx, id),
			Durations:   b.registry.DurationStats(ctx, id),
			Connections: b.conns.ConnectionCount(id),
		})
	}

	frame := mustMarshal(DevicesListFrame{
		Event:     EventDevicesList,
		Timestamp: timestamp(),
		Devices:   summaries,
	})
	_ = conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}

	// Keep the socket warm for clients that hold it open; most read the
	// list and hang up, which surfaces as a write error below.
	ticker := time.NewTicker(b.receiverIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.shutdownChan():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, mustMarshal(newPingFrame())); err != nil {
				return
			}
		}
	}
}

func (b *Broker) shutdownChan() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.shutdown == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return b.shutdown
}

// handleDeviceSocket serves one viewer's device event stream.
func (b *Broker) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if deviceID == "" {
		http.Error(w, "device id required", http.StatusBadRequest)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.errorCount.Add(1)
		if b.metrics != nil {
			b.metrics.errorsTotal.WithLabelValues("upgrade").Inc()
		}
		return
	}

	client := b.conns.Add(deviceID)

	// First session for a device attaches its upstream adapter. Failure
	// is logged, not fatal: the viewer still gets the handshake and any
	// catalog state, and a later session can retry the attach.
	if err := b.ingest.EnsureAdapter(r.Context(), deviceID); err != nil {
		b.logger.Warn("Device adapter attach failed",
			"device", deviceID, "error", err)
		b.errorCount.Add(1)
		if b.metrics != nil {
			b.metrics.errorsTotal.WithLabelValues("adapter_attach").Inc()
		}
	}

	handshake := ConnectionEstablishedFrame{
		Event:           EventConnectionEstablished,
		DeviceUUID:      deviceID,
		Timestamp:       timestamp(),
		DataItems:       b.registry.DataItems(r.Context(), deviceID),
		ConnectionCount: b.conns.ConnectionCount(deviceID),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, mustMarshal(handshake)); err != nil {
		b.conns.Remove(client, "handshake_failed")
		_ = conn.Close()
		return
	}

	s := &session{
		deviceID:     deviceID,
		conn:         conn,
		client:       client,
		conns:        b.conns,
		registry:     b.registry,
		ingest:       b.ingest,
		source:       b.source,
		senderIdle:   b.senderIdle,
		receiverIdle: b.receiverIdle,
		writeTimeout: b.writeTimeout,
		logger:       b.logger,
		metrics:      b.metrics,
	}
	s.run(r.Context())
}
