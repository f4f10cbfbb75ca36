// Package main implements the entry point for the OpenFactory relay: a
// client-side multiplexer that holds one broker websocket per device
// and republishes everything on a single Server-Sent Events feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/camelia-d-e/openfactory-sdk/config"
	"github.com/camelia-d-e/openfactory-sdk/health"
	"github.com/camelia-d-e/openfactory-sdk/metric"
	"github.com/camelia-d-e/openfactory-sdk/relay"
)

const (
	Version = "1.0.0"
	appName = "openfactory-relay"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (JSON or YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("Starting OpenFactory relay",
		"version", Version,
		"config_path", *configPath,
		"broker", cfg.Relay.BrokerURL)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	var metricsRegistry *metric.MetricsRegistry
	if cfg.Metrics.Enabled {
		metricsRegistry = metric.NewMetricsRegistry()
		metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop(5 * time.Second) }()
	}

	healthMonitor := health.NewMonitor()

	relayCfg := relay.DefaultConstructorConfig()
	relayCfg.BrokerURL = cfg.Relay.BrokerURL
	relayCfg.Devices = cfg.Relay.Devices
	relayCfg.OutputQueueSize = cfg.Relay.OutputQueueSize
	relayCfg.IdleWindow = config.Duration(cfg.Relay.IdleWindow, 30*time.Second)
	relayCfg.MaxRetries = cfg.Relay.MaxRetries
	relayCfg.MetricsRegistry = metricsRegistry
	relayCfg.HealthMonitor = healthMonitor
	relayCfg.Logger = logger

	r, err := relay.New(relayCfg)
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}
	if err := r.Initialize(); err != nil {
		return fmt.Errorf("initialize relay: %w", err)
	}
	if err := r.Start(signalCtx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Relay.Port),
		Handler: withHealth(r.Handler(), healthMonitor),
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	slog.Info("OpenFactory relay started",
		"port", cfg.Relay.Port, "devices", len(r.Devices()))

	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case err := <-serverErr:
		slog.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}
	if err := r.Stop(*shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("OpenFactory relay shutdown complete")
	return nil
}

// withHealth mounts the health endpoint next to the relay routes.
func withHealth(handler http.Handler, monitor *health.Monitor) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("GET /healthz", monitor.Handler("relay"))
	return mux
}
