// Package main implements the entry point for the OpenFactory event
// broker: it bridges device events from NATS JetStream to viewer
// websockets with per-device fan-out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/camelia-d-e/openfactory-sdk/broker"
	"github.com/camelia-d-e/openfactory-sdk/config"
	"github.com/camelia-d-e/openfactory-sdk/health"
	"github.com/camelia-d-e/openfactory-sdk/metric"
	"github.com/camelia-d-e/openfactory-sdk/upstream"
)

const (
	Version = "1.0.0"
	appName = "openfactory-broker"
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

	slog.Info("Starting OpenFactory broker",
		"version", Version,
		"config_path", *configPath,
		"port", cfg.Broker.Port)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	source, err := connectUpstream(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = source.Close(closeCtx)
	}()

	var metricsRegistry *metric.MetricsRegistry
	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsRegistry = metric.NewMetricsRegistry()
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop(5 * time.Second) }()
	}

	healthMonitor := health.NewMonitor()

	brokerCfg := broker.DefaultConstructorConfig()
	brokerCfg.Port = cfg.Broker.Port
	brokerCfg.Source = source
	brokerCfg.AggregateDevice = cfg.Broker.AggregateDevice
	brokerCfg.PowerItems = cfg.Broker.PowerItems
	brokerCfg.DispatchInterval = config.Duration(cfg.Broker.DispatchInterval, 100*time.Millisecond)
	brokerCfg.SenderIdleTimeout = config.Duration(cfg.Broker.SenderIdleTimeout, time.Second)
	brokerCfg.ReceiverIdleTimeout = config.Duration(cfg.Broker.ReceiverIdleTimeout, 30*time.Second)
	brokerCfg.StatusLogInterval = config.Duration(cfg.Broker.StatusLogInterval, 30*time.Second)
	brokerCfg.InboundQueueSize = cfg.Broker.InboundQueueSize
	brokerCfg.OutboundQueueSize = cfg.Broker.OutboundQueueSize
	brokerCfg.MetricsRegistry = metricsRegistry
	brokerCfg.HealthMonitor = healthMonitor
	brokerCfg.Logger = logger

	b, err := broker.New(brokerCfg)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	if err := b.Initialize(); err != nil {
		return fmt.Errorf("initialize broker: %w", err)
	}
	if err := b.Start(signalCtx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	slog.Info("OpenFactory broker started", "port", cfg.Broker.Port)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := b.Stop(*shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("OpenFactory broker shutdown complete")
	return nil
}

// connectUpstream creates and connects the NATS-backed event source.
func connectUpstream(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*upstream.Client, error) {
	source, err := upstream.NewClient(cfg.NATS.URL,
		upstream.WithLogger(logger),
		upstream.WithClientName(cfg.NATS.ClientName),
		upstream.WithConnectTimeout(config.Duration(cfg.NATS.ConnectTimeout, 5*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := source.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return source, nil
}
