package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8000, cfg.Broker.Port)
	assert.Equal(t, "IVAC", cfg.Broker.AggregateDevice)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{
		"nats": {"url": "nats://nats:4222"},
		"broker": {"port": 9001, "aggregate_device": "CNC"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, 9001, cfg.Broker.Port)
	assert.Equal(t, "CNC", cfg.Broker.AggregateDevice)
	// Untouched sections keep their defaults.
	assert.Equal(t, "100ms", cfg.Broker.DispatchInterval)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := "nats:\n  url: nats://other:4222\nrelay:\n  broker_url: ws://broker:8000\n  devices: [IVAC, CNC]\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://other:4222", cfg.NATS.URL)
	assert.Equal(t, "ws://broker:8000", cfg.Relay.BrokerURL)
	assert.Equal(t, []string{"IVAC", "CNC"}, cfg.Relay.Devices)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENFACTORY_NATS_URL", "nats://env:4222")
	t.Setenv("OPENFACTORY_BROKER_PORT", "8123")
	t.Setenv("OPENFACTORY_RELAY_DEVICES", "IVAC,WTVB01")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 8123, cfg.Broker.Port)
	assert.Equal(t, []string{"IVAC", "WTVB01"}, cfg.Relay.Devices)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Broker.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Broker.DispatchInterval = "soon"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.NATS.URL = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Relay.OutputQueueSize = -1
	assert.Error(t, cfg.Validate())
}

func TestDurationHelper(t *testing.T) {
	assert.Equal(t, time.Second, Duration("1s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("bogus", time.Minute))
}
