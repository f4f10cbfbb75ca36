package broker

import (
	"encoding/json"
	"time"
)

// Frame event discriminators. Every server-to-client message carries one
// in its "event" field.
const (
	EventConnectionEstablished = "connection_established"
	EventDeviceChange          = "device_change"
	EventDevicesList           = "devices_list"
	EventPing                  = "ping"
	EventError                 = "error"
	EventSimulationModeUpdated = "simulation_mode_updated"
	EventStreamDropped         = "stream_dropped"
)

// Client command methods accepted on a device session. Feed teardown
// arrives in either envelope shape: `{method:"drop"}` or
// `{action:"drop", asset_uuid}`.
const (
	MethodSimulationMode = "simulation_mode"
	MethodDrop           = "drop"
	ActionDrop           = "drop"
)

// timestamp returns the wall clock as fractional Unix seconds, the
// timestamp convention used on all frames.
func timestamp() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// ConnectionEstablishedFrame is the handshake sent when a viewer attaches
// to a device.
type ConnectionEstablishedFrame struct {
	Event           string            `json:"event"`
	DeviceUUID      string            `json:"device_uuid"`
	Timestamp       float64           `json:"timestamp"`
	DataItems       map[string]string `json:"data_items"`
	ConnectionCount int               `json:"connection_count"`
}

// DeviceChangeFrame carries one device event to viewers.
type DeviceChangeFrame struct {
	Event      string         `json:"event"`
	DeviceUUID string         `json:"device_uuid"`
	Timestamp  float64        `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

// DeviceSummary is one device's entry in the devices list frame.
type DeviceSummary struct {
	DeviceUUID  string             `json:"device_uuid"`
	DataItems   map[string]string  `json:"dataitems"`
	Durations   map[string]float64 `json:"durations"`
	Connections int                `json:"connections"`
}

// DevicesListFrame is the initial frame on the devices-list socket.
type DevicesListFrame struct {
	Event     string          `json:"event"`
	Timestamp float64         `json:"timestamp"`
	Devices   []DeviceSummary `json:"devices"`
}

// PingFrame is the heartbeat sent when a session has been idle.
type PingFrame struct {
	Event     string  `json:"event"`
	Timestamp float64 `json:"timestamp"`
}

// ErrorFrame reports a recoverable session error to the client.
type ErrorFrame struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// SimulationModeUpdatedFrame acknowledges a simulation_mode command.
type SimulationModeUpdatedFrame struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Value   string `json:"value"`
}

// StreamDroppedFrame acknowledges a drop command.
type StreamDroppedFrame struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
}

// CommandParams carries a command's target method name and argument.
type CommandParams struct {
	Name string `json:"name"`
	Args any    `json:"args"`
}

// CommandFrame is the client-to-server command envelope.
type CommandFrame struct {
	Method    string        `json:"method"`
	Action    string        `json:"action"`
	AssetUUID string        `json:"asset_uuid"`
	Params    CommandParams `json:"params"`
}

func newPingFrame() PingFrame {
	return PingFrame{Event: EventPing, Timestamp: timestamp()}
}

func newDeviceChangeFrame(deviceID string, data map[string]any) DeviceChangeFrame {
	return DeviceChangeFrame{
		Event:      EventDeviceChange,
		DeviceUUID: deviceID,
		Timestamp:  timestamp(),
		Data:       data,
	}
}

// mustMarshal encodes a frame built from known types; an encoding failure
// here is a programming error, so fall back to an empty object rather
// than panic in a serving path.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
