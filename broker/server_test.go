package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camelia-d-e/openfactory-sdk/upstream"
)

// catalogQueries mirrors the registry's statement templates so tests can
// seed the mock's canned results.
const (
	testDevicesQuery = "SELECT ASSET_UUID FROM assets_type WHERE TYPE = 'Device';"

	testDataItemsQueryFmt = "SELECT ID, VALUE FROM assets " +
		"WHERE ASSET_UUID = '%s' AND TYPE IN ('Events', 'Condition') " +
		"AND VALUE != 'UNAVAILABLE';"

	testDurationsQuery = "SELECT IVAC_POWER_KEY, TOTAL_DURATION_SEC " +
		"FROM ivac_power_state_totals;"
)

func seedCatalog(mock *upstream.Mock) {
	mock.QueryResults[testDevicesQuery] = &upstream.Result{Rows: []upstream.Row{
		{"ASSET_UUID": "IVAC"},
		{"ASSET_UUID": "PRESS-1"},
	}}
	mock.QueryResults[fmt.Sprintf(testDataItemsQueryFmt, "IVAC")] = &upstream.Result{
		Rows: []upstream.Row{
			{"ID": "A1ToolPlus", "VALUE": "ACTIVE"},
			{"ID": "A2ToolPlus", "VALUE": "READY"},
		},
	}
	mock.QueryResults[testDurationsQuery] = &upstream.Result{Rows: []upstream.Row{
		{"IVAC_POWER_KEY": "A1ToolPlus_ON", "TOTAL_DURATION_SEC": 120.5},
		{"IVAC_POWER_KEY": "A2ToolPlus_ON", "TOTAL_DURATION_SEC": 30.0},
	}}
}

func newTestBroker(t *testing.T, mock *upstream.Mock) *Broker {
	t.Helper()

	cfg := DefaultConstructorConfig()
	cfg.Source = mock
	cfg.DispatchInterval = 5 * time.Millisecond
	b, err := New(cfg)
	require.NoError(t, err)
	return b
}

func dialWS(t *testing.T, httpURL, path string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

// readWSFrame reads one frame, failing the test if none arrives in time.
func readWSFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readWSFrameOfType skips heartbeat pings until the wanted event arrives.
func readWSFrameOfType(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readWSFrame(t, conn)
		if frame["event"] == event {
			return frame
		}
	}
	t.Fatalf("no %s frame received", event)
	return nil
}

func TestListDevicesEndpoint(t *testing.T) {
	mock := upstream.NewMock()
	seedCatalog(mock)
	b := newTestBroker(t, mock)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/devices")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Devices []struct {
			DeviceUUID  string `json:"device_uuid"`
			Connections int    `json:"connections"`
		} `json:"devices"`
		TotalDevices int `json:"total_devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, 2, body.TotalDevices)
	require.Len(t, body.Devices, 2)
	assert.Equal(t, "IVAC", body.Devices[0].DeviceUUID)
	assert.Equal(t, 0, body.Devices[0].Connections)
}

func TestDataItemsEndpoint(t *testing.T) {
	mock := upstream.NewMock()
	seedCatalog(mock)
	b := newTestBroker(t, mock)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/devices/IVAC/dataitems")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		DeviceUUID string            `json:"device_uuid"`
		DataItems  map[string]string `json:"data_items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "IVAC", body.DeviceUUID)
	assert.Equal(t, map[string]string{
		"A1ToolPlus": "ACTIVE",
		"A2ToolPlus": "READY",
	}, body.DataItems)
}

func TestDurationsEndpoint(t *testing.T) {
	mock := upstream.NewMock()
	seedCatalog(mock)
	b := newTestBroker(t, mock)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/devices/IVAC/durations")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		DeviceUUID string             `json:"device_uuid"`
		Durations  map[string]float64 `json:"durations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "IVAC", body.DeviceUUID)
	assert.Equal(t, 120.5, body.Durations["A1ToolPlus_ON"])
}

func TestDurationsEndpointNonAggregateDevice(t *testing.T) {
	mock := upstream.NewMock()
	seedCatalog(mock)
	b := newTestBroker(t, mock)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/devices/PRESS-1/durations")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Durations map[string]float64 `json:"durations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Durations)
}

func TestDevicesSocketSendsList(t *testing.T) {
	mock := upstream.NewMock()
	seedCatalog(mock)
	b := newTestBroker(t, mock)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	// A live viewer on IVAC should be reflected in its connection count.
	viewer := dialWS(t, srv.URL, "/ws/devices/IVAC")
	defer func() { _ = viewer.Close() }()
	readWSFrameOfType(t, viewer, EventConnectionEstablished)

	conn := dialWS(t, srv.URL, "/ws/devices")
	defer func() { _ = conn.Close() }()

	frame := readWSFrame(t, conn)
	assert.Equal(t, EventDevicesList, frame["event"])

	ts, ok := frame["timestamp"].(float64)
	require.True(t, ok)
	assert.Greater(t, ts, 0.0)

	devices, ok := frame["devices"].([]any)
	require.True(t, ok)
	require.Len(t, devices, 2)

	first, ok := devices[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "IVAC", first["device_uuid"])
	items, ok := first["dataitems"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ACTIVE", items["A1ToolPlus"])

	assert.Equal(t, 1.0, first["connections"])

	second, ok := devices[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.0, second["connections"])
}

func TestDeviceSocketHandshake(t *testing.T) {
	mock := upstream.NewMock()
	seedCatalog(mock)
	b := newTestBroker(t, mock)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws/devices/IVAC")
	defer func() { _ = conn.Close() }()

	frame := readWSFrame(t, conn)
	assert.Equal(t, EventConnectionEstablished, frame["event"])
	assert.Equal(t, "IVAC", frame["device_uuid"])
	assert.Equal(t, float64(1), frame["connection_count"])

	items, ok := frame["data_items"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ACTIVE", items["A1ToolPlus"])

	// The handshake attaches the device's upstream adapter.
	assert.True(t, mock.HasFeed("IVAC"))
	assert.Equal(t, 1, mock.SubscriberCount("IVAC"))
}

func TestDeviceSocketStreamsEvents(t *testing.T) {
	mock := upstream.NewMock()
	seedCatalog(mock)
	b := newTestBroker(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.dispatcher.Start(ctx)
	defer b.dispatcher.Stop(time.Second)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws/devices/PRESS-1")
	defer func() { _ = conn.Close() }()

	frame := readWSFrame(t, conn)
	require.Equal(t, EventConnectionEstablished, frame["event"])

	mock.Emit("PRESS-1", upstream.RawEvent{ID: "ToolState", Value: "ACTIVE"})

	change := readWSFrameOfType(t, conn, EventDeviceChange)
	assert.Equal(t, "PRESS-1", change["device_uuid"])
	data, ok := change["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ToolState", data["id"])
	assert.Equal(t, "ACTIVE", data["value"])
	assert.Equal(t, "PRESS-1", data["device_uuid"])
}

func TestDeviceSocketFansOutToAllViewers(t *testing.T) {
	mock := upstream.NewMock()
	seedCatalog(mock)
	b := newTestBroker(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.dispatcher.Start(ctx)
	defer b.dispatcher.Stop(time.Second)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	first := dialWS(t, srv.URL, "/ws/devices/PRESS-1")
	defer func() { _ = first.Close() }()
	second := dialWS(t, srv.URL, "/ws/devices/PRESS-1")
	defer func() { _ = second.Close() }()

	require.Equal(t, EventConnectionEstablished, readWSFrame(t, first)["event"])
	handshake := readWSFrame(t, second)
	require.Equal(t, EventConnectionEstablished, handshake["event"])
	assert.Equal(t, float64(2), handshake["connection_count"])

	mock.Emit("PRESS-1", upstream.RawEvent{ID: "ToolState", Value: "STOPPED"})

	for _, conn := range []*websocket.Conn{first, second} {
		change := readWSFrameOfType(t, conn, EventDeviceChange)
		data, ok := change["data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "STOPPED", data["value"])
	}
}

func TestDeviceSocketCommandRoundTrip(t *testing.T) {
	mock := upstream.NewMock()
	seedCatalog(mock)
	b := newTestBroker(t, mock)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws/devices/IVAC")
	defer func() { _ = conn.Close() }()

	require.Equal(t, EventConnectionEstablished, readWSFrame(t, conn)["event"])

	cmd := `{"method":"simulation_mode","params":{"name":"SimulationMode","args":false}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))

	ack := readWSFrameOfType(t, conn, EventSimulationModeUpdated)
	assert.Equal(t, true, ack["success"])
	assert.Equal(t, "false", ack["value"])

	cmds := mock.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, upstream.MockCommand{Name: "SimulationMode", Args: "false"}, cmds[0])
}

func TestDeviceSocketRequiresDeviceID(t *testing.T) {
	mock := upstream.NewMock()
	b := newTestBroker(t, mock)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/devices/"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
}

func TestBrokerLifecycle(t *testing.T) {
	mock := upstream.NewMock()
	seedCatalog(mock)

	cfg := DefaultConstructorConfig()
	cfg.Source = mock
	cfg.Port = 18472
	cfg.DispatchInterval = 5 * time.Millisecond
	b, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, b.Initialize())
	require.NoError(t, b.Start(context.Background()))
	// Second start is a no-op.
	require.NoError(t, b.Start(context.Background()))

	health := b.Health()
	assert.True(t, health.Healthy)

	require.NoError(t, b.Stop(2*time.Second))
	assert.False(t, b.Health().Healthy)
	// Second stop is a no-op.
	require.NoError(t, b.Stop(2*time.Second))
}

func TestBrokerInitializeRejectsBadPort(t *testing.T) {
	mock := upstream.NewMock()
	cfg := DefaultConstructorConfig()
	cfg.Source = mock
	cfg.Port = -1
	b, err := New(cfg)
	require.NoError(t, err)

	assert.Error(t, b.Initialize())
}

func TestNewRequiresSource(t *testing.T) {
	cfg := DefaultConstructorConfig()
	_, err := New(cfg)
	assert.Error(t, err)
}
