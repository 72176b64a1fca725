// internal/handler/handler_test.go
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sweep-service/internal/config"
	"sweep-service/internal/discovery"
	"sweep-service/internal/model"
	"sweep-service/internal/service"
	"sweep-service/internal/utils"
	"sweep-service/pkg/driver"
	"sweep-service/pkg/driver/drivertest"
)

type testEnv struct {
	router  *gin.Engine
	service *service.DeviceService
	fake    *drivertest.FakeDriver
	ws      *WebSocketHandler
}

type stubScanner struct {
	devices []*discovery.DiscoveredDevice
}

func (s *stubScanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	return s.devices, nil
}
func (s *stubScanner) GetScannerType() string { return "serial" }
func (s *stubScanner) IsAvailable() bool      { return true }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	device := &model.Device{DeviceID: "sweep-test", DeviceType: model.DeviceTypeLidar, Brand: model.BrandScanse, Model: "SWEEP"}
	fake := drivertest.NewFakeDriver(device.DeviceID)
	ds := service.NewDeviceService(device, fake, service.Options{ScanWaitTimeout: 50 * time.Millisecond}, logger)
	require.NoError(t, ds.Open(context.Background()))
	t.Cleanup(func() { ds.Close() })

	scanners := discovery.NewScannerManager(logger)
	scanners.RegisterScanner(&stubScanner{devices: []*discovery.DiscoveredDevice{
		{ConnectionType: model.ConnectionTypeSerial, Address: "/dev/ttyUSB0", Confidence: 0.8},
	}})

	cfg := &config.Config{App: config.AppConfig{Name: "sweep-service", Version: "test", Environment: "test"}}
	ws := NewWebSocketHandler(ds, []string{"*"}, logger)

	r := gin.New()
	NewHealthHandler(ds, cfg, logger).RegisterRoutes(&r.RouterGroup)
	api := r.Group("/api/v1")
	NewDeviceHandler(ds, logger).RegisterRoutes(api)
	NewDiscoveryHandler(scanners, logger).RegisterRoutes(api)
	ws.RegisterRoutes(r.Group("/ws"))

	return &testEnv{router: r, service: ds, fake: fake, ws: ws}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, utils.APIResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp utils.APIResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestDeviceHandler_Settings(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodPut, "/api/v1/device/sample-rate", map[string]int{"value": 750})
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := env.do(t, http.MethodGet, "/api/v1/device/sample-rate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 750, resp.Data.(map[string]interface{})["value"])

	w, resp = env.do(t, http.MethodPut, "/api/v1/device/sample-rate", map[string]int{"value": 600})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ARGUMENT", resp.Error.Code)

	w, _ = env.do(t, http.MethodPut, "/api/v1/device/motor-speed", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing value")

	w, _ = env.do(t, http.MethodPut, "/api/v1/device/motor-speed", map[string]int{"value": 0})
	assert.Equal(t, http.StatusOK, w.Code, "zero is a valid speed")

	w, resp = env.do(t, http.MethodGet, "/api/v1/device/motor-ready", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp.Data.(map[string]interface{})["ready"])
}

func TestDeviceHandler_Scanning(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodGet, "/api/v1/device/scans/next", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_SCANNING", resp.Error.Code)

	w, _ = env.do(t, http.MethodPost, "/api/v1/device/scanning/start", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// setters are refused while scanning
	w, _ = env.do(t, http.MethodPut, "/api/v1/device/motor-speed", map[string]int{"value": 3})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = env.do(t, http.MethodGet, "/api/v1/device/scans/next?timeout=10ms", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	w, _ = env.do(t, http.MethodGet, "/api/v1/device/scans/next?timeout=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, env.fake.Emit(driver.Sample{Angle: 5768, Distance: 1230, Strength: 90}))

	w, resp = env.do(t, http.MethodGet, "/api/v1/device/scans/next?timeout=1s", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.EqualValues(t, 0, data["sequence"])
	sample := data["samples"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "360.5", sample["angle"])
	assert.EqualValues(t, 1230, sample["distance"])

	w, _ = env.do(t, http.MethodPost, "/api/v1/device/scanning/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeviceHandler_FaultAndReopen(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodPost, "/api/v1/device/reset", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w, resp := env.do(t, http.MethodGet, "/api/v1/device/info", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "FAULTED", resp.Error.Code)

	w, _ = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/v1/device/reopen", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(t, http.MethodGet, "/api/v1/device/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SWEEP", resp.Data.(map[string]interface{})["model"])
}

func TestDeviceHandler_Status(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodGet, "/api/v1/device", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := resp.Data.(map[string]interface{})["status"].(map[string]interface{})
	assert.Equal(t, string(driver.StateIdle), status["state"])
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = env.do(t, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, env.service.Close())
	w, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w, _ = env.do(t, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDiscoveryHandler(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodGet, "/api/v1/discovery/ports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, resp.Data.(map[string]interface{})["devices_found"])

	w, _ = env.do(t, http.MethodGet, "/api/v1/discovery/ports?type=bluetooth", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodGet, "/api/v1/discovery/ports?timeout=-1s", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebSocketHandler_StreamsScans(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.ws.Run(ctx)

	server := httptest.NewServer(env.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/scans"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readMessage := func() WebSocketMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg WebSocketMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	assert.Equal(t, "status", readMessage().Type)

	require.NoError(t, env.service.StartScanning(context.Background()))
	require.NoError(t, env.fake.Emit(driver.Sample{Angle: 16, Distance: 500}))

	// a state change event precedes the scan
	var scan WebSocketMessage
	for i := 0; i < 5; i++ {
		if scan = readMessage(); scan.Type == "scan" {
			break
		}
	}
	require.Equal(t, "scan", scan.Type)
	data := scan.Data.(map[string]interface{})
	assert.EqualValues(t, 0, data["sequence"])

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping"}))
	for i := 0; i < 5; i++ {
		if readMessage().Type == "pong" {
			return
		}
	}
	t.Fatal("no pong")
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	changed := cm.Changed()

	client := &Client{ID: "a", Send: make(chan []byte, 1), Type: ClientTypeScans}
	cm.Register(client)

	select {
	case <-changed:
	default:
		t.Fatal("register did not signal")
	}

	assert.True(t, cm.Send(client, []byte("1")))
	assert.False(t, cm.Send(client, []byte("2")), "buffer full")
	assert.Len(t, cm.GetClients(ClientTypeScans), 1)
	assert.Empty(t, cm.GetClients(ClientTypeEvents))

	cm.Unregister(client)
	cm.Unregister(client)
	assert.False(t, cm.Send(client, []byte("3")))
	assert.Equal(t, 0, cm.GetStats().TotalConnections)
}
