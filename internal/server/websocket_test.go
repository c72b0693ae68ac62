package server_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"geotrack/internal/device"
	"geotrack/internal/server"
	"geotrack/internal/store"
)

// testStack is the full wiring behind an httptest server: hub loop
// running, tracker, memory store, chi routes.
type testStack struct {
	hub *server.Hub
	st  store.Store
	srv *httptest.Server
}

func startStack(t *testing.T) *testStack {
	t.Helper()

	st := store.NewMemoryStore()
	hub := server.NewHub()
	tracker := server.NewTracker(device.NewRegistry(), st, hub, time.Second)
	handler := server.NewHandler(hub, tracker, st, testConfig())

	go hub.Run()
	srv := httptest.NewServer(handler.Routes())

	t.Cleanup(func() {
		srv.Close()
		if err := hub.Shutdown(2 * time.Second); err != nil {
			t.Errorf("hub shutdown: %v", err)
		}
	})

	return &testStack{hub: hub, st: st, srv: srv}
}

func (s *testStack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

func (s *testStack) waitForClients(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.hub.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", s.hub.ClientCount(), n)
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	payload, err := json.Marshal(server.Envelope{Event: event, Data: raw})
	if err != nil {
		t.Fatalf("marshal %s envelope: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) server.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var env server.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", raw, err)
	}
	return env
}

func decodeDeviceList(t *testing.T, env server.Envelope) []device.Device {
	t.Helper()
	if env.Event != server.EventDeviceList {
		t.Fatalf("event = %q, want %q", env.Event, server.EventDeviceList)
	}
	var devices []device.Device
	if err := json.Unmarshal(env.Data, &devices); err != nil {
		t.Fatalf("decode device list: %v", err)
	}
	return devices
}

// TestLocationBroadcastLifecycle walks the full protocol over a real
// WebSocket: one connection registers as a device and reports a
// location, a second connection merely observes. Both see every
// broadcast; the disconnect announces the device but keeps its record
// visible over REST.
func TestLocationBroadcastLifecycle(t *testing.T) {
	stack := startStack(t)

	phone := stack.dial(t)
	observer := stack.dial(t)
	defer observer.Close()
	stack.waitForClients(t, 2)

	sendEvent(t, phone, server.EventRegisterDevice, server.RegisterPayload{DeviceID: "x1", Name: "Phone"})

	for _, conn := range []*websocket.Conn{phone, observer} {
		list := decodeDeviceList(t, readEvent(t, conn))
		if len(list) != 1 || list[0].ID != "x1" || list[0].Name != "Phone" {
			t.Fatalf("device list after registration = %+v", list)
		}
		if list[0].LastLocation != nil {
			t.Fatalf("LastLocation = %+v before any report", list[0].LastLocation)
		}
	}

	sendEvent(t, phone, server.EventSendLocation, map[string]float64{"latitude": 37.0, "longitude": -122.0})

	env := readEvent(t, observer)
	if env.Event != server.EventLocationUpdate {
		t.Fatalf("event = %q, want %q", env.Event, server.EventLocationUpdate)
	}
	var update device.LocationUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatalf("decode locationUpdate: %v", err)
	}
	if update.DeviceID != "x1" || update.Latitude != 37.0 || update.Longitude != -122.0 {
		t.Fatalf("locationUpdate = %+v", update)
	}

	list := decodeDeviceList(t, readEvent(t, observer))
	if list[0].LastLocation == nil || list[0].LastLocation.Latitude != 37.0 {
		t.Fatalf("list after report = %+v", list)
	}

	// Drain the phone's copies of the two broadcasts before closing it.
	readEvent(t, phone)
	readEvent(t, phone)
	phone.Close()

	list = decodeDeviceList(t, readEvent(t, observer))
	if len(list) != 1 || list[0].ConnectionID != "" {
		t.Fatalf("list after disconnect = %+v, want x1 retained with cleared connection", list)
	}
	if list[0].LastLocation == nil {
		t.Fatal("last location lost on disconnect")
	}

	env = readEvent(t, observer)
	if env.Event != server.EventDeviceDisconnected {
		t.Fatalf("event = %q, want %q", env.Event, server.EventDeviceDisconnected)
	}
	var gone string
	if err := json.Unmarshal(env.Data, &gone); err != nil {
		t.Fatalf("decode deviceDisconnected: %v", err)
	}
	if gone != "x1" {
		t.Fatalf("deviceDisconnected = %q, want x1", gone)
	}

	// The record survives over REST with the last-known location.
	resp, err := http.Get(stack.srv.URL + "/api/devices")
	if err != nil {
		t.Fatalf("GET /api/devices: %v", err)
	}
	defer resp.Body.Close()
	var devices []device.Device
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatalf("decode REST listing: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "x1" || devices[0].LastLocation == nil {
		t.Fatalf("REST listing after disconnect = %+v", devices)
	}
}

// TestUnknownEventIgnored: an unrecognized event neither kills the
// connection nor produces a broadcast.
func TestUnknownEventIgnored(t *testing.T) {
	stack := startStack(t)

	conn := stack.dial(t)
	defer conn.Close()
	stack.waitForClients(t, 1)

	sendEvent(t, conn, "selfDestruct", map[string]string{"mode": "now"})

	// The connection still works: a registration right after is applied
	// and broadcast.
	sendEvent(t, conn, server.EventRegisterDevice, server.RegisterPayload{DeviceID: "x9"})
	list := decodeDeviceList(t, readEvent(t, conn))
	if len(list) != 1 || list[0].ID != "x9" {
		t.Fatalf("device list = %+v, want just x9", list)
	}
}

// TestMalformedPayloadDropped: garbage bytes and a bad registration
// payload are dropped without a reply or a broadcast.
func TestMalformedPayloadDropped(t *testing.T) {
	stack := startStack(t)

	conn := stack.dial(t)
	defer conn.Close()
	stack.waitForClients(t, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	sendEvent(t, conn, server.EventRegisterDevice, server.RegisterPayload{Name: "no id"})

	sendEvent(t, conn, server.EventRegisterDevice, server.RegisterPayload{DeviceID: "ok"})
	list := decodeDeviceList(t, readEvent(t, conn))
	if len(list) != 1 || list[0].ID != "ok" {
		t.Fatalf("device list = %+v, want just the valid registration", list)
	}
}
