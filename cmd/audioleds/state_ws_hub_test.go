package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"audioleds/internal/control"
	"audioleds/internal/dirty"
	"audioleds/internal/mode"
	"audioleds/internal/state"
)

// Hub tests use Clients with a nil websocket.Conn; the hub guards every
// conn.Close against nil, so no network I/O is needed.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(slog.Default(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func runHub(t *testing.T, hub *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for hub to stop")
		}
	})
}

func testClient(hub *Hub, name string, buf int, filter map[string]bool) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		filter:     filter,
		remoteAddr: name,
		logger:     slog.Default(),
	}
}

func registerClient(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func expectFrame(t *testing.T, c *Client, want []byte) {
	t.Helper()
	select {
	case got := <-c.send:
		if string(got) != string(want) {
			t.Fatalf("%s got %q, want %q", c.remoteAddr, got, want)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
	}
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	runHub(t, hub)

	c1 := testClient(hub, "c1", 4, nil)
	c2 := testClient(hub, "c2", 4, nil)
	registerClient(t, hub, c1)
	registerClient(t, hub, c2)

	msg := []byte(`{"type":"mode_changed","data":{"mode":"off","index":4}}`)

	// Straight into the channel; Broadcast may drop under scheduling pressure.
	hub.broadcast <- frame{resource: control.ResourceMode, msg: msg}

	expectFrame(t, c1, msg)
	expectFrame(t, c2, msg)
}

func TestHub_ResourceFilter(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	runHub(t, hub)

	colorOnly := testClient(hub, "color-only", 4, map[string]bool{control.ResourceColor: true})
	all := testClient(hub, "all", 4, nil)
	registerClient(t, hub, colorOnly)
	registerClient(t, hub, all)

	roomMsg := []byte(`{"type":"room_changed","data":{"room":"Kitchen"}}`)
	colorMsg := []byte(`{"type":"color_changed","data":{"color":"#ff0000"}}`)
	hub.broadcast <- frame{resource: control.ResourceRoom, msg: roomMsg}
	hub.broadcast <- frame{resource: control.ResourceColor, msg: colorMsg}

	expectFrame(t, all, roomMsg)
	expectFrame(t, all, colorMsg)
	// The room frame was skipped, so the first thing color-only sees is color.
	expectFrame(t, colorOnly, colorMsg)

	select {
	case got := <-colorOnly.send:
		t.Fatalf("color-only client got unexpected frame %q", got)
	default:
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	runHub(t, hub)

	slow := testClient(hub, "slow", 1, nil)
	fast := testClient(hub, "fast", 8, nil)
	registerClient(t, hub, slow)
	registerClient(t, hub, fast)

	// Simulate a stuck client.
	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"color_changed","data":{"color":"#00ff00"}}`)
	hub.broadcast <- frame{resource: control.ResourceColor, msg: msg}

	expectFrame(t, fast, msg)

	// Drain the pre-filled message, then the channel must be closed.
	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	hub.mu.Lock()
	n := len(hub.clients)
	hub.mu.Unlock()
	if n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}
}

func TestParseResourceFilter(t *testing.T) {
	f, err := parseResourceFilter("")
	if err != nil || f != nil {
		t.Fatalf("empty filter = %v, %v; want nil, nil", f, err)
	}

	f, err = parseResourceFilter(" Color, mode ,")
	if err != nil {
		t.Fatalf("parseResourceFilter: %v", err)
	}
	if len(f) != 2 || !f["color"] || !f["mode"] {
		t.Fatalf("filter = %v, want color+mode", f)
	}

	if _, err := parseResourceFilter("color,volume"); err == nil {
		t.Fatalf("expected error for unknown resource")
	}
}

func TestRunBroadcaster_CoalescesLevels(t *testing.T) {
	hub := newTestHub(t, 16, 16)
	runHub(t, hub)

	c := testClient(hub, "c", 16, nil)
	registerClient(t, hub, c)

	bus := newObserveBus(16, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBroadcaster(ctx, hub, bus.Events(), 40*time.Millisecond, slog.Default())
	}()
	defer func() {
		cancel()
		<-done
	}()

	for i := uint8(1); i <= 5; i++ {
		bus.PublishLevel(state.Color{R: i * 10}, 50, true)
	}

	var env struct {
		Type string      `json:"type"`
		Data wsLevelData `json:"data"`
	}
	select {
	case got := <-c.send:
		if err := json.Unmarshal(got, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for coalesced level")
	}
	if env.Type != "level_changed" {
		t.Fatalf("type = %q, want level_changed", env.Type)
	}
	if env.Data.R != 50 || env.Data.Intensity != 50 || !env.Data.Derived {
		t.Fatalf("level = %+v, want latest (r=50)", env.Data)
	}

	select {
	case got := <-c.send:
		t.Fatalf("expected a single coalesced frame, got extra %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunBroadcaster_ChangeFlushesPendingLevel(t *testing.T) {
	hub := newTestHub(t, 16, 16)
	runHub(t, hub)

	c := testClient(hub, "c", 16, nil)
	registerClient(t, hub, c)

	bus := newObserveBus(16, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Long window: only the mode change can flush the level in time.
		RunBroadcaster(ctx, hub, bus.Events(), time.Hour, slog.Default())
	}()
	defer func() {
		cancel()
		<-done
	}()

	bus.PublishLevel(state.Color{G: 7}, 100, true)
	bus.Publish(control.Change{
		Resource: control.ResourceMode,
		State:    state.Snapshot{Mode: mode.Off},
		At:       time.Now().UTC(),
	})

	var types []string
	for len(types) < 2 {
		select {
		case got := <-c.send:
			var env envelope
			if err := json.Unmarshal(got, &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			types = append(types, env.Type)
		case <-time.After(time.Second):
			t.Fatalf("timeout; got %v", types)
		}
	}
	if types[0] != "level_changed" || types[1] != "mode_changed" {
		t.Fatalf("order = %v, want [level_changed mode_changed]", types)
	}
}

func TestConvertChange(t *testing.T) {
	snap := state.Snapshot{
		Color:      state.Color{R: 0xff, G: 0x88},
		Mode:       mode.AudioFreq,
		Room:       "Kitchen",
		Thresholds: state.DefaultThresholds(),
	}
	for _, res := range control.Resources() {
		ev, ok := convertChange(control.Change{Resource: res, State: snap})
		if !ok {
			t.Fatalf("%s: not converted", res)
		}
		if ev.Type != res+"_changed" || ev.Resource != res {
			t.Fatalf("%s: event = %+v", res, ev)
		}
	}
	if _, ok := convertChange(control.Change{Resource: "volume"}); ok {
		t.Fatalf("unknown resource converted")
	}
}

func TestHandleStateWS_SendsStateInitFirst(t *testing.T) {
	dev := state.New(dirty.New())
	dev.Restore(state.Snapshot{
		Color:      state.Color{R: 1, G: 2, B: 3},
		Mode:       mode.Manual,
		Room:       "Hall",
		Thresholds: state.DefaultThresholds(),
	})
	srv := NewServer(slog.Default(), dev, nil, ServerConfig{})
	runHub(t, srv.Hub())

	mux := http.NewServeMux()
	srv.Register(mux, "/ws")
	ts := httptest.NewServer(mux)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?resource=mode"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var env struct {
		Type string      `json:"type"`
		Data wsStateData `json:"data"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read state_init: %v", err)
	}
	if env.Type != "state_init" {
		t.Fatalf("first frame = %q, want state_init", env.Type)
	}
	if env.Data.Room != "Hall" || env.Data.Color != "#010203" || env.Data.Mode != "manual" {
		t.Fatalf("state_init data = %+v", env.Data)
	}

	// Once registered, a mode frame reaches this client.
	waitUntil(t, time.Second, func() bool {
		h := srv.Hub()
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.clients) == 1
	}, "client not registered")
	srv.Hub().Broadcast(control.ResourceMode, []byte(`{"type":"mode_changed"}`))
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read mode_changed: %v", err)
	}
	if env.Type != "mode_changed" {
		t.Fatalf("second frame = %q, want mode_changed", env.Type)
	}
}

func TestHandleStateWS_RejectsUnknownFilter(t *testing.T) {
	srv := NewServer(slog.Default(), state.New(dirty.New()), nil, ServerConfig{})
	rec := httptest.NewRecorder()
	srv.handleStateWS(rec, httptest.NewRequest(http.MethodGet, "/ws?resource=volume", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
