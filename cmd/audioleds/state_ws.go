package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"audioleds/internal/control"
	"audioleds/internal/metrics"
	"audioleds/internal/state"
)

// ============================================================================
// Observe WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// Clients connect to /ws, optionally with ?resource=color,mode, and receive:
//   - "state_init" with the full device state right after connecting
//   - "<resource>_changed" for every applied remote change
//   - "level_changed" for every color/intensity the audio pipeline drives,
//     coalesced latest-wins (belongs to the color resource)
//
// Messages are JSON text frames with an envelope: {type, ts, data}.
// Slow clients are disconnected when their send buffer fills.
// ============================================================================

type wsStateData struct {
	Room       string           `json:"room"`
	Color      string           `json:"color"`
	Mode       string           `json:"mode"`
	ModeIndex  uint8            `json:"mode_index"`
	Thresholds state.Thresholds `json:"thresholds"`
}

type wsRoomData struct {
	Room string `json:"room"`
}

type wsColorData struct {
	Color string `json:"color"`
	R     uint8  `json:"r"`
	G     uint8  `json:"g"`
	B     uint8  `json:"b"`
}

type wsModeData struct {
	Mode  string `json:"mode"`
	Index uint8  `json:"index"`
}

type wsLevelData struct {
	wsColorData
	Intensity uint8 `json:"intensity"`
	Derived   bool  `json:"derived"`
}

// observeEvent is a typed event waiting to be serialized.
type observeEvent struct {
	Type     string
	Resource string
	Data     any
	At       time.Time
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func colorData(c state.Color) wsColorData {
	return wsColorData{Color: c.String(), R: c.R, G: c.G, B: c.B}
}

func stateData(s state.Snapshot) wsStateData {
	return wsStateData{
		Room:       s.Room,
		Color:      s.Color.String(),
		Mode:       s.Mode.String(),
		ModeIndex:  uint8(s.Mode),
		Thresholds: s.Thresholds,
	}
}

// convertChange maps an applied remote change to its observe event.
func convertChange(c control.Change) (observeEvent, bool) {
	ev := observeEvent{Type: c.Resource + "_changed", Resource: c.Resource, At: c.At}
	switch c.Resource {
	case control.ResourceRoom:
		ev.Data = wsRoomData{Room: c.State.Room}
	case control.ResourceColor:
		ev.Data = colorData(c.State.Color)
	case control.ResourceMode:
		ev.Data = wsModeData{Mode: c.State.Mode.String(), Index: uint8(c.State.Mode)}
	case control.ResourceThresholds:
		ev.Data = c.State.Thresholds
	default:
		return observeEvent{}, false
	}
	return ev, true
}

// ============================================================================
// Bus
// ============================================================================

// observeBus collects events from the control surface and the audio
// pipeline. Publishing never blocks; events are dropped when the queue is
// full.
type observeBus struct {
	ch     chan observeEvent
	logger *slog.Logger
}

func newObserveBus(size int, logger *slog.Logger) *observeBus {
	return &observeBus{ch: make(chan observeEvent, size), logger: logger}
}

// Publish implements control.Publisher.
func (b *observeBus) Publish(c control.Change) {
	if ev, ok := convertChange(c); ok {
		b.push(ev)
	}
}

// PublishLevel implements audio.LevelPublisher.
func (b *observeBus) PublishLevel(c state.Color, intensity uint8, derived bool) {
	b.push(observeEvent{
		Type:     "level_changed",
		Resource: control.ResourceColor,
		Data:     wsLevelData{wsColorData: colorData(c), Intensity: intensity, Derived: derived},
		At:       time.Now().UTC(),
	})
}

func (b *observeBus) push(ev observeEvent) {
	select {
	case b.ch <- ev:
	default:
		b.logger.Debug("observe queue full, dropping event", "type", ev.Type)
	}
}

func (b *observeBus) Events() <-chan observeEvent { return b.ch }

// ============================================================================
// Hub
// ============================================================================

// frame is a serialized message plus the resource it belongs to.
type frame struct {
	resource string
	msg      []byte
}

type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	broadcast  chan frame
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan frame, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.Observers(n)
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case f := <-h.broadcast:
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(f.resource) {
					continue
				}
				select {
				case c.send <- f.msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		safeCloseChan(c.send)
		delete(h.clients, c)
	}
	h.metrics.Observers(0)
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		safeCloseChan(c.send)

		h.metrics.Observers(n)
		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// Broadcast enqueues a serialized frame for every client observing resource.
// It never blocks; if the hub queue is full the frame is dropped.
func (h *Hub) Broadcast(resource string, msg []byte) {
	select {
	case h.broadcast <- frame{resource: resource, msg: msg}:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	// filter limits the resources this client observes; nil means all.
	filter map[string]bool

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, filter map[string]bool, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		filter:     filter,
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) wants(resource string) bool {
	return c.filter == nil || c.filter[resource]
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("write", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("ping", err)
				return
			}
		}
	}
}

// readPump discards incoming messages to detect disconnects and handle
// control frames, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("read", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

func (c *Client) logExit(op string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws pump exiting (close)", "op", op, "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws pump exiting", "op", op, "remote_addr", c.remoteAddr, "error", err)
}

// ============================================================================
// HTTP Handler
// ============================================================================

type Server struct {
	logger *slog.Logger
	hub    *Hub
	dev    *state.Device
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the observe server. Call Register on a mux, start
// Hub().Run(ctx) and RunBroadcaster.
func NewServer(logger *slog.Logger, dev *state.Device, m *metrics.Metrics, cfg ServerConfig) *Server {
	logger = logger.With("component", "observe")
	hub := NewHub(logger, cfg.Hub)
	hub.metrics = m
	return &Server{logger: logger, hub: hub, dev: dev}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// parseResourceFilter reads ?resource=a,b. An empty value means all.
func parseResourceFilter(raw string) (map[string]bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	known := make(map[string]bool)
	for _, r := range control.Resources() {
		known[r] = true
	}
	filter := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if !known[name] {
			return nil, fmt.Errorf("unknown resource %q", name)
		}
		filter[name] = true
	}
	if len(filter) == 0 {
		return nil, nil
	}
	return filter, nil
}

// handleStateWS upgrades, queues state_init and registers the client.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	filter, err := parseResourceFilter(r.URL.Query().Get("resource"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, filter, s.logger)

	// state_init goes into the queue before registration so it is always
	// the first frame.
	now := time.Now().UTC()
	initMsg, err := json.Marshal(envelope{Type: "state_init", Ts: &now, Data: stateData(s.dev.Snapshot())})
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		_ = conn.Close()
		return
	}
	client.send <- initMsg
	s.hub.register <- client

	// The pumps outlive the request; the hub and socket errors end them.
	go client.writePump(context.Background())
	go client.readPump()
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster marshals bus events and hands them to the hub. level_changed
// events are flushed at most once per window, latest wins; any other event
// flushes the pending level first and goes out immediately.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan observeEvent, window time.Duration, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	var pending *observeEvent
	var timer *time.Timer
	var timerCh <-chan time.Time

	emit := func(ev observeEvent) {
		ts := ev.At
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		msg, err := json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.Broadcast(ev.Resource, msg)
	}

	flushPending := func() {
		if pending == nil {
			return
		}
		emit(*pending)
		pending = nil
	}

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerCh = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPending()
			stopTimer()
			return

		case <-timerCh:
			flushPending()
			stopTimer()

		case ev, ok := <-src:
			if !ok {
				flushPending()
				stopTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			if ev.Type == "level_changed" && window > 0 {
				e := ev
				pending = &e
				// The timer is not reset per update, so a steady stream
				// still flushes once per window.
				if timer == nil {
					timer = time.NewTimer(window)
					timerCh = timer.C
				}
				continue
			}

			flushPending()
			stopTimer()
			emit(ev)
		}
	}
}
