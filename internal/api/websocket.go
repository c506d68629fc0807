package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-resdb/internal/resource"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound buffer when none is configured.
	wsSendBufferSize = 256
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
// Each path selects its own subtree; "*" selects everything.
type WSSubscribePayload struct {
	Paths []string `json:"paths"`
}

// ResourceEvent is the payload of an event message.
type ResourceEvent struct {
	Kind  string `json:"kind"`
	Path  string `json:"path"`
	ID    int64  `json:"id,omitempty"`
	Type  string `json:"type,omitempty"`
	Child string `json:"child,omitempty"`
	Value any    `json:"value,omitempty"`
	Time  string `json:"time"`
}

// Hub fans resource events out to WebSocket clients.
//
// It holds one recursive value registration and one recursive structure
// registration on the root. A client whose send buffer is full is
// disconnected rather than silently missing events.
type Hub struct {
	store   *resource.Store
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	sub      *resource.Subscriber
	regs     []*resource.Registration
	stopOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

// NewHub creates a new WebSocket hub over store.
func NewHub(store *resource.Store, cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Start registers the hub's listeners on the store root.
func (h *Hub) Start() error {
	h.sub = h.store.NewSubscriber(resource.ListenerFunc(h.handleEvent))

	reg, err := h.store.AddResourceListener("", h.sub, true)
	if err != nil {
		h.sub.Close()
		return err
	}
	h.regs = append(h.regs, reg)

	reg, err = h.store.AddStructureListener("", h.sub, true)
	if err != nil {
		h.store.Unregister(h.regs[0])
		h.sub.Close()
		return err
	}
	h.regs = append(h.regs, reg)
	return nil
}

// Run blocks until the context is cancelled, then stops the hub.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.Stop()
}

// Stop unregisters from the store and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		for _, reg := range h.regs {
			h.store.Unregister(reg)
		}
		if h.sub != nil {
			h.sub.Close()
		}
		h.closeAll()
	})
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Counts returns the number of event messages queued to clients and the
// number dropped because a client buffer was full.
func (h *Hub) Counts() (sent, dropped uint64) {
	return h.sent.Load(), h.dropped.Load()
}

// handleEvent runs on the hub's subscriber goroutine.
func (h *Hub) handleEvent(e resource.Event) {
	ev := ResourceEvent{
		Kind: e.Kind.String(),
		Path: e.Path,
		Time: e.Time.UTC().Format(time.RFC3339Nano),
	}
	if e.Node != nil {
		ev.ID = e.Node.ID()
		ev.Type = e.Node.Type().Name()
	}
	subject := e.Path
	if e.Child != nil {
		ev.Child = e.ChildPath()
		subject = ev.Child
	}
	if e.Kind == resource.ValueChanged {
		ev.Value = e.Value
	}
	h.Broadcast(subject, ev)
}

// Broadcast sends an event to all clients subscribed to path.
// Lock ordering: hub lock is acquired first, then released before per-client
// subscription checks. This avoids holding both hub and client locks simultaneously.
func (h *Hub) Broadcast(path string, ev ResourceEvent) {
	msg := WSMessage{
		Type:      WSTypeEvent,
		EventType: ev.Kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   ev,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "path", path, "error", err)
		return
	}

	// Snapshot client list under hub lock, then release before sending
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.isSubscribed(path) {
			continue
		}
		if client.trySend(data) {
			h.sent.Add(1)
			continue
		}
		h.dropped.Add(1)
		h.logger.Warn("websocket client too slow, disconnecting", "path", path)
		h.Unregister(client)
	}
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
// Initial subscriptions may be given as repeated path query parameters.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	size := s.wsCfg.SendBuffer
	if size <= 0 {
		size = wsSendBufferSize
	}
	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, size),
		subscriptions: make(map[string]struct{}),
	}
	for _, p := range r.URL.Query()["path"] {
		client.subscriptions[normalizePath(p)] = struct{}{}
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg, true)
	case WSTypeUnsubscribe:
		c.handleSubscribe(msg, false)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe adds or removes paths from the client's subscriptions.
func (c *WSClient) handleSubscribe(msg WSMessage, add bool) {
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid payload")
		return
	}

	var sub WSSubscribePayload
	if err := json.Unmarshal(payloadBytes, &sub); err != nil || len(sub.Paths) == 0 {
		c.sendError(msg.ID, "payload must list paths")
		return
	}

	c.mu.Lock()
	for _, p := range sub.Paths {
		if add {
			c.subscriptions[normalizePath(p)] = struct{}{}
		} else {
			delete(c.subscriptions, normalizePath(p))
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if add {
		key = "subscribed"
	}
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{key: sub.Paths})
}

// trySend queues data for the client. It reports false when the buffer is
// full. A send on a channel closed by a concurrent disconnect is absorbed
// and reported as sent.
func (c *WSClient) trySend(data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = true
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// isSubscribed reports whether path lies in one of the client's subtrees.
func (c *WSClient) isSubscribed(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.subscriptions["*"]; ok {
		return true
	}
	for p := range c.subscriptions {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// sendResponse sends a response message to the client.
// Routes through trySend to safely handle closed channels during shutdown.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

// normalizePath strips surrounding slashes; the root and "" become "*".
func normalizePath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "*"
	}
	return p
}
