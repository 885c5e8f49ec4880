package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marko911/bridge-pulse/internal/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// ServerMessage is every frame the hub writes to a client.
type ServerMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// ClientMessage is every frame a client may send.
type ClientMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Keys   []string `json:"keys,omitempty"`
}

// Hub fans notifications out to connected WebSocket clients. It is a
// notify.Sink, so the engine's notifier drives it like any broker.
type Hub struct {
	logger         *slog.Logger
	allowedOrigins []string
	upgrader       websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	topics map[string]struct{}
	keys   map[string]struct{}
	closed bool
}

// NewHub creates a hub. An empty allowedOrigins accepts every origin.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:         logger.With("component", "websocket"),
		allowedOrigins: allowedOrigins,
		clients:        make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
		if strings.HasPrefix(allowed, "*.") &&
			strings.HasSuffix(strings.ToLower(origin), strings.ToLower(allowed[1:])) {
			return true
		}
	}
	h.logger.Warn("websocket connection rejected: origin not allowed", "origin", origin)
	return false
}

// HandleConnect upgrades the request. The topic and key query parameters
// (repeatable or comma separated) seed the client's filter.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: make(map[string]struct{}),
		keys:   make(map[string]struct{}),
	}
	q := r.URL.Query()
	c.subscribe(splitParams(q["topic"]), splitParams(q["key"]))

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info("websocket connected", "client_id", c.id)

	h.reply(c, "connected", map[string]any{
		"client_id": c.id,
		"topics":    c.topicList(),
		"keys":      c.keyList(),
	})

	go h.readPump(c)
	go h.writePump(c)
}

func splitParams(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Send delivers msg to every client whose filter matches. Slow clients
// whose buffer is full miss the message rather than stall the notifier.
func (h *Hub) Send(ctx context.Context, msg notify.Message) error {
	data, err := json.Marshal(ServerMessage{
		Type:      "notification",
		Timestamp: time.Now().UTC(),
		Data:      msg,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return errors.New("websocket hub closed")
	}
	for _, c := range h.clients {
		if !c.matches(msg) {
			continue
		}
		if !c.enqueue(data) {
			h.logger.Warn("client buffer full, dropping notification",
				"client_id", c.id,
				"topic", msg.Topic,
				"id", msg.ID,
			)
		}
	}
	return nil
}

// ActiveCount returns the number of connected clients.
func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		h.logger.Info("websocket disconnected", "client_id", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "client_id", c.id, "error", err)
			}
			return
		}
		h.handleMessage(c, raw)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleMessage(c *client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(c, "error", map[string]string{"message": "failed to parse message"})
		return
	}

	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.Topics, msg.Keys)
		h.reply(c, "subscribed", map[string]any{"topics": c.topicList(), "keys": c.keyList()})
	case "unsubscribe":
		c.unsubscribe(msg.Topics, msg.Keys)
		h.reply(c, "unsubscribed", map[string]any{"topics": c.topicList(), "keys": c.keyList()})
	case "ping":
		h.reply(c, "pong", nil)
	default:
		h.reply(c, "error", map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

func (h *Hub) reply(c *client, typ string, data any) {
	out, err := json.Marshal(ServerMessage{Type: typ, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		h.logger.Error("marshal reply", "error", err)
		return
	}
	c.enqueue(out)
}

// matches reports whether msg passes the client's filter. An empty topic
// or key set matches everything.
func (c *client) matches(msg notify.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.topics) > 0 {
		if _, ok := c.topics[msg.Topic]; !ok {
			return false
		}
	}
	if len(c.keys) > 0 {
		if _, ok := c.keys[msg.Key]; !ok {
			return false
		}
	}
	return true
}

func (c *client) subscribe(topics, keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	for _, k := range keys {
		c.keys[k] = struct{}{}
	}
}

func (c *client) unsubscribe(topics, keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, t)
	}
	for _, k := range keys {
		delete(c.keys, k)
	}
}

func (c *client) topicList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.topics)
}

func (c *client) keyList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.keys)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
