// Package wshub streams JSON messages to websocket clients.
package wshub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/logfields"
)

const loggerName = "wshub"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
	readLimit      = 512
)

// Hub manages websocket clients and broadcasts messages to all of them.
// Clients are not expected to send anything, messages they send are
// discarded.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		logger:  zap.L().Named(loggerName),
		clients: map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Broadcast marshals v to JSON and sends it to all connected clients.
// Clients whose send buffer is full are disconnected.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(
			"marshaling websocket message failed",
			logfields.Event("ws_message_marshaling_failed"),
			zap.Error(err),
		)
		return
	}

	var slow []*client

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Info(
			"disconnecting websocket client, send buffer is full",
			logfields.Event("ws_client_too_slow"),
			zap.String("remote_addr", c.remoteAddr),
		)
		h.removeClient(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Close disconnects all clients, connections that are upgraded afterwards
// are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) addClient(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.clients[c] = struct{}{}

	return true
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.clients[c]; exists {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeWS upgrades the http connection to a websocket connection and
// registers it as client.
func (h *Hub) ServeWS(resp http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(resp, req, nil)
	if err != nil {
		h.logger.Info(
			"upgrading connection to websocket failed",
			logfields.Event("ws_upgrade_failed"),
			zap.String("remote_addr", req.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	c := client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		remoteAddr: req.RemoteAddr,
	}

	if !h.addClient(&c) {
		_ = conn.Close()
		return
	}

	h.logger.Debug(
		"websocket client connected",
		logfields.Event("ws_client_connected"),
		zap.String("remote_addr", c.remoteAddr),
	)

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}

// readPump only detects disconnects and processes control messages.
func (c *client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.hub.logger.Debug(
				"websocket client disconnected",
				logfields.Event("ws_client_disconnected"),
				zap.String("remote_addr", c.remoteAddr),
				zap.Error(err),
			)
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
