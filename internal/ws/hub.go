// Package ws fans stream events out to kiosk displays over websockets.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"kiosk/internal/pipeline"
)

const sendBuffer = 32

// client is one websocket connection subscribed to a stream. Only its
// writePump writes to conn.
type client struct {
	streamID string
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub manages WebSocket connections per stream and implements
// pipeline.EventHandler.
type Hub struct {
	// clients maps stream_id -> set of connections
	clients map[string]map[*client]bool
	mu      sync.RWMutex
	logger  *log.Entry
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]bool),
		logger:  log.WithField("component", "ws"),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.streamID] == nil {
		h.clients[c.streamID] = make(map[*client]bool)
	}
	h.clients[c.streamID][c] = true
	h.logger.WithField("stream", c.streamID).Debugf("Client registered (total: %d)", len(h.clients[c.streamID]))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[c.streamID]; ok {
		if _, ok := conns[c]; !ok {
			return
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.streamID)
		}
		c.close()
		h.logger.WithField("stream", c.streamID).Debug("Client unregistered")
	}
}

// HasClients returns true if there are any clients connected for a stream
func (h *Hub) HasClients(streamID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[streamID]) > 0
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// OnEvent broadcasts a bus event to the stream's subscribers. It never
// blocks on a slow client; messages for a full client are dropped.
func (h *Hub) OnEvent(e pipeline.Event) {
	if !h.HasClients(e.StreamID) {
		return
	}

	msg := messageFor(e)
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to marshal message")
		return
	}
	h.Broadcast(e.StreamID, data)
}

// Broadcast sends a raw message to all clients subscribed to a stream
func (h *Hub) Broadcast(streamID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[streamID] {
		select {
		case c.send <- message:
		default:
			h.logger.WithField("stream", streamID).Debug("Client too slow, dropping message")
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conns := range h.clients {
		for c := range conns {
			c.close()
		}
		delete(h.clients, id)
	}
}

var _ pipeline.EventHandler = (*Hub)(nil)
