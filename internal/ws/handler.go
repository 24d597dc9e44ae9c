package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024, // activity messages carry JPEG thumbnails
	CheckOrigin: func(r *http.Request) bool {
		// Kiosk displays are served from other origins
		return true
	},
}

// PathPrefix is where Handler is mounted.
const PathPrefix = "/ws/streams/"

// Handler handles WebSocket connections for live tracks and activity
type Handler struct {
	hub *Hub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles WebSocket upgrade requests
// Expected URL format: /ws/streams/{stream_id}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streamID := strings.Trim(strings.TrimPrefix(r.URL.Path, PathPrefix), "/")
	if streamID == "" || strings.Contains(streamID, "/") {
		http.Error(w, "stream_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.WithError(err).Warn("Upgrade failed")
		return
	}

	h.hub.logger.WithField("stream", streamID).Infof("New connection from %s", r.RemoteAddr)

	c := &client{
		streamID: streamID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
	h.hub.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

// readPump reads messages from the WebSocket connection
// This keeps the connection alive and handles client disconnection
func (h *Handler) readPump(c *client) {
	defer func() {
		h.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512) // Small limit since client shouldn't send much
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Read loop - mainly to detect disconnection
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.WithField("stream", c.streamID).WithError(err).Debug("Read error")
			}
			return
		}
	}
}

// writePump is the only writer on the connection: queued messages and pings.
func (h *Handler) writePump(c *client) {
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.hub.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.unregister(c)
				return
			}
		}
	}
}
