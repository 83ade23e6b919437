package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"streamwatch/internal/notify"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local UI only; restrict when exposed
	},
}

// Hub fans alert events out to every connected WebSocket client. It is the
// in-process notify.Alerter; Redis pub/sub covers other subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*wsClient), logger: logger}
}

// Alert implements notify.Alerter. Slow clients are dropped, not waited on.
func (h *Hub) Alert(_ context.Context, ev notify.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("ws: client send buffer full, dropping event",
				zap.String("client_id", c.id), zap.String("event", ev.Type))
		}
	}
}

// ClientCount reports connected clients; used by /api/status consumers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("ws: client connected", zap.String("client_id", c.id))
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("ws: client disconnected", zap.String("client_id", c.id))
}

type wsClient struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan notify.Event
	logger *zap.Logger
}

// ServeWS upgrades the connection and runs the client pumps.
func (h *Hub) ServeWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("ws: upgrade failed", zap.Error(err))
			return
		}
		client := &wsClient{
			id:     uuid.New().String(),
			hub:    h,
			conn:   conn,
			send:   make(chan notify.Event, 64),
			logger: h.logger,
		}
		h.register(client)
		go client.writePump()
		client.readPump()
	}
}

// readPump discards inbound frames; the feed is one-way. It exists to notice
// closes and to answer pings.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("ws: write failed", zap.String("client_id", c.id), zap.Error(err))
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
