package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event is one message on the live feed.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const (
	EventStation   = "station"
	EventBroadcast = "broadcast"
	EventReply     = "reply"
)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Event
}

// Hub fans events out to every connected websocket client. Clients that fall behind are
// disconnected.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *zap.SugaredLogger

	mu    sync.RWMutex
	count int
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.setCount(0)
			return
		case c := <-h.register:
			h.clients[c] = true
			h.setCount(len(h.clients))
			h.logger.Debugf("websocket client connected, %d total", len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.setCount(len(h.clients))
			}
		case ev := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.setCount(len(h.clients))
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Publish queues an event for every client. It never blocks; when the hub is backed up
// the event is dropped.
func (h *Hub) Publish(eventType string, payload any) {
	select {
	case h.broadcast <- Event{Type: eventType, Payload: payload}:
	default:
		h.logger.Warnf("websocket hub backed up, dropping %s event", eventType)
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade: %v", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan Event, 256)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump only exists to process pongs and notice the peer going away.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
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
