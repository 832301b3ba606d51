// Package websocket streams observatory events and status snapshots to
// local dashboard clients.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nightwatch-obs/nightwatch/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The status server binds to localhost; cross-origin browsers on the
	// LAN are the expected clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Message is one frame pushed to a dashboard client.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans events out to connected clients. New clients receive a welcome
// frame with the current status snapshot.
type Hub struct {
	log      zerolog.Logger
	getState func() any

	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	mu      sync.RWMutex
	clients map[*client]bool
}

func NewHub(getState func() any, log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "websocket").Logger(),
		getState:   getState,
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
	}
}

// AttachBus forwards every bus event to connected clients.
func (h *Hub) AttachBus(bus *events.Bus) {
	bus.SubscribeAll(func(ev events.Event) {
		h.Broadcast(Message{Type: "event", Data: ev})
	})
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Info().Str("client", c.id).Msg("Dashboard client connected")
			h.sendWelcome(c)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Info().Str("client", c.id).Msg("Dashboard client disconnected")

		case raw := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()
			for _, c := range targets {
				select {
				case c.send <- raw:
				default:
					// Slow consumer; drop it rather than stall the hub.
					h.mu.Lock()
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// Broadcast queues a frame for all clients.
func (h *Hub) Broadcast(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("Frame marshal failed")
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		h.log.Warn().Msg("Broadcast backlog full, dropping frame")
	}
}

// ClientCount reports connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) sendWelcome(c *client) {
	var state any
	if h.getState != nil {
		state = h.getState()
	}
	raw, err := json.Marshal(Message{Type: "welcome", Data: state})
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

// ServeHTTP upgrades the request and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		id:   uuid.New().String()[:8],
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Clients only listen; any inbound frame just refreshes liveness.
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
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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
