// Package ws implements the operational dashboard's push feed: a
// gorilla/websocket hub that broadcasts scheduler, relay and authority
// events to connected browsers. It is not the REST config API (out of
// scope) — only a read-only view onto what the daemon is doing,
// adapted from the teacher's internal/websocket.MonitorHub and
// internal/handlers/websocket.go upgrade handler.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is one push-feed message. Kind identifies the event family
// ("check_result", "relay_event", "authority_change", ...); Data is
// whatever payload that family carries.
type Event struct {
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Hub fans broadcast events out to every connected dashboard client.
// Unlike the teacher's MonitorHub, register/unregister are plain
// mutex-guarded methods rather than channel ops into Run's select
// loop; only Publish goes through the broadcast channel, which Run
// drains on its own goroutine.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	broadcast chan Event
	done      chan struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:       log,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 256),
		done:      make(chan struct{}),
	}
}

// Run drains the broadcast channel until Stop is called. Call it in
// its own goroutine at startup.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if err := c.WriteJSON(ev); err != nil {
					h.log.Debug("dashboard client write failed, dropping", zap.Error(err))
					c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Stop() { close(h.done) }

func (h *Hub) register(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("dashboard client connected", zap.Int("clients", n))
}

func (h *Hub) unregister(c *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("dashboard client disconnected", zap.Int("clients", n))
}

// Publish broadcasts an event, dropping it if the channel is full
// rather than blocking the caller (a scheduler or relay goroutine).
func (h *Hub) Publish(kind string, data interface{}) {
	select {
	case h.broadcast <- Event{Kind: kind, Timestamp: time.Now(), Data: data}:
	default:
		h.log.Warn("dashboard broadcast full, dropping event", zap.String("kind", kind))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and registers it with the hub.
// Mount it at /ws/dashboard.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("dashboard upgrade failed", zap.Error(err))
		return
	}
	h.register(conn)

	go func() {
		defer h.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Debug("dashboard connection error", zap.Error(err))
				}
				return
			}
		}
	}()
}
