// Package websocket serves the live wiretap: a read-only stream of capture
// records pushed to every connected debug client.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/infrastructure/capture"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint is gated by wiretap.enabled and server auth; origin
	// checks add nothing for a localhost debug tool.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// tapFrame is the JSON frame sent per capture record. Payload is decoded
// as UTF-8 with replacement, capped the same way the on-disk log is.
type tapFrame struct {
	Direction string    `json:"direction"`
	Time      time.Time `json:"time"`
	Client    string    `json:"client,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Session   string    `json:"session"`
	Backend   string    `json:"backend,omitempty"`
	Model     string    `json:"model,omitempty"`
	Key       string    `json:"key,omitempty"`
	Payload   string    `json:"payload"`
}

const payloadCap = 64 * 1024

// Hub fans capture records out to connected wiretap clients. Slow clients
// are dropped rather than backpressuring the capture path.
type Hub struct {
	logger     *zap.Logger
	register   chan *client
	unregister chan *client
	frames     chan []byte

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.With(zap.String("component", "wiretap")),
		register:   make(chan *client),
		unregister: make(chan *client),
		frames:     make(chan []byte, 64),
		clients:    make(map[*client]struct{}),
	}
}

// Attach subscribes the hub to the recorder's broadcast tap.
func (h *Hub) Attach(rec *capture.Recorder) {
	rec.SetTap(h.Publish)
}

// Publish renders a record and queues it for broadcast. Called from the
// request path; it never blocks.
func (h *Hub) Publish(rec capture.Record) {
	h.mu.RLock()
	empty := len(h.clients) == 0
	h.mu.RUnlock()
	if empty {
		return
	}

	payload := rec.Payload
	truncated := false
	if len(payload) > payloadCap {
		payload = payload[:payloadCap]
		truncated = true
	}
	text := string(payload)
	if truncated {
		text += capture.TruncationMarker
	}
	frame, err := json.Marshal(tapFrame{
		Direction: string(rec.Direction),
		Time:      rec.Time,
		Client:    rec.Client,
		Agent:     rec.Agent,
		Session:   rec.Session,
		Backend:   rec.Backend,
		Model:     rec.Model,
		Key:       rec.KeyName,
		Payload:   text,
	})
	if err != nil {
		return
	}
	select {
	case h.frames <- frame:
	default:
	}
}

// Run drives registration and broadcast until ctx ends.
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
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("wiretap client connected", zap.Int("clients", h.clientCount()))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("wiretap client disconnected", zap.Int("clients", h.clientCount()))
		case frame := <-h.frames:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- frame:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the connection and attaches it to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wiretap upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client frames; the wiretap is one-way. It exists to
// notice the close handshake.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
