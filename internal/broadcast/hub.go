// Package broadcast delivers coordinator push messages to UI surfaces:
// websocket clients of the daemon and, optionally, a NATS subject.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/nfcbridge/internal/api"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

// RequestHandler answers UI requests that arrive over a socket.
type RequestHandler func(ctx context.Context, req api.ActionRequest) (api.ActionReply, error)

// SnapshotFunc returns the message a new client receives first.
type SnapshotFunc func(ctx context.Context) (api.PushMessage, bool)

// Hub fans push messages out to websocket clients. Broadcast never blocks:
// a client whose queue is full misses the message.
type Hub struct {
	log      *slog.Logger
	handle   RequestHandler
	snapshot SnapshotFunc
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	dropped atomic.Int64
}

func NewHub(log *slog.Logger, handle RequestHandler, snapshot SnapshotFunc) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		handle:   handle,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon only listens on a unix socket.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// trySend queues data without blocking.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
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

func (h *Hub) Broadcast(msg api.PushMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal push message", "action", msg.Action, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.trySend(data) {
			h.dropped.Add(1)
			h.log.Debug("dropped push message for slow client", "action", msg.Action)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts messages not delivered to a full client queue.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendQueueSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("push client attached", "clients", count)

	if h.snapshot != nil {
		if msg, ok := h.snapshot(r.Context()); ok {
			if data, err := json.Marshal(msg); err == nil {
				c.trySend(data)
			}
		}
	}

	go c.writePump()
	c.readPump()
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.log.Debug("push client detached", "clients", count)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *client) readPump() {
	defer c.hub.remove(c)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("push client read error", "error", err)
			}
			return
		}
		c.handleRequest(data)
	}
}

func (c *client) handleRequest(data []byte) {
	var req api.SocketRequest
	reply := api.SocketReply{Action: api.PushReply}
	if err := json.Unmarshal(data, &req); err != nil || req.Action == "" {
		reply.Error = "invalid request"
	} else if c.hub.handle == nil {
		reply.ID = req.ID
		reply.Error = "requests not supported"
	} else {
		reply.ID = req.ID
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		res, err := c.hub.handle(ctx, req.ActionRequest)
		cancel()
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.ActionReply = res
		}
	}
	out, err := json.Marshal(reply)
	if err != nil {
		c.hub.log.Error("marshal socket reply", "error", err)
		return
	}
	c.trySend(out)
}
