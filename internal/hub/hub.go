// Package hub maintains the registry of live WebSocket connections keyed by
// identity. Non-negative identities are GitHub user ids; negative identities
// are anonymous connections numbered from a strictly decreasing counter.
package hub

import (
	"math"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/reporelay/reporelay/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NoExempt can be passed to Broadcast when no identity should be skipped.
// Identity 0 is a real authenticated identity and cannot serve as the
// sentinel.
const NoExempt int64 = math.MinInt64

// Message is a frame exchanged with clients: {"type": ..., "content": ...}.
type Message struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content"`
}

// Handler receives every decoded inbound frame together with the identity and
// bearer token of the connection it arrived on.
type Handler func(identity int64, token string, msg Message)

// Hub is the connection registry. At most one open connection is retained per
// identity; registering a duplicate force-closes the previous holder.
type Hub struct {
	mu       sync.Mutex
	conns    map[int64]*Conn
	nextAnon int64
	handler  Handler
	log      *zap.Logger
}

// New creates an empty hub.
func New(log *zap.Logger) *Hub {
	return &Hub{
		conns: make(map[int64]*Conn),
		log:   log.With(zap.String("module", "hub")),
	}
}

// SetHandler installs the inbound message handler. Must be called before the
// first Register.
func (h *Hub) SetHandler(fn Handler) {
	h.handler = fn
}

// NextAnonID issues the identity for a new unauthenticated connection.
// Identities are strictly decreasing negative integers and never reused.
func (h *Hub) NextAnonID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextAnon--
	return h.nextAnon
}

// Register inserts a connection for identity and starts its read loop. An
// existing entry for the same identity is removed and force-closed first, so
// a reconnecting client never ends up with duplicate delivery.
func (h *Hub) Register(identity int64, sock Socket, token string) *Conn {
	c := &Conn{identity: identity, token: token, sock: sock}

	h.mu.Lock()
	old := h.conns[identity]
	h.conns[identity] = c
	h.mu.Unlock()

	if old != nil {
		h.log.Info("replacing stale connection", zap.Int64("identity", identity))
		old.Close()
	}

	metrics.ConnectionsOpened.Inc()
	metrics.ConnectionsOpen.Inc()
	go h.readLoop(c)
	return c
}

// Send writes msg to the connection registered for identity. It is a no-op
// when no such connection exists; callers must not assume delivery.
func (h *Hub) Send(identity int64, msg Message) {
	h.mu.Lock()
	c := h.conns[identity]
	h.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.Send(msg); err != nil {
		h.log.Warn("send failed", zap.Int64("identity", identity), zap.Error(err))
	}
}

// Broadcast writes msg to every open connection except the exempt identity.
// The registry is snapshotted first so handler-triggered register/close calls
// during delivery cannot corrupt the iteration.
func (h *Hub) Broadcast(msg Message, exempt int64) {
	h.mu.Lock()
	snapshot := make([]*Conn, 0, len(h.conns))
	for identity, c := range h.conns {
		if identity == exempt {
			continue
		}
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	for _, c := range snapshot {
		if err := c.Send(msg); err != nil {
			h.log.Warn("broadcast send failed", zap.Int64("identity", c.identity), zap.Error(err))
		}
	}
	metrics.BroadcastsTotal.Inc()
}

// CloseAll force-closes every connection. Deregistration happens through each
// connection's read-loop exit, the same path as an individual close.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	snapshot := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	for _, c := range snapshot {
		c.Close()
	}
}

// Len reports the number of registered connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// readLoop pumps inbound frames to the handler until the socket errors, then
// tears the connection down. Cleanup removes the registry entry only if it
// still points at this connection, so a replaced connection's exit cannot
// evict its replacement.
func (h *Hub) readLoop(c *Conn) {
	defer func() {
		c.Close()
		h.remove(c)
		metrics.ConnectionsOpen.Dec()
	}()

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug("dropping undecodable frame", zap.Int64("identity", c.identity))
			continue
		}
		if h.handler != nil {
			h.handler(c.identity, c.token, msg)
		}
	}
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.identity] == c {
		delete(h.conns, c.identity)
	}
}
