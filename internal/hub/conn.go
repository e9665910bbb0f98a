package hub

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Socket is the subset of *websocket.Conn the hub depends on. Tests register
// stub sockets; production code passes the upgraded gorilla connection.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Socket = (*websocket.Conn)(nil)

// Conn is one registered duplex connection. The bearer token is set only for
// authenticated identities.
type Conn struct {
	identity int64
	token    string
	sock     Socket

	mu     sync.Mutex
	closed bool
}

// Identity returns the identity the connection is registered under.
func (c *Conn) Identity() int64 { return c.identity }

// Token returns the bearer credential, or "" for anonymous connections.
func (c *Conn) Token() string { return c.token }

// Send encodes msg as a JSON text frame and writes it. Sends on a closed
// connection are dropped silently: a workflow finishing after its requester
// disconnected must not fail.
func (c *Conn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	// Unblocks the read loop, which then deregisters the connection.
	c.sock.Close()
}
