// Package transporttest provides an in-memory transport.Conn for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/meszmate/qmchat/internal/transport"
)

// Conn records sent stanzas and lets tests inject inbound messages.
type Conn struct {
	*transport.Hub

	mu        sync.Mutex
	connected bool
	connects  int
	sent      []transport.Stanza
	sendErr   error
	local     string
}

// NewConn returns a fake connection for the local address local.
func NewConn(local string, connected bool) *Conn {
	return &Conn{
		Hub:       transport.NewHub(),
		connected: connected,
		local:     local,
	}
}

// Send implements transport.Conn
func (c *Conn) Send(_ context.Context, st transport.Stanza) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return transport.ErrNotConnected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, st)
	return nil
}

// IsConnected implements transport.Conn
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect implements transport.Conn. It only counts calls.
func (c *Conn) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
}

// LocalAddr implements transport.Conn
func (c *Conn) LocalAddr() string {
	return c.local
}

// SetConnected flips the connection state
func (c *Conn) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// FailSends makes every following Send return err (nil to stop).
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Connects returns how many times Connect was called
func (c *Conn) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Sent returns a copy of the stanzas handed to Send
func (c *Conn) Sent() []transport.Stanza {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Stanza(nil), c.sent...)
}

// Messages returns only the sent message stanzas
func (c *Conn) Messages() []transport.Message {
	var msgs []transport.Message
	for _, st := range c.Sent() {
		if m, ok := st.(transport.Message); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// Inject delivers msg to subscribers as if it came from the server.
func (c *Conn) Inject(msg transport.Message) {
	c.Publish(msg)
}

var _ transport.Conn = (*Conn)(nil)
