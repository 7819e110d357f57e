// Package transport defines the process-wide connection to the messaging
// server and the stanza types exchanged over it.
//
// A Conn is shared by every open conversation. Sends are best effort: a
// send on a disconnected Conn fails immediately with ErrNotConnected and is
// never queued. Inbound messages are fanned out to subscribers, each of
// which holds an explicit *Subscription that must be released on teardown.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Send when the connection is down.
var ErrNotConnected = errors.New("not connected")

// Stanza is a single outbound unit of the messaging protocol.
type Stanza interface {
	// Recipient returns the address the stanza is sent to.
	Recipient() string
}

// Handler receives inbound messages. It is called on the transport's
// reader goroutine, in delivery order.
type Handler func(msg Message)

// Conn is the persistent connection to the messaging server.
type Conn interface {
	// Send hands st to the server. It does not queue.
	Send(ctx context.Context, st Stanza) error

	// IsConnected reports whether Send can currently succeed.
	IsConnected() bool

	// Connect starts connecting in the background. Calling it while
	// connected or connecting is a no-op.
	Connect()

	// Subscribe registers h for inbound messages.
	Subscribe(h Handler) *Subscription

	// LocalAddr returns the full address of the local user.
	LocalAddr() string
}

// Deliver sends st over c following the fire-and-forget contract: when c is
// down it triggers a reconnect and reports ErrNotConnected for this call.
// A nil return only means the stanza was handed to the transport.
func Deliver(ctx context.Context, c Conn, st Stanza) error {
	if !c.IsConnected() {
		c.Connect()
		return ErrNotConnected
	}
	return c.Send(ctx, st)
}
