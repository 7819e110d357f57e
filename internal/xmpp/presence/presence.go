package presence

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/qmchat/internal/transport"
)

// State represents the local view of the subscription with a peer
type State int

const (
	StateNone State = iota
	StateRequested
	StateApproved
	StateDeclined
	StateUnsubscribed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateRequested:
		return "requested"
	case StateApproved:
		return "approved"
	case StateDeclined:
		return "declined"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// Controller drives the presence subscription with a single peer.
//
// Every operation sends one presence stanza and is best effort: it does not
// wait for the peer's answer and the state is set as soon as the stanza is
// handed to the transport, whatever the peer later replies.
type Controller struct {
	mu     sync.RWMutex
	conn   transport.Conn
	peer   jid.JID
	state  State
	logger zerolog.Logger
}

// NewController creates a controller for peer
func NewController(conn transport.Conn, peer jid.JID, logger zerolog.Logger) *Controller {
	return &Controller{
		conn:   conn,
		peer:   peer.Bare(),
		logger: logger.With().Str("component", "presence").Str("peer", peer.Bare().String()).Logger(),
	}
}

// Subscribe asks the peer for a presence subscription
func (c *Controller) Subscribe(ctx context.Context) bool {
	return c.send(ctx, stanza.SubscribePresence, StateRequested)
}

// Approve accepts the peer's subscription request
func (c *Controller) Approve(ctx context.Context) bool {
	return c.send(ctx, stanza.SubscribedPresence, StateApproved)
}

// Decline refuses the peer's subscription request
func (c *Controller) Decline(ctx context.Context) bool {
	return c.send(ctx, stanza.UnsubscribedPresence, StateDeclined)
}

// Unsubscribe cancels our subscription to the peer. Valid from any state.
func (c *Controller) Unsubscribe(ctx context.Context) bool {
	return c.send(ctx, stanza.UnsubscribePresence, StateUnsubscribed)
}

// State returns the current subscription state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Peer returns the bare address of the peer
func (c *Controller) Peer() jid.JID {
	return c.peer
}

func (c *Controller) send(ctx context.Context, typ stanza.PresenceType, next State) bool {
	if err := transport.Deliver(ctx, c.conn, transport.NewPresence(c.peer, typ)); err != nil {
		c.logger.Warn().Err(err).Str("type", string(typ)).Msg("presence not delivered")
		return false
	}

	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	c.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("subscription state changed")
	return true
}
