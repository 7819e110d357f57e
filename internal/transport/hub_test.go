package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubPublishesInSubscriptionOrder(t *testing.T) {
	hub := NewHub()

	var got []string
	hub.Subscribe(func(msg Message) { got = append(got, "a:"+msg.Body) })
	hub.Subscribe(func(msg Message) { got = append(got, "b:"+msg.Body) })

	hub.Publish(Message{Body: "1"})
	hub.Publish(Message{Body: "2"})

	require.Equal(t, []string{"a:1", "b:1", "a:2", "b:2"}, got)
}

func TestSubscriptionUnsubscribeDetachesHandler(t *testing.T) {
	hub := NewHub()

	calls := 0
	sub := hub.Subscribe(func(Message) { calls++ })
	hub.Publish(Message{Body: "before"})

	sub.Unsubscribe()
	sub.Unsubscribe()
	hub.Publish(Message{Body: "after"})

	require.Equal(t, 1, calls)
	require.Equal(t, 0, hub.Len())
}

func TestNilSubscriptionUnsubscribeIsNoop(t *testing.T) {
	var sub *Subscription
	require.NotPanics(t, sub.Unsubscribe)
}

type stubConn struct {
	*Hub
	connected bool
	connects  int
	sent      int
}

func (c *stubConn) Send(context.Context, Stanza) error {
	c.sent++
	return nil
}

func (c *stubConn) IsConnected() bool { return c.connected }
func (c *stubConn) Connect()          { c.connects++ }
func (c *stubConn) LocalAddr() string { return "me@example.com/res" }

func TestDeliverWhenDisconnectedTriggersConnect(t *testing.T) {
	c := &stubConn{Hub: NewHub()}

	err := Deliver(context.Background(), c, Message{})

	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 1, c.connects)
	require.Zero(t, c.sent)
}

func TestDeliverWhenConnectedSends(t *testing.T) {
	c := &stubConn{Hub: NewHub(), connected: true}

	require.NoError(t, Deliver(context.Background(), c, Message{}))
	require.Equal(t, 1, c.sent)
	require.Zero(t, c.connects)
}
