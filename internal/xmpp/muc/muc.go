package muc

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/qmchat/internal/notification"
	"github.com/meszmate/qmchat/internal/transport"
	"github.com/meszmate/qmchat/internal/xmpp/chat"
)

// NotificationBody is the body sent with structured group notifications.
// Receivers render their own text from the payload.
const NotificationBody = "Notification message"

// State is the join state of a room
type State int

const (
	StateNotJoined State = iota
	StateJoined
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateNotJoined:
		return "not_joined"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// Session is a group conversation held in a multi-user room.
//
// Outbound messages are not echoed locally; the room reflects them back to
// every occupant, the sender included.
type Session struct {
	mu        sync.RWMutex
	conn      transport.Conn
	room      jid.JID
	dialogID  string
	nick      string
	state     State
	sub       *transport.Subscription
	onMessage func(chat.Incoming)
	logger    zerolog.Logger
}

// NewSession creates a session for room and subscribes to inbound messages.
// The room is not joined until Join is called.
func NewSession(conn transport.Conn, room jid.JID, dialogID string, logger zerolog.Logger) *Session {
	s := &Session{
		conn:     conn,
		room:     room.Bare(),
		dialogID: dialogID,
		logger:   logger.With().Str("component", "muc").Str("room", room.Bare().String()).Logger(),
	}
	s.sub = conn.Subscribe(s.handleMessage)
	return s
}

// Room returns the bare room address
func (s *Session) Room() jid.JID {
	return s.room
}

// State returns the join state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Nick returns the nickname used in the last successful join
func (s *Session) Nick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

// SetMessageHandler sets the handler for messages from the room
func (s *Session) SetMessageHandler(handler func(chat.Incoming)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = handler
}

// Join enters the room as nick without replaying history. Calling it again
// re-sends the join presence.
func (s *Session) Join(ctx context.Context, nick string) bool {
	occupant, err := s.room.WithResource(nick)
	if err != nil {
		s.logger.Warn().Err(err).Str("nick", nick).Msg("invalid nickname")
		return false
	}

	if err := transport.Deliver(ctx, s.conn, transport.NewJoinPresence(occupant, 0)); err != nil {
		s.logger.Warn().Err(err).Msg("join not delivered")
		return false
	}

	s.mu.Lock()
	s.nick = nick
	s.state = StateJoined
	s.mu.Unlock()

	s.logger.Debug().Str("nick", nick).Msg("joined room")
	return true
}

// SendMessage sends text to the room
func (s *Session) SendMessage(ctx context.Context, text string) bool {
	return s.send(ctx, text, nil, "message")
}

// NotifyGroupCreated announces a new group with its initial occupants
func (s *Session) NotifyGroupCreated(ctx context.Context, occupantIDs []int) bool {
	return s.notify(ctx, notification.Payload{
		Type:        notification.TypeGroupCreate,
		OccupantIDs: occupantIDs,
	})
}

// NotifyGroupUpdated announces occupants added to the group
func (s *Session) NotifyGroupUpdated(ctx context.Context, addedIDs []int) bool {
	return s.notify(ctx, notification.Payload{
		Type:        notification.TypeGroupUpdate,
		OccupantIDs: addedIDs,
	})
}

// NotifyNameChanged announces a new room name
func (s *Session) NotifyNameChanged(ctx context.Context, name string) bool {
	return s.notify(ctx, notification.Payload{
		Type:     notification.TypeGroupUpdate,
		RoomName: name,
	})
}

// NotifyImageChanged announces a new room photo
func (s *Session) NotifyImageChanged(ctx context.Context, photoURL string) bool {
	return s.notify(ctx, notification.Payload{
		Type:      notification.TypeGroupUpdate,
		RoomPhoto: photoURL,
	})
}

// Close detaches the session from the connection. It does not leave the
// room.
func (s *Session) Close() {
	s.sub.Unsubscribe()

	s.mu.Lock()
	s.onMessage = nil
	s.mu.Unlock()
}

func (s *Session) notify(ctx context.Context, p notification.Payload) bool {
	return s.send(ctx, NotificationBody, notification.Encode(p), "notification "+p.Type.String())
}

func (s *Session) send(ctx context.Context, body string, fields map[string]string, what string) bool {
	all := map[string]string{
		transport.FieldSaveToHistory: "1",
	}
	if s.dialogID != "" {
		all[transport.FieldDialogID] = s.dialogID
	}
	for k, v := range fields {
		all[k] = v
	}

	msg := transport.NewMessage(s.room, stanza.GroupChatMessage)
	msg.Body = body
	msg.Extra = transport.NewExtraParams(all)

	if err := transport.Deliver(ctx, s.conn, msg); err != nil {
		s.logger.Warn().Err(err).Str("kind", what).Msg("message not delivered")
		return false
	}
	s.logger.Debug().Str("id", msg.ID).Str("kind", what).Msg("message sent")
	return true
}

func (s *Session) handleMessage(msg transport.Message) {
	if msg.Body == "" || !strings.Contains(msg.From.String(), s.room.String()) {
		return
	}

	s.mu.RLock()
	onMessage := s.onMessage
	s.mu.RUnlock()

	if onMessage != nil {
		onMessage(chat.NewIncoming(msg))
	}
}
