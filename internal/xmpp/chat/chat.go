package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/qmchat/internal/notification"
	"github.com/meszmate/qmchat/internal/transport"
	"github.com/meszmate/qmchat/internal/xmpp/presence"
)

// Session is a one-to-one conversation with a peer over a shared
// connection. All sends are best effort: they return false when the
// stanza could not be handed to the transport and never queue.
type Session struct {
	mu        sync.RWMutex
	conn      transport.Conn
	peer      jid.JID
	dialogID  string
	presence  *presence.Controller
	sub       *transport.Subscription
	onMessage func(Incoming)
	onTyping  func(typing bool)
	logger    zerolog.Logger
}

// NewSession opens a session with peer and subscribes to inbound messages.
// The caller owns the session and must Close it.
func NewSession(conn transport.Conn, peer jid.JID, dialogID string, logger zerolog.Logger) *Session {
	logger = logger.With().Str("component", "chat").Str("peer", peer.Bare().String()).Logger()

	s := &Session{
		conn:     conn,
		peer:     peer.Bare(),
		dialogID: dialogID,
		presence: presence.NewController(conn, peer, logger),
		logger:   logger,
	}
	s.sub = conn.Subscribe(s.handleMessage)
	return s
}

// Peer returns the bare address of the peer
func (s *Session) Peer() jid.JID {
	return s.peer
}

// Presence returns the subscription controller for the peer
func (s *Session) Presence() *presence.Controller {
	return s.presence
}

// SetMessageHandler sets the handler for messages from the peer
func (s *Session) SetMessageHandler(handler func(Incoming)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = handler
}

// SetTypingHandler sets the handler for the peer's chat states; it receives
// true when the peer starts typing and false when it pauses.
func (s *Session) SetTypingHandler(handler func(typing bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTyping = handler
}

// SendMessage sends text, with an optional attachment, to the peer.
// A false return means the message was not sent; a reconnect may have been
// started but the message is not retried.
func (s *Session) SendMessage(ctx context.Context, text string, attachment *transport.Attachment) bool {
	msg := s.newMessage(text, nil)
	msg.Extra.Attachment = attachment
	return s.deliver(ctx, msg, "message")
}

// NotifyIsTyping tells the peer we are composing
func (s *Session) NotifyIsTyping(ctx context.Context) bool {
	msg := transport.NewMessage(s.peer, stanza.ChatMessage)
	msg.Composing = &transport.ChatState{}
	return s.deliver(ctx, msg, "composing")
}

// NotifyPausedTyping tells the peer we stopped composing
func (s *Session) NotifyPausedTyping(ctx context.Context) bool {
	msg := transport.NewMessage(s.peer, stanza.ChatMessage)
	msg.Paused = &transport.ChatState{}
	return s.deliver(ctx, msg, "paused")
}

// AddToFriends requests a presence subscription and sends a contact request
// notification.
func (s *Session) AddToFriends(ctx context.Context) bool {
	if !s.presence.Subscribe(ctx) {
		return false
	}
	return s.notify(ctx, notification.TextFriendsRequest, notification.Payload{Type: notification.TypeFriendsRequest}, nil)
}

// AcceptFriend approves the peer's request and notifies the peer
func (s *Session) AcceptFriend(ctx context.Context) bool {
	if !s.presence.Approve(ctx) {
		return false
	}
	return s.notify(ctx, notification.TextFriendsAccept, notification.Payload{Type: notification.TypeFriendsAccept}, nil)
}

// RejectFriend declines the peer's request and notifies the peer
func (s *Session) RejectFriend(ctx context.Context) bool {
	if !s.presence.Decline(ctx) {
		return false
	}
	return s.notify(ctx, notification.TextFriendsReject, notification.Payload{Type: notification.TypeFriendsReject}, nil)
}

// DeleteFromFriends cancels the subscription and notifies the peer
func (s *Session) DeleteFromFriends(ctx context.Context) bool {
	if !s.presence.Unsubscribe(ctx) {
		return false
	}
	return s.notify(ctx, "Contact removed", notification.Payload{Type: notification.TypeFriendsRemove}, nil)
}

// NotifyAboutGroupCreation invites the peer to the group conversation
// createdDialogID.
func (s *Session) NotifyAboutGroupCreation(ctx context.Context, createdDialogID string) bool {
	return s.notify(ctx, "Notification message", notification.Payload{Type: notification.TypeGroupCreate}, map[string]string{
		transport.FieldDialogID: createdDialogID,
	})
}

// Close detaches the session from the connection. Handlers are not called
// after Close returns.
func (s *Session) Close() {
	s.sub.Unsubscribe()

	s.mu.Lock()
	s.onMessage = nil
	s.onTyping = nil
	s.mu.Unlock()
}

// Block asks the server to drop everything the peer sends us (XEP-0191).
func (s *Session) Block(ctx context.Context) bool {
	return s.blocking(ctx, true)
}

// Unblock lifts a previous Block
func (s *Session) Unblock(ctx context.Context) bool {
	return s.blocking(ctx, false)
}

func (s *Session) blocking(ctx context.Context, block bool) bool {
	account, err := jid.Parse(s.conn.LocalAddr())
	if err != nil {
		s.logger.Warn().Err(err).Msg("no local address to block from")
		return false
	}
	what := "unblock"
	if block {
		what = "block"
	}
	return s.deliver(ctx, transport.NewBlockCommand(account, s.peer, block), what)
}

func (s *Session) notify(ctx context.Context, body string, p notification.Payload, extra map[string]string) bool {
	fields := notification.Encode(p)
	for k, v := range extra {
		fields[k] = v
	}
	msg := s.newMessage(body, fields)
	return s.deliver(ctx, msg, "notification "+p.Type.String())
}

// newMessage builds a chat message that is persisted to history and
// tagged with the dialog id. fields override the defaults.
func (s *Session) newMessage(body string, fields map[string]string) transport.Message {
	all := map[string]string{
		transport.FieldSaveToHistory: "1",
	}
	if s.dialogID != "" {
		all[transport.FieldDialogID] = s.dialogID
	}
	for k, v := range fields {
		all[k] = v
	}

	msg := transport.NewMessage(s.peer, stanza.ChatMessage)
	msg.Body = body
	msg.Extra = transport.NewExtraParams(all)
	return msg
}

func (s *Session) deliver(ctx context.Context, st transport.Stanza, what string) bool {
	if err := transport.Deliver(ctx, s.conn, st); err != nil {
		s.logger.Warn().Err(err).Str("kind", what).Msg("stanza not delivered")
		return false
	}
	s.logger.Debug().Str("to", st.Recipient()).Str("kind", what).Msg("stanza sent")
	return true
}

func hasAttachment(msg transport.Message) bool {
	return msg.Extra != nil && msg.Extra.Attachment != nil
}

func (s *Session) handleMessage(msg transport.Message) {
	if !msg.From.Bare().Equal(s.peer) || msg.Type == stanza.GroupChatMessage {
		return
	}

	s.mu.RLock()
	onMessage, onTyping := s.onMessage, s.onTyping
	s.mu.RUnlock()

	if onTyping != nil {
		switch {
		case msg.IsTyping():
			onTyping(true)
		case msg.IsPaused():
			onTyping(false)
		}
	}

	if onMessage == nil || msg.Body == "" && !hasAttachment(msg) {
		return
	}
	onMessage(NewIncoming(msg))
}
