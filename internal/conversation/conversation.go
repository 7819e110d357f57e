// Package conversation holds the per-conversation state shown to the user:
// the message log, and for groups the membership, name and photo.
//
// Inbound messages are rendered on a per-conversation worker and applied on
// the Dispatcher, so a conversation's log keeps transport arrival order.
package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/qmchat/internal/notification"
	"github.com/meszmate/qmchat/internal/storage/sqlite"
	"github.com/meszmate/qmchat/internal/transport"
	"github.com/meszmate/qmchat/internal/xmpp/chat"
	"github.com/meszmate/qmchat/internal/xmpp/muc"
)

const inboxSize = 64

// Kind is the conversation type
type Kind int

const (
	KindPrivate Kind = iota
	KindGroup
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Direction tells whether a message was received or sent
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

// Message is an entry of the conversation log. Body holds the rendered
// notification text for structured messages.
type Message struct {
	ID             string
	ConversationID string
	SenderID       int
	Body           string
	SentAt         time.Time
	Direction      Direction
	Notification   *notification.Payload
	Attachment     *transport.Attachment
}

// Store persists history, group state and unread counts. Implemented by
// *sqlite.DB.
type Store interface {
	SaveMessage(account string, msg sqlite.Message) error
	SaveConversation(account string, conv sqlite.Conversation) error
	IncrementUnread(account, conversationID string) error
}

// Env is what a conversation needs from the rest of the process.
type Env struct {
	Conn          transport.Conn
	Account       string
	CurrentUserID int
	Renderer      *notification.Renderer
	Dispatcher    *Dispatcher
	Store         Store
	Logger        zerolog.Logger
}

// Conversation is an open private or group conversation.
type Conversation struct {
	id        string
	kind      Kind
	peer      jid.JID
	createdAt time.Time
	env       Env
	logger    zerolog.Logger

	chat *chat.Session
	muc  *muc.Session

	inbox  chan chat.Incoming
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Messages and group state change only on the dispatcher.
	mu        sync.RWMutex
	closed    bool
	messages  []Message
	occupants map[int]struct{}
	name      string
	photo     string
	onChange  func(Message)
	onTyping  func(bool)

	closeOnce sync.Once
}

// OpenPrivate opens a conversation with peer
func OpenPrivate(env Env, id string, peer jid.JID) *Conversation {
	c := newConversation(env, id, KindPrivate, peer.Bare())
	c.chat = chat.NewSession(env.Conn, peer, id, env.Logger)
	c.chat.SetMessageHandler(c.enqueue)
	c.chat.SetTypingHandler(func(typing bool) {
		// Runs on the transport goroutine; must not block once c is closed.
		env.Dispatcher.PostContext(c.ctx, func() {
			c.mu.RLock()
			closed, onTyping := c.closed, c.onTyping
			c.mu.RUnlock()
			if !closed && onTyping != nil {
				onTyping(typing)
			}
		})
	})
	c.start()
	return c
}

// OpenGroup opens a conversation in room. The room is not joined; call
// Join.
func OpenGroup(env Env, id string, room jid.JID) *Conversation {
	c := newConversation(env, id, KindGroup, room.Bare())
	c.muc = muc.NewSession(env.Conn, room, id, env.Logger)
	c.muc.SetMessageHandler(c.enqueue)
	c.start()
	return c
}

func newConversation(env Env, id string, kind Kind, peer jid.JID) *Conversation {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conversation{
		id:        id,
		kind:      kind,
		peer:      peer,
		createdAt: time.Now(),
		env:       env,
		logger:    env.Logger.With().Str("conversation", id).Str("kind", kind.String()).Logger(),
		inbox:     make(chan chat.Incoming, inboxSize),
		ctx:       ctx,
		cancel:    cancel,
		occupants: make(map[int]struct{}),
	}
}

func (c *Conversation) start() {
	c.wg.Add(1)
	go c.work()
}

// ID returns the conversation id
func (c *Conversation) ID() string { return c.id }

// Kind returns the conversation kind
func (c *Conversation) Kind() Kind { return c.kind }

// Peer returns the peer or room address
func (c *Conversation) Peer() jid.JID { return c.peer }

// CreatedAt returns when the conversation was opened
func (c *Conversation) CreatedAt() time.Time { return c.createdAt }

// Chat returns the private session, nil for groups
func (c *Conversation) Chat() *chat.Session { return c.chat }

// Group returns the room session, nil for private conversations
func (c *Conversation) Group() *muc.Session { return c.muc }

// OnChange sets the callback run on the dispatcher after each appended
// message.
func (c *Conversation) OnChange(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// OnTyping sets the callback run on the dispatcher when the peer's typing
// state changes. Private conversations only.
func (c *Conversation) OnTyping(fn func(typing bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTyping = fn
}

// Restore seeds group state loaded from the store. Call before any message
// arrives.
func (c *Conversation) Restore(name, photo string, occupants []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	c.photo = photo
	for _, id := range occupants {
		c.occupants[id] = struct{}{}
	}
}

// Join enters the room as nick. Private conversations report false.
func (c *Conversation) Join(ctx context.Context, nick string) bool {
	if c.muc == nil {
		return false
	}
	return c.muc.Join(ctx, nick)
}

// Send sends text. Private messages are appended to the log once handed to
// the transport; group messages appear when the room echoes them.
func (c *Conversation) Send(ctx context.Context, text string) bool {
	if c.isClosed() {
		return false
	}

	if c.muc != nil {
		return c.muc.SendMessage(ctx, text)
	}

	if !c.chat.SendMessage(ctx, text, nil) {
		return false
	}

	msg := Message{
		ConversationID: c.id,
		SenderID:       c.env.CurrentUserID,
		Body:           text,
		SentAt:         time.Now(),
		Direction:      Outgoing,
	}
	c.persist(msg, map[string]string{transport.FieldSaveToHistory: "1"})
	c.env.Dispatcher.Post(func() { c.apply(msg) })
	return true
}

// Rename announces a new group name. The name changes when the
// notification comes back from the room.
func (c *Conversation) Rename(ctx context.Context, name string) bool {
	if c.muc == nil || c.isClosed() {
		return false
	}
	return c.muc.NotifyNameChanged(ctx, name)
}

// SetPhoto announces a new group photo
func (c *Conversation) SetPhoto(ctx context.Context, photoURL string) bool {
	if c.muc == nil || c.isClosed() {
		return false
	}
	return c.muc.NotifyImageChanged(ctx, photoURL)
}

// AddOccupants announces new members. Members already in the group are
// not announced again.
func (c *Conversation) AddOccupants(ctx context.Context, ids []int) bool {
	if c.muc == nil || c.isClosed() {
		return false
	}

	c.mu.RLock()
	added := lo.Uniq(lo.Filter(ids, func(id int, _ int) bool {
		_, ok := c.occupants[id]
		return !ok
	}))
	c.mu.RUnlock()

	if len(added) == 0 {
		return true
	}
	return c.muc.NotifyGroupUpdated(ctx, added)
}

// AnnounceCreated sends the initial occupant set of a new group
func (c *Conversation) AnnounceCreated(ctx context.Context, ids []int) bool {
	if c.muc == nil || c.isClosed() {
		return false
	}
	return c.muc.NotifyGroupCreated(ctx, lo.Uniq(ids))
}

// Messages returns a copy of the log
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.messages...)
}

// Occupants returns the member ids, sorted
func (c *Conversation) Occupants() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := lo.Keys(c.occupants)
	sort.Ints(ids)
	return ids
}

// Name returns the group name
func (c *Conversation) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Photo returns the group photo URL
func (c *Conversation) Photo() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.photo
}

// Close detaches the conversation from the transport, then stops its
// worker. Mutations still queued on the dispatcher are dropped.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() {
		if c.chat != nil {
			c.chat.Close()
		}
		if c.muc != nil {
			c.muc.Close()
		}

		c.mu.Lock()
		c.closed = true
		c.onChange = nil
		c.onTyping = nil
		c.mu.Unlock()

		c.cancel()
		c.wg.Wait()
	})
}

func (c *Conversation) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// enqueue runs on the transport goroutine
func (c *Conversation) enqueue(in chat.Incoming) {
	select {
	case c.inbox <- in:
	case <-c.ctx.Done():
	}
}

func (c *Conversation) work() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case in := <-c.inbox:
			c.receive(in)
		}
	}
}

// receive renders in off the dispatcher, then applies it there.
func (c *Conversation) receive(in chat.Incoming) {
	msg := Message{
		ID:             in.ID,
		ConversationID: c.id,
		SenderID:       in.SenderID,
		Body:           in.Text,
		SentAt:         in.Timestamp,
		Direction:      Incoming,
		Notification:   in.Notification,
		Attachment:     in.Attachment,
	}
	if c.kind == KindGroup && in.SenderID != notification.UnknownSender && in.SenderID == c.env.CurrentUserID {
		msg.Direction = Outgoing
	}

	if in.Notification != nil && c.env.Renderer != nil {
		if text, ok := c.env.Renderer.Render(c.ctx, *in.Notification, in.SenderID); ok {
			msg.Body = text
		}
	}

	if in.SaveToHistory {
		fields := map[string]string{transport.FieldSaveToHistory: "1"}
		if in.Notification != nil {
			for k, v := range notification.Encode(*in.Notification) {
				fields[k] = v
			}
		}
		c.persist(msg, fields)
	}
	if msg.Direction == Incoming {
		c.countUnread()
	}

	c.env.Dispatcher.PostContext(c.ctx, func() { c.apply(msg) })
}

// apply runs on the dispatcher
func (c *Conversation) apply(msg Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.messages = append(c.messages, msg)
	changed := false
	if c.kind == KindGroup && msg.Notification != nil {
		changed = c.applyNotification(*msg.Notification)
	}
	onChange := c.onChange
	c.mu.Unlock()

	if changed {
		c.saveState()
	}
	if onChange != nil {
		onChange(msg)
	}
}

// applyNotification updates group state from a payload. The caller holds
// c.mu. It reports whether anything changed.
func (c *Conversation) applyNotification(p notification.Payload) bool {
	switch p.Type {
	case notification.TypeGroupCreate:
		if len(p.OccupantIDs) == 0 {
			return false
		}
		c.occupants = make(map[int]struct{}, len(p.OccupantIDs))
		for _, id := range p.OccupantIDs {
			c.occupants[id] = struct{}{}
		}
		return true
	case notification.TypeGroupUpdate:
		changed := false
		for _, id := range p.OccupantIDs {
			if _, ok := c.occupants[id]; !ok {
				c.occupants[id] = struct{}{}
				changed = true
			}
		}
		if p.RoomName != "" && p.RoomName != c.name {
			c.name = p.RoomName
			changed = true
		}
		if p.RoomPhoto != "" && p.RoomPhoto != c.photo {
			c.photo = p.RoomPhoto
			changed = true
		}
		return changed
	default:
		return false
	}
}

func (c *Conversation) persist(msg Message, fields map[string]string) {
	if c.env.Store == nil {
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := c.env.Store.SaveMessage(c.env.Account, sqlite.Message{
		ID:             msg.ID,
		ConversationID: c.id,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		Timestamp:      msg.SentAt,
		Outgoing:       msg.Direction == Outgoing,
		Fields:         fields,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("failed to save message")
	}
}

func (c *Conversation) countUnread() {
	if c.env.Store == nil {
		return
	}
	if err := c.env.Store.IncrementUnread(c.env.Account, c.id); err != nil {
		c.logger.Warn().Err(err).Msg("failed to count unread message")
	}
}

func (c *Conversation) saveState() {
	if c.env.Store == nil {
		return
	}

	c.mu.RLock()
	conv := sqlite.Conversation{
		ID:        c.id,
		Kind:      c.kind.String(),
		Peer:      c.peer.String(),
		Name:      c.name,
		Photo:     c.photo,
		Occupants: lo.Keys(c.occupants),
		CreatedAt: c.createdAt,
	}
	c.mu.RUnlock()
	sort.Ints(conv.Occupants)

	if err := c.env.Store.SaveConversation(c.env.Account, conv); err != nil {
		c.logger.Warn().Err(err).Msg("failed to save conversation state")
	}
}
