package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/qmchat/internal/notification"
	"github.com/meszmate/qmchat/internal/storage/sqlite"
	"github.com/meszmate/qmchat/internal/transport"
	"github.com/meszmate/qmchat/internal/transport/transporttest"
)

const (
	roomAddr = "dlg-7@muc.chat.example.com"
	peerAddr = "2@chat.example.com"
)

type names map[int]string

func (n names) DisplayName(_ context.Context, id int) (string, bool) {
	name, ok := n[id]
	return name, ok
}

type memStore struct {
	mu            sync.Mutex
	messages      []sqlite.Message
	conversations map[string]sqlite.Conversation
	unread        map[string]int
}

func (s *memStore) SaveMessage(_ string, msg sqlite.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memStore) SaveConversation(_ string, conv sqlite.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversations == nil {
		s.conversations = make(map[string]sqlite.Conversation)
	}
	s.conversations[conv.ID] = conv
	return nil
}

func (s *memStore) IncrementUnread(_ string, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unread == nil {
		s.unread = make(map[string]int)
	}
	s.unread[conversationID]++
	return nil
}

func (s *memStore) unreadCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[id]
}

func (s *memStore) conversation(id string) (sqlite.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	return conv, ok
}

func (s *memStore) savedMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type fixture struct {
	conn  *transporttest.Conn
	disp  *Dispatcher
	store *memStore
	env   Env
}

func newFixture(t *testing.T, run bool) *fixture {
	t.Helper()

	conn := transporttest.NewConn("1@chat.example.com/res", true)
	disp := NewDispatcher(0)
	store := &memStore{}

	ctx, cancel := context.WithCancel(context.Background())
	if run {
		go disp.Run(ctx)
	}
	t.Cleanup(func() {
		cancel()
		disp.Close()
	})

	return &fixture{
		conn:  conn,
		disp:  disp,
		store: store,
		env: Env{
			Conn:          conn,
			Account:       "1@chat.example.com",
			CurrentUserID: 1,
			Renderer:      notification.NewRenderer(names{1: "Me", 12: "Bob", 13: "Carol", 14: "Dave"}),
			Dispatcher:    disp,
			Store:         store,
			Logger:        zerolog.Nop(),
		},
	}
}

func (f *fixture) barrier(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.disp.Do(ctx, func() {}))
}

func groupMessage(from, body string, p *notification.Payload) transport.Message {
	msg := transport.NewMessage(jid.MustParse("1@chat.example.com/res"), stanza.GroupChatMessage)
	msg.From = jid.MustParse(from)
	msg.Body = body
	fields := map[string]string{transport.FieldSaveToHistory: "1", transport.FieldDialogID: "dlg-7"}
	if p != nil {
		for k, v := range notification.Encode(*p) {
			fields[k] = v
		}
	}
	msg.Extra = transport.NewExtraParams(fields)
	return msg
}

func waitMessages(t *testing.T, c *Conversation, n int) []Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Messages()) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.Messages()
}

func TestGroupInboundKeepsArrivalOrder(t *testing.T) {
	f := newFixture(t, true)
	c := OpenGroup(f.env, "dlg-7", jid.MustParse(roomAddr))
	defer c.Close()

	for i := 0; i < 30; i++ {
		f.conn.Inject(groupMessage(roomAddr+"/12", fmt.Sprintf("m%d", i), nil))
	}

	msgs := waitMessages(t, c, 30)
	for i, msg := range msgs {
		require.Equal(t, fmt.Sprintf("m%d", i), msg.Body)
		require.Equal(t, 12, msg.SenderID)
		require.Equal(t, Incoming, msg.Direction)
	}
	require.Equal(t, 30, f.store.savedMessages())
}

func TestGroupNotificationsUpdateState(t *testing.T) {
	f := newFixture(t, true)
	c := OpenGroup(f.env, "dlg-7", jid.MustParse(roomAddr))
	defer c.Close()

	var changes []Message
	var mu sync.Mutex
	c.OnChange(func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, m)
	})

	f.conn.Inject(groupMessage(roomAddr+"/12", "Notification message", &notification.Payload{
		Type:        notification.TypeGroupCreate,
		OccupantIDs: []int{1, 12, 13},
	}))
	f.conn.Inject(groupMessage(roomAddr+"/12", "Notification message", &notification.Payload{
		Type:     notification.TypeGroupUpdate,
		RoomName: "Trip",
	}))
	f.conn.Inject(groupMessage(roomAddr+"/13", "Notification message", &notification.Payload{
		Type:      notification.TypeGroupUpdate,
		RoomPhoto: "https://cdn.example.com/p.png",
	}))
	f.conn.Inject(groupMessage(roomAddr+"/13", "Notification message", &notification.Payload{
		Type:        notification.TypeGroupUpdate,
		OccupantIDs: []int{14},
	}))

	msgs := waitMessages(t, c, 4)
	require.Equal(t, "Bob has added Me, Carol to the group chat", msgs[0].Body)
	require.Equal(t, "Bob has changed the chat name to Trip", msgs[1].Body)
	require.Equal(t, "Carol has changed the chat picture", msgs[2].Body)
	require.Equal(t, "Carol has added Dave to the group chat", msgs[3].Body)

	require.Equal(t, []int{1, 12, 13, 14}, c.Occupants())
	require.Equal(t, "Trip", c.Name())
	require.Equal(t, "https://cdn.example.com/p.png", c.Photo())

	saved, ok := f.store.conversation("dlg-7")
	require.True(t, ok)
	require.Equal(t, []int{1, 12, 13, 14}, saved.Occupants)
	require.Equal(t, "Trip", saved.Name)

	f.barrier(t)
	mu.Lock()
	require.Len(t, changes, 4)
	mu.Unlock()
}

func TestGroupCreateReplacesMembership(t *testing.T) {
	f := newFixture(t, true)
	c := OpenGroup(f.env, "dlg-7", jid.MustParse(roomAddr))
	defer c.Close()
	c.Restore("Old", "", []int{1, 99})

	f.conn.Inject(groupMessage(roomAddr+"/12", "Notification message", &notification.Payload{
		Type:        notification.TypeGroupCreate,
		OccupantIDs: []int{1, 12},
	}))

	waitMessages(t, c, 1)
	require.Equal(t, []int{1, 12}, c.Occupants())
	require.Equal(t, "Old", c.Name())
}

func TestGroupSendWaitsForEcho(t *testing.T) {
	f := newFixture(t, true)
	c := OpenGroup(f.env, "dlg-7", jid.MustParse(roomAddr))
	defer c.Close()

	require.True(t, c.Send(context.Background(), "hello all"))
	f.barrier(t)
	require.Empty(t, c.Messages())
	require.Len(t, f.conn.Messages(), 1)

	f.conn.Inject(groupMessage(roomAddr+"/1", "hello all", nil))
	msgs := waitMessages(t, c, 1)
	require.Equal(t, Outgoing, msgs[0].Direction)
}

func TestPrivateSendAppendsOnlyWhenSent(t *testing.T) {
	f := newFixture(t, true)
	c := OpenPrivate(f.env, "dlg-1", jid.MustParse(peerAddr))
	defer c.Close()
	ctx := context.Background()

	f.conn.SetConnected(false)
	require.False(t, c.Send(ctx, "lost"))
	require.Equal(t, 1, f.conn.Connects())
	f.barrier(t)
	require.Empty(t, c.Messages())
	require.Zero(t, f.store.savedMessages())

	f.conn.SetConnected(true)
	require.True(t, c.Send(ctx, "hi"))
	msgs := waitMessages(t, c, 1)
	require.Equal(t, "hi", msgs[0].Body)
	require.Equal(t, Outgoing, msgs[0].Direction)
	require.Equal(t, 1, msgs[0].SenderID)
	require.Equal(t, 1, f.store.savedMessages())
}

func TestPrivateInboundAndTyping(t *testing.T) {
	f := newFixture(t, true)
	c := OpenPrivate(f.env, "dlg-1", jid.MustParse(peerAddr))
	defer c.Close()

	typing := make(chan bool, 2)
	c.OnTyping(func(v bool) { typing <- v })

	composing := transport.NewMessage(jid.MustParse("1@chat.example.com"), stanza.ChatMessage)
	composing.From = jid.MustParse(peerAddr + "/phone")
	composing.Composing = &transport.ChatState{}
	f.conn.Inject(composing)

	request := transport.NewMessage(jid.MustParse("1@chat.example.com"), stanza.ChatMessage)
	request.From = jid.MustParse(peerAddr + "/phone")
	request.Body = "Contact request"
	request.Extra = transport.NewExtraParams(map[string]string{transport.FieldNotificationType: "4"})
	f.conn.Inject(request)

	require.True(t, <-typing)
	msgs := waitMessages(t, c, 1)
	require.Equal(t, "Contact request", msgs[0].Body)
	require.Equal(t, notification.TypeFriendsRequest, msgs[0].Notification.Type)
	require.Empty(t, c.Occupants())
}

func TestTypingDoesNotBlockReaderAfterClose(t *testing.T) {
	conn := transporttest.NewConn("1@chat.example.com/res", true)
	disp := NewDispatcher(1)
	defer disp.Close()
	c := OpenPrivate(Env{
		Conn:          conn,
		Account:       "1@chat.example.com",
		CurrentUserID: 1,
		Dispatcher:    disp,
		Logger:        zerolog.Nop(),
	}, "dlg-1", jid.MustParse(peerAddr))

	// Nothing runs the dispatcher, so its queue stays full.
	require.True(t, disp.Post(func() {}))

	composing := transport.NewMessage(jid.MustParse("1@chat.example.com"), stanza.ChatMessage)
	composing.From = jid.MustParse(peerAddr + "/phone")
	composing.Composing = &transport.ChatState{}

	delivered := make(chan struct{})
	go func() {
		conn.Inject(composing)
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("typing was queued on a full dispatcher")
	case <-time.After(30 * time.Millisecond):
	}

	c.Close()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after Close")
	}
}

func TestIncomingMessagesCountUnread(t *testing.T) {
	f := newFixture(t, true)
	c := OpenGroup(f.env, "dlg-7", jid.MustParse(roomAddr))
	defer c.Close()

	f.conn.Inject(groupMessage(roomAddr+"/12", "one", nil))
	f.conn.Inject(groupMessage(roomAddr+"/1", "own echo", nil))
	f.conn.Inject(groupMessage(roomAddr+"/13", "two", nil))

	waitMessages(t, c, 3)
	require.Equal(t, 2, f.store.unreadCount("dlg-7"))
}

func TestCloseDetachesSubscription(t *testing.T) {
	f := newFixture(t, true)
	c := OpenGroup(f.env, "dlg-7", jid.MustParse(roomAddr))
	require.Equal(t, 1, f.conn.Len())

	c.Close()
	c.Close()
	require.Zero(t, f.conn.Len())

	f.conn.Inject(groupMessage(roomAddr+"/12", "late", nil))
	f.barrier(t)
	require.Empty(t, c.Messages())
	require.False(t, c.Send(context.Background(), "after close"))
}

func TestCloseDropsQueuedMutations(t *testing.T) {
	f := newFixture(t, false)
	c := OpenGroup(f.env, "dlg-7", jid.MustParse(roomAddr))

	f.conn.Inject(groupMessage(roomAddr+"/12", "queued", nil))
	require.Eventually(t, func() bool { return len(f.disp.queue) == 1 }, time.Second, time.Millisecond)

	c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.disp.Run(ctx)
	f.barrier(t)

	require.Empty(t, c.Messages())
}

func TestAddOccupantsAnnouncesOnlyNewMembers(t *testing.T) {
	f := newFixture(t, true)
	c := OpenGroup(f.env, "dlg-7", jid.MustParse(roomAddr))
	defer c.Close()
	c.Restore("", "", []int{1, 12})
	ctx := context.Background()

	require.True(t, c.AddOccupants(ctx, []int{12, 13, 13}))
	sent := f.conn.Messages()
	require.Len(t, sent, 1)
	require.Equal(t, "13", sent[0].Fields()[transport.FieldOccupantsIDs])
	require.Equal(t, "2", sent[0].Fields()[transport.FieldNotificationType])

	require.True(t, c.AddOccupants(ctx, []int{1, 12}))
	require.Len(t, f.conn.Messages(), 1)

	require.Equal(t, []int{1, 12}, c.Occupants())
}

func TestGroupOperationsOnPrivateConversation(t *testing.T) {
	f := newFixture(t, true)
	c := OpenPrivate(f.env, "dlg-1", jid.MustParse(peerAddr))
	defer c.Close()
	ctx := context.Background()

	require.False(t, c.Join(ctx, "1"))
	require.False(t, c.Rename(ctx, "x"))
	require.False(t, c.SetPhoto(ctx, "x"))
	require.False(t, c.AddOccupants(ctx, []int{3}))
	require.Empty(t, f.conn.Sent())
}
