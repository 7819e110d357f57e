// Package app wires the process-wide pieces together: the transport
// connection, history store, directory cache, notification renderer and the
// dispatcher, plus the registry of open conversations.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/qmchat/internal/config"
	"github.com/meszmate/qmchat/internal/conversation"
	"github.com/meszmate/qmchat/internal/directory"
	"github.com/meszmate/qmchat/internal/mqtt"
	"github.com/meszmate/qmchat/internal/notification"
	"github.com/meszmate/qmchat/internal/storage/sqlite"
	"github.com/meszmate/qmchat/internal/transport"
	"github.com/meszmate/qmchat/internal/xmpp"
)

var (
	// ErrAlreadyOpen is returned when a conversation id is already open
	ErrAlreadyOpen = errors.New("conversation already open")
	// ErrNotFound is returned for conversation ids that are not open
	ErrNotFound = errors.New("conversation not found")
)

// Options configures New. Conn, Store, Source and Images are optional;
// without a Conn one is built from the transport config.
type Options struct {
	Config *config.Config
	Conn   transport.Conn
	Store  *sqlite.DB
	Source directory.Source
	Images conversation.ImageFetcher
	Logger zerolog.Logger
}

// App is the context object shared by the CLI and the conversations.
type App struct {
	cfg        *config.Config
	conn       transport.Conn
	store      *sqlite.DB
	directory  *directory.Cache
	contacts   *conversation.VisibleList
	renderer   *notification.Renderer
	dispatcher *conversation.Dispatcher
	events     *EventBus
	logger     zerolog.Logger

	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation

	closeOnce sync.Once
}

// New creates the application context
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}

	a := &App{
		cfg:           opts.Config,
		store:         opts.Store,
		dispatcher:    conversation.NewDispatcher(0),
		events:        NewEventBus(),
		logger:        opts.Logger.With().Str("component", "app").Logger(),
		conversations: make(map[string]*conversation.Conversation),
	}

	var users directory.Store
	if a.store != nil {
		users = a.store
	}
	a.directory = directory.NewCache(opts.Source, users, opts.Logger)
	a.renderer = notification.NewRenderer(a.directory)
	a.contacts = conversation.NewVisibleList(a.directory, opts.Images, opts.Config.Account.UserID, opts.Logger)

	a.conn = opts.Conn
	if a.conn == nil {
		conn, err := NewConn(opts.Config, opts.Logger)
		if err != nil {
			return nil, err
		}
		a.conn = conn
	}
	a.watchConnection()

	if a.store != nil && a.cfg.Storage.MessageRetentionDays > 0 {
		n, err := a.store.DeleteOldMessages(a.cfg.Storage.MessageRetentionDays)
		if err != nil {
			a.logger.Warn().Err(err).Msg("failed to prune message history")
		} else if n > 0 {
			a.logger.Info().Int64("deleted", n).Msg("pruned message history")
		}
	}
	if a.store != nil {
		if n, err := a.store.GetMessageCount(); err == nil {
			a.logger.Debug().Int64("messages", n).Msg("history opened")
		}
	}

	return a, nil
}

// NewConn builds the connection selected by cfg.Transport.Backend
func NewConn(cfg *config.Config, logger zerolog.Logger) (transport.Conn, error) {
	switch cfg.Transport.Backend {
	case config.BackendXMPP, "":
		client, err := xmpp.NewClient(xmpp.ClientConfig{
			JID:         cfg.Account.JID,
			Password:    cfg.Account.Password,
			Server:      cfg.Account.Server,
			Port:        cfg.Account.Port,
			Resource:    cfg.Account.Resource,
			DialTimeout: time.Duration(cfg.Transport.DialTimeout) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create xmpp client: %w", err)
		}
		return client, nil
	case config.BackendMQTT:
		local := cfg.Account.JID
		if cfg.Account.Resource != "" {
			local += "/" + cfg.Account.Resource
		}
		client, err := mqtt.NewClient(mqtt.Config{
			Broker:      cfg.Transport.MQTT.Broker,
			Username:    cfg.Transport.MQTT.Username,
			Password:    cfg.Transport.MQTT.Password,
			ClientID:    cfg.Transport.MQTT.ClientID,
			TopicPrefix: cfg.Transport.MQTT.TopicPrefix,
			KeepAlive:   cfg.Transport.MQTT.KeepAlive,
		}, local, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create mqtt client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown transport backend %q", cfg.Transport.Backend)
	}
}

// watchConnection forwards xmpp connection changes to the event bus
func (a *App) watchConnection() {
	client, ok := a.conn.(*xmpp.Client)
	if !ok {
		return
	}
	client.SetConnectHandler(func() {
		a.events.Publish(EventMsg{Type: EventConnected})
	})
	client.SetDisconnectHandler(func(err error) {
		a.events.Publish(EventMsg{Type: EventDisconnected, Data: err})
	})
}

// Connect brings the connection up and waits for it, bounded by ctx
func (a *App) Connect(ctx context.Context) error {
	switch c := a.conn.(type) {
	case *xmpp.Client:
		return c.Dial(ctx)
	case *mqtt.Client:
		if err := c.AwaitConnection(ctx); err != nil {
			return err
		}
		a.events.Publish(EventMsg{Type: EventConnected})
		return nil
	default:
		a.conn.Connect()
		return nil
	}
}

// Run runs the dispatcher until ctx is done or the app is closed
func (a *App) Run(ctx context.Context) error {
	return a.dispatcher.Run(ctx)
}

// Config returns the configuration
func (a *App) Config() *config.Config { return a.cfg }

// Conn returns the shared connection
func (a *App) Conn() transport.Conn { return a.conn }

// Directory returns the user directory cache
func (a *App) Directory() *directory.Cache { return a.directory }

// Contacts returns the list used to pick group members
func (a *App) Contacts() *conversation.VisibleList { return a.contacts }

// Dispatcher returns the dispatcher every state change runs on
func (a *App) Dispatcher() *conversation.Dispatcher { return a.dispatcher }

// Events returns the event bus
func (a *App) Events() *EventBus { return a.events }

// Connected reports whether the connection is up
func (a *App) Connected() bool { return a.conn.IsConnected() }

func (a *App) env() conversation.Env {
	env := conversation.Env{
		Conn:          a.conn,
		Account:       a.cfg.Account.JID,
		CurrentUserID: a.cfg.Account.UserID,
		Renderer:      a.renderer,
		Dispatcher:    a.dispatcher,
		Logger:        a.logger,
	}
	if a.store != nil && a.cfg.Storage.SaveMessages {
		env.Store = a.store
	}
	return env
}

// OpenPrivate opens a conversation with peer
func (a *App) OpenPrivate(id string, peer jid.JID) (*conversation.Conversation, error) {
	a.mu.Lock()
	if _, ok := a.conversations[id]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyOpen)
	}
	conv := conversation.OpenPrivate(a.env(), id, peer)
	a.register(conv)
	a.mu.Unlock()

	a.opened(conv)
	return conv, nil
}

// OpenGroup opens the conversation in room, restores its stored state and
// joins with the current user id as nickname. A failed join is logged, not
// returned; Join can be retried on the conversation.
func (a *App) OpenGroup(ctx context.Context, id string, room jid.JID) (*conversation.Conversation, error) {
	var stored *sqlite.Conversation
	if a.store != nil {
		var err error
		stored, err = a.store.GetConversation(a.cfg.Account.JID, id)
		if err != nil {
			a.logger.Warn().Err(err).Str("conversation", id).Msg("failed to load conversation state")
		}
	}

	a.mu.Lock()
	if _, ok := a.conversations[id]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyOpen)
	}
	conv := conversation.OpenGroup(a.env(), id, room)
	if stored != nil {
		conv.Restore(stored.Name, stored.Photo, stored.Occupants)
	}
	a.register(conv)
	a.mu.Unlock()

	a.opened(conv)
	if !conv.Join(ctx, a.Nick()) {
		a.logger.Warn().Str("conversation", id).Str("room", room.String()).Msg("room join not sent")
	}
	return conv, nil
}

// Nick returns the room nickname of the current user
func (a *App) Nick() string {
	return strconv.Itoa(a.cfg.Account.UserID)
}

// register wires conv to the event bus and adds it to the registry. The
// caller holds a.mu.
func (a *App) register(conv *conversation.Conversation) {
	id := conv.ID()
	conv.OnChange(func(msg conversation.Message) {
		a.events.Publish(EventMsg{Type: EventMessage, ConversationID: id, Data: msg})
	})
	conv.OnTyping(func(typing bool) {
		a.events.Publish(EventMsg{Type: EventTyping, ConversationID: id, Data: typing})
	})
	a.conversations[id] = conv
}

// opened announces conv. Handlers may call back into the registry, so a.mu
// must not be held.
func (a *App) opened(conv *conversation.Conversation) {
	a.events.Publish(EventMsg{Type: EventConversationOpened, ConversationID: conv.ID(), Data: conv})
}

// Conversation returns the open conversation with id
func (a *App) Conversation(id string) (*conversation.Conversation, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	conv, ok := a.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return conv, nil
}

// Conversations returns the ids of all open conversations
func (a *App) Conversations() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.conversations))
	for id := range a.conversations {
		ids = append(ids, id)
	}
	return ids
}

// History returns up to the configured number of stored messages of a
// conversation, oldest first.
func (a *App) History(id string) ([]sqlite.Message, error) {
	if a.store == nil {
		return nil, nil
	}
	msgs, err := a.store.GetMessages(a.cfg.Account.JID, id, a.cfg.Storage.HistoryLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return msgs, nil
}

// UnreadCount returns how many incoming messages of a conversation arrived
// since it was last marked read.
func (a *App) UnreadCount(id string) (int, error) {
	if a.store == nil {
		return 0, nil
	}
	n, err := a.store.GetUnreadCount(a.cfg.Account.JID, id)
	if err != nil {
		return 0, fmt.Errorf("failed to load unread count: %w", err)
	}
	return n, nil
}

// MarkRead resets the unread count of a conversation
func (a *App) MarkRead(id string) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.MarkRead(a.cfg.Account.JID, id); err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}

// Forget closes the conversation if it is open and deletes its stored
// history, group state and unread count.
func (a *App) Forget(id string) error {
	if err := a.CloseConversation(id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if a.store == nil {
		return nil
	}

	account := a.cfg.Account.JID
	if err := a.store.DeleteMessages(account, id); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	if err := a.store.DeleteConversation(account, id); err != nil {
		return fmt.Errorf("failed to delete conversation state: %w", err)
	}
	return a.MarkRead(id)
}

// CloseConversation tears down the conversation with id
func (a *App) CloseConversation(id string) error {
	a.mu.Lock()
	conv, ok := a.conversations[id]
	delete(a.conversations, id)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	conv.Close()
	a.events.Publish(EventMsg{Type: EventConversationClosed, ConversationID: id})
	return nil
}

// Close closes every conversation, stops the dispatcher and disconnects
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		convs := a.conversations
		a.conversations = make(map[string]*conversation.Conversation)
		a.mu.Unlock()

		for _, conv := range convs {
			conv.Close()
		}
		a.dispatcher.Close()

		switch c := a.conn.(type) {
		case *xmpp.Client:
			errs = append(errs, c.Disconnect())
		case *mqtt.Client:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, c.Disconnect(ctx))
			cancel()
		}

		a.events.Clear()
	})
	return errors.Join(errs...)
}
