// Package mqtt implements transport.Conn over an MQTT broker.
//
// Every address owns an inbox topic, {prefix}/{bare address}. Stanzas are
// XML-encoded and published to the recipient's inbox; a client subscribes to
// its own inbox and, once it sends a room join, to the room's topic. Messages
// sent to a room are stamped with the sender's room address (room/nick) so
// receivers resolve the sender the same way they would on an XMPP server.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/qmchat/internal/transport"
)

const defaultTopicPrefix = "qmchat"

// Config contains the broker settings
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	KeepAlive   uint16
}

// Client is a transport.Conn backed by an autopaho connection manager.
type Client struct {
	*transport.Hub

	cfg    Config
	broker *url.URL
	local  jid.JID
	logger zerolog.Logger

	mu        sync.RWMutex
	cm        *autopaho.ConnectionManager
	started   bool
	connected bool
	rooms     map[string]string
	blocked   map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a client for the local address. It does not connect.
func NewClient(cfg Config, local string, logger zerolog.Logger) (*Client, error) {
	broker, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	j, err := jid.Parse(local)
	if err != nil {
		return nil, fmt.Errorf("invalid local address: %w", err)
	}

	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "qmchat-" + uuid.NewString()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		Hub:     transport.NewHub(),
		cfg:     cfg,
		broker:  broker,
		local:   j,
		logger:  logger.With().Str("component", "mqtt").Logger(),
		rooms:   make(map[string]string),
		blocked: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Connect starts the connection manager. autopaho reconnects on its own
// afterwards, so later calls are no-ops.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}

	cm, err := autopaho.NewConnection(c.ctx, c.clientConfig())
	if err != nil {
		c.logger.Warn().Err(err).Msg("mqtt connect failed")
		return
	}
	c.cm = cm
	c.started = true
}

// AwaitConnection blocks until the broker connection is up or ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.Connect()

	c.mu.RLock()
	cm := c.cm
	c.mu.RUnlock()

	if cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	return cm.AwaitConnection(ctx)
}

// Disconnect closes the broker connection. The client can not be reused.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.connected = false
	c.mu.Unlock()

	defer c.cancel()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

func (c *Client) clientConfig() autopaho.ClientConfig {
	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{c.broker},
		KeepAlive:       c.cfg.KeepAlive,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info().Str("broker", c.cfg.Broker).Msg("mqtt connected to broker")
			c.setConnected(true)
			c.subscribeAll(cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn().Err(err).Msg("mqtt connection error")
			c.setConnected(false)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.handlePublish(pr.Packet)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.logger.Warn().Err(err).Msg("mqtt client error")
				c.setConnected(false)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.logger.Warn().Uint8("reason", d.ReasonCode).Msg("mqtt server disconnected")
				c.setConnected(false)
			},
		},
	}

	if c.broker.Scheme == "mqtts" || c.broker.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return cfg
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// subscribeAll subscribes to the inbox and every joined room. Called on
// each (re-)connect.
func (c *Client) subscribeAll(cm *autopaho.ConnectionManager) {
	topics := []string{c.topic(c.local.Bare())}

	c.mu.RLock()
	for room := range c.rooms {
		topics = append(topics, c.topicFor(room))
	}
	c.mu.RUnlock()

	for _, topic := range topics {
		c.subscribe(c.ctx, cm, topic)
	}
}

func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager, topic string) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt subscribe failed")
		return
	}
	c.logger.Debug().Str("topic", topic).Msg("mqtt subscribed")
}

// Send implements transport.Conn
func (c *Client) Send(ctx context.Context, st transport.Stanza) error {
	c.mu.RLock()
	cm, connected := c.cm, c.connected
	c.mu.RUnlock()

	if !connected || cm == nil {
		return transport.ErrNotConnected
	}

	// A broker has no privacy service, so blocking is applied locally.
	if cmd, ok := st.(transport.BlockCommand); ok {
		c.applyBlock(cmd)
		return nil
	}

	if join, ok := st.(transport.JoinPresence); ok {
		room := join.To.Bare().String()
		c.mu.Lock()
		c.rooms[room] = join.To.Resourcepart()
		c.mu.Unlock()
		c.subscribe(ctx, cm, c.topicFor(room))
	}

	topic, payload, err := c.encode(st)
	if err != nil {
		return err
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// encode stamps the sender address onto messages and returns the topic and
// XML payload for st.
func (c *Client) encode(st transport.Stanza) (string, []byte, error) {
	to, err := jid.Parse(st.Recipient())
	if err != nil {
		return "", nil, fmt.Errorf("invalid recipient %q: %w", st.Recipient(), err)
	}

	if msg, ok := st.(transport.Message); ok {
		msg.From = c.local
		if msg.Type == stanza.GroupChatMessage {
			if occupant, err := to.Bare().WithResource(c.nick(to.Bare().String())); err == nil {
				msg.From = occupant
			}
		}
		st = msg
	}

	payload, err := xml.Marshal(st)
	if err != nil {
		return "", nil, fmt.Errorf("encode stanza for %s: %w", to, err)
	}
	return c.topic(to.Bare()), payload, nil
}

// nick returns the nickname used in room, falling back to the local
// user's localpart.
func (c *Client) nick(room string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if nick, ok := c.rooms[room]; ok && nick != "" {
		return nick
	}
	return c.local.Localpart()
}

func (c *Client) applyBlock(cmd transport.BlockCommand) {
	addrs, block := cmd.Addresses()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range addrs {
		if block {
			c.blocked[addr] = struct{}{}
		} else {
			delete(c.blocked, addr)
		}
	}
}

func (c *Client) isBlocked(from jid.JID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.blocked[from.Bare().String()]
	return ok
}

// handlePublish decodes an inbound payload and fans it out. Non-message
// stanzas and messages from blocked addresses are dropped.
func (c *Client) handlePublish(p *paho.Publish) {
	if p == nil || !strings.HasPrefix(strings.TrimSpace(string(p.Payload)), "<message") {
		return
	}

	var msg transport.Message
	if err := xml.Unmarshal(p.Payload, &msg); err != nil {
		c.logger.Debug().Err(err).Str("topic", p.Topic).Msg("dropping malformed message")
		return
	}
	if c.isBlocked(msg.From) {
		return
	}
	c.Publish(msg)
}

func (c *Client) topic(addr jid.JID) string {
	return c.topicFor(addr.String())
}

func (c *Client) topicFor(bare string) string {
	return c.cfg.TopicPrefix + "/" + bare
}

// IsConnected implements transport.Conn
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LocalAddr implements transport.Conn
func (c *Client) LocalAddr() string {
	return c.local.String()
}

var _ transport.Conn = (*Client)(nil)
