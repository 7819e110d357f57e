// Package xmpp implements transport.Conn over an XMPP client stream.
package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/qmchat/internal/transport"
)

const defaultDialTimeout = 30 * time.Second

// Client is a transport.Conn backed by a Mellium XMPP session
type Client struct {
	*transport.Hub

	mu          sync.RWMutex
	session     *xmpp.Session
	conn        net.Conn
	jid         jid.JID
	password    string
	server      string
	port        int
	dialTimeout time.Duration
	connected   bool
	connecting  bool

	onConnect    func()
	onDisconnect func(err error)

	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// ClientConfig contains configuration for the XMPP client
type ClientConfig struct {
	JID         string
	Password    string
	Server      string
	Port        int
	Resource    string
	DialTimeout time.Duration
}

// NewClient creates a new XMPP client. It does not connect.
func NewClient(cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid JID: %w", err)
	}

	if cfg.Resource != "" {
		j, err = j.WithResource(cfg.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource: %w", err)
		}
	}

	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		Hub:         transport.NewHub(),
		jid:         j,
		password:    cfg.Password,
		server:      cfg.Server,
		port:        cfg.Port,
		dialTimeout: cfg.DialTimeout,
		logger:      logger.With().Str("component", "xmpp").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Connect starts connecting in the background. It is a no-op while the
// client is connected or a connection attempt is in flight.
func (c *Client) Connect() {
	if !c.begin() {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
		defer cancel()

		if err := c.dial(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("reconnect failed")
		}
	}()
}

// Dial connects synchronously. It returns nil without dialing if the client
// is already connected or connecting.
func (c *Client) Dial(ctx context.Context) error {
	if !c.begin() {
		return nil
	}
	return c.dial(ctx)
}

func (c *Client) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected || c.connecting {
		return false
	}
	c.connecting = true
	return true
}

// dial establishes the stream. The caller must have won begin.
func (c *Client) dial(ctx context.Context) (err error) {
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	c.mu.RLock()
	local := c.jid
	c.mu.RUnlock()

	server := c.server
	if server == "" {
		server = local.Domain().String()
	}
	addr := net.JoinHostPort(server, strconv.Itoa(c.port))

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: local.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", c.password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(ctx, local.Domain(), local, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to negotiate session: %w", err)
	}

	// Initial presence, so the server routes messages to this resource
	if err := session.Encode(ctx, stanza.Presence{}); err != nil {
		session.Close()
		conn.Close()
		return fmt.Errorf("failed to send initial presence: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.conn = conn
	c.jid = session.LocalAddr()
	c.connected = true
	onConnect := c.onConnect
	c.mu.Unlock()

	c.logger.Info().Str("jid", session.LocalAddr().String()).Str("server", addr).Msg("connected")

	go c.serve(session)

	if onConnect != nil {
		onConnect()
	}
	return nil
}

// Disconnect closes the XMPP connection. The client can not be reused.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancel()

	if !c.connected {
		return nil
	}

	var errs []error
	if c.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.session.Encode(ctx, stanza.Presence{Type: stanza.UnavailablePresence})
		cancel()
		errs = append(errs, c.session.Close())
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}

	c.connected = false
	c.session = nil
	c.conn = nil

	return errors.Join(errs...)
}

// serve reads stanzas until the stream ends
func (c *Client) serve(session *xmpp.Session) {
	err := session.Serve(xmpp.HandlerFunc(c.handleStanza))

	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.session = nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	onDisconnect := c.onDisconnect
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("disconnected")
	if onDisconnect != nil {
		onDisconnect(err)
	}
}

// handleStanza decodes message stanzas and publishes them to subscribers.
// Everything else is ignored.
func (c *Client) handleStanza(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	if start.Name.Local != "message" {
		return nil
	}

	var msg transport.Message
	err := xml.NewTokenDecoder(t).DecodeElement(&msg, start)
	if err != nil && err != io.EOF {
		c.logger.Debug().Err(err).Msg("dropping malformed message")
		return nil
	}

	c.Publish(msg)
	return nil
}

// Send implements transport.Conn
func (c *Client) Send(ctx context.Context, st transport.Stanza) error {
	c.mu.RLock()
	session, connected := c.session, c.connected
	c.mu.RUnlock()

	if !connected || session == nil {
		return transport.ErrNotConnected
	}

	if err := session.Encode(ctx, st); err != nil {
		return fmt.Errorf("failed to send to %s: %w", st.Recipient(), err)
	}
	return nil
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LocalAddr returns the client's full JID
func (c *Client) LocalAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid.String()
}

// SetConnectHandler sets the connect handler
func (c *Client) SetConnectHandler(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = handler
}

// SetDisconnectHandler sets the disconnect handler
func (c *Client) SetDisconnectHandler(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = handler
}

var _ transport.Conn = (*Client)(nil)
