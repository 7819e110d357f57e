package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/qmchat/internal/app"
	"github.com/meszmate/qmchat/internal/config"
	"github.com/meszmate/qmchat/internal/conversation"
	"github.com/meszmate/qmchat/internal/logging"
	"github.com/meszmate/qmchat/internal/storage/sqlite"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file (default $XDG_CONFIG_HOME/qmchat/config.toml)")
		privateID  = flag.String("private", "", "dialog id of a private conversation")
		peer       = flag.String("peer", "", "peer address for -private")
		groupID    = flag.String("group", "", "dialog id of a group conversation")
		room       = flag.String("room", "", "room address for -group (default <group>@<room_domain>)")
		writeCfg   = flag.Bool("write-config", false, "write the effective configuration to the config file and exit")
	)
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *writeCfg {
		if err := saveConfig(*configPath, cfg); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		return
	}

	if (*privateID == "") == (*groupID == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -private or -group is required")
		flag.Usage()
		os.Exit(2)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("%v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}
	defer logger.Close()

	if err := os.MkdirAll(cfg.General.DataDir, 0700); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	db, err := sqlite.New(cfg.General.DataDir)
	if err != nil {
		log.Fatalf("Failed to open history: %v", err)
	}
	defer db.Close()

	// Initialize application
	application, err := app.New(app.Options{
		Config: cfg,
		Store:  db,
		Logger: logger.Logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := application.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("dispatcher stopped")
		}
	}()

	out := newPrinter(os.Stdout, cfg.Account.UserID)
	watch(application, out)

	if cfg.General.AutoConnect {
		if err := connect(ctx, application); err != nil {
			// Sends keep triggering reconnects, so carry on offline.
			out.status(fmt.Sprintf("offline: %v", err))
			logger.Warn().Err(err).Msg("initial connect failed")
		}
	} else {
		out.status("offline, /connect to connect")
	}

	conv, err := open(ctx, application, *privateID, *peer, *groupID, *room)
	if err != nil {
		log.Fatalf("%v", err)
	}

	unread, err := application.UnreadCount(conv.ID())
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load unread count")
	}
	history, err := application.History(conv.ID())
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load history")
	}
	for _, msg := range history {
		out.history(msg)
	}
	out.status(fmt.Sprintf("%s conversation %s with %s", conv.Kind(), conv.ID(), conv.Peer()))
	if unread > 0 {
		out.status(fmt.Sprintf("%d unread", unread))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd := parseLine(line)
			switch cmd.name {
			case cmdQuit:
				return
			case cmdForget:
				if err := application.Forget(conv.ID()); err != nil {
					out.status(err.Error())
					continue
				}
				out.status(fmt.Sprintf("forgot conversation %s", conv.ID()))
				return
			case cmdSearch:
				err = search(ctx, application.Contacts(), out, cmd.arg)
			case cmdConnect:
				err = connect(ctx, application)
			default:
				err = run(ctx, conv, cmd)
			}
			if err != nil {
				out.status(err.Error())
			}

			// Everything printed so far has been seen.
			if err := application.MarkRead(conv.ID()); err != nil {
				logger.Warn().Err(err).Msg("failed to mark read")
			}
		}
	}
}

// connect dials, bounded by the configured dial timeout
func connect(ctx context.Context, a *app.App) error {
	timeout := time.Duration(a.Config().Transport.DialTimeout) * time.Second
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.Connect(dialCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	paths, err := config.GetPaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	return config.LoadFile(filepath.Clean(path), paths)
}

// saveConfig writes cfg to path, or to the default config file
func saveConfig(path string, cfg *config.Config) error {
	if path == "" {
		return config.Save(cfg)
	}
	return config.SaveFile(filepath.Clean(path), cfg)
}

func open(ctx context.Context, a *app.App, privateID, peer, groupID, room string) (*conversation.Conversation, error) {
	if privateID != "" {
		addr, err := jid.Parse(peer)
		if err != nil {
			return nil, fmt.Errorf("invalid -peer %q: %w", peer, err)
		}
		return a.OpenPrivate(privateID, addr)
	}

	if room == "" {
		domain := a.Config().Transport.RoomDomain
		if domain == "" {
			return nil, fmt.Errorf("-room is required when transport.room_domain is not set")
		}
		room = groupID + "@" + domain
	}
	addr, err := jid.Parse(room)
	if err != nil {
		return nil, fmt.Errorf("invalid -room %q: %w", room, err)
	}
	return a.OpenGroup(ctx, groupID, addr)
}

// watch prints app events. Message and typing events arrive on the
// dispatcher, connection events on the transport goroutine.
func watch(a *app.App, out *printer) {
	events := a.Events()
	events.Subscribe(app.EventMessage, func(ev app.EventMsg) {
		if msg, ok := ev.Data.(conversation.Message); ok {
			out.message(msg)
		}
	})
	events.Subscribe(app.EventTyping, func(ev app.EventMsg) {
		if typing, _ := ev.Data.(bool); typing {
			out.status("typing...")
		}
	})
	events.Subscribe(app.EventConnected, func(app.EventMsg) {
		out.status("connected")
	})
	events.Subscribe(app.EventDisconnected, func(ev app.EventMsg) {
		if err, ok := ev.Data.(error); ok && err != nil {
			out.status(fmt.Sprintf("disconnected: %v", err))
			return
		}
		out.status("disconnected")
	})
}
