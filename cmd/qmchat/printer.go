package main

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/meszmate/qmchat/internal/conversation"
	"github.com/meszmate/qmchat/internal/storage/sqlite"
	"github.com/meszmate/qmchat/internal/transport"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	selfColor    = lipgloss.Color("#10B981")
	mutedColor   = lipgloss.Color("#9CA3AF")

	timeStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	peerStyle   = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	selfStyle   = lipgloss.NewStyle().Foreground(selfColor).Bold(true)
	noticeStyle = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	statusStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

// printer writes styled lines. Events arrive from more than one goroutine.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	selfID int
}

func newPrinter(w io.Writer, selfID int) *printer {
	return &printer{w: w, selfID: selfID}
}

func (p *printer) message(msg conversation.Message) {
	p.line(msg.SentAt, msg.SenderID, msg.Direction == conversation.Outgoing, msg.Body, msg.Notification != nil)
}

func (p *printer) history(msg sqlite.Message) {
	_, notice := msg.Fields[transport.FieldNotificationType]
	p.line(msg.Timestamp, msg.SenderID, msg.Outgoing, msg.Body, notice)
}

func (p *printer) line(at time.Time, senderID int, outgoing bool, body string, notice bool) {
	if at.IsZero() {
		at = time.Now()
	}
	stamp := timeStyle.Render(at.Local().Format("15:04"))

	var text string
	switch {
	case notice:
		text = fmt.Sprintf("%s %s", stamp, noticeStyle.Render(body))
	case outgoing || senderID == p.selfID:
		text = fmt.Sprintf("%s %s %s", stamp, selfStyle.Render("me"), body)
	default:
		sender := "?"
		if senderID != 0 {
			sender = strconv.Itoa(senderID)
		}
		text = fmt.Sprintf("%s %s %s", stamp, peerStyle.Render(sender), body)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, text)
}

func (p *printer) contact(c conversation.Contact) {
	text := fmt.Sprintf("%s %s", peerStyle.Render(strconv.Itoa(c.User.ID)), c.User.DisplayName)
	if len(c.Image) > 0 {
		text += " " + noticeStyle.Render("[photo]")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, text)
}

func (p *printer) status(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, statusStyle.Render("-- "+s))
}
