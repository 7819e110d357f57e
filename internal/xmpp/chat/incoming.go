package chat

import (
	"time"

	"github.com/meszmate/qmchat/internal/notification"
	"github.com/meszmate/qmchat/internal/transport"
)

// Incoming is an inbound chat message as surfaced to session handlers.
type Incoming struct {
	ID        string
	From      string
	SenderID  int
	Text      string
	Timestamp time.Time

	Attachment    *transport.Attachment
	Notification  *notification.Payload
	DialogID      string
	SaveToHistory bool
}

// NewIncoming converts a message stanza. The sender id is resolved from
// the from address, and structured fields are decoded when present.
func NewIncoming(msg transport.Message) Incoming {
	in := Incoming{
		ID:        msg.ID,
		From:      msg.From.String(),
		SenderID:  notification.ResolveSenderID(msg.From.String()),
		Text:      msg.Body,
		Timestamp: time.Now(),
	}

	if msg.Extra == nil {
		return in
	}

	in.Attachment = msg.Extra.Attachment
	fields := msg.Extra.Fields()
	in.DialogID = fields[transport.FieldDialogID]
	in.SaveToHistory = fields[transport.FieldSaveToHistory] == "1"
	if p, ok := notification.Decode(fields); ok {
		in.Notification = &p
	}
	return in
}
