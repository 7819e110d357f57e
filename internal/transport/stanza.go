package transport

import (
	"encoding/xml"
	"sort"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Namespaces used by the stanza extensions below
const (
	NSChatStates = "http://jabber.org/protocol/chatstates"
	NSMUC        = "http://jabber.org/protocol/muc"
	NSBlocking   = "urn:xmpp:blocking"
)

// Structured field keys carried inside <extraParams>
const (
	FieldSaveToHistory    = "SaveToHistory"
	FieldDialogID         = "DialogId"
	FieldNotificationType = "NotificationType"
	FieldOccupantsIDs     = "OccupantsIds"
	FieldRoomName         = "RoomName"
	FieldRoomPhoto        = "RoomPhoto"
)

var fieldOrder = map[string]int{
	FieldSaveToHistory:    0,
	FieldDialogID:         1,
	FieldNotificationType: 2,
	FieldOccupantsIDs:     3,
	FieldRoomName:         4,
	FieldRoomPhoto:        5,
}

// Message is a message stanza with the body, chat state and structured
// extension elements this client understands.
type Message struct {
	stanza.Message

	Body      string       `xml:"body,omitempty"`
	Composing *ChatState   `xml:"http://jabber.org/protocol/chatstates composing,omitempty"`
	Paused    *ChatState   `xml:"http://jabber.org/protocol/chatstates paused,omitempty"`
	Extra     *ExtraParams `xml:"extraParams,omitempty"`
}

// ChatState is an empty XEP-0085 chat state element
type ChatState struct{}

// NewMessage returns a message of type typ addressed to to, with a fresh id.
func NewMessage(to jid.JID, typ stanza.MessageType) Message {
	return Message{
		Message: stanza.Message{
			ID:   uuid.NewString(),
			To:   to,
			Type: typ,
		},
	}
}

// Recipient implements Stanza
func (m Message) Recipient() string {
	return m.To.String()
}

// Fields returns the structured fields, or nil when there are none.
func (m Message) Fields() map[string]string {
	if m.Extra == nil {
		return nil
	}
	return m.Extra.Fields()
}

// IsTyping reports whether the message carries a composing chat state.
func (m Message) IsTyping() bool {
	return m.Composing != nil
}

// IsPaused reports whether the message carries a paused chat state.
func (m Message) IsPaused() bool {
	return m.Paused != nil
}

// ExtraParams is the <extraParams/> extension block. Each structured field
// is a child element whose name is the key and whose text is the value.
type ExtraParams struct {
	Attachment *Attachment `xml:"attachment,omitempty"`
	Params     []Param     `xml:",any"`
}

// Param is a single key/value child of ExtraParams
type Param struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// Attachment references uploaded content sent alongside a private message.
type Attachment struct {
	Type string `xml:"type,attr,omitempty"`
	ID   string `xml:"id,attr,omitempty"`
	URL  string `xml:"url,attr,omitempty"`
}

// NewExtraParams builds an extension block from fields. Known keys are
// emitted in a fixed order, unknown keys after them sorted by name.
func NewExtraParams(fields map[string]string) *ExtraParams {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		oi, iKnown := fieldOrder[keys[i]]
		oj, jKnown := fieldOrder[keys[j]]
		switch {
		case iKnown && jKnown:
			return oi < oj
		case iKnown != jKnown:
			return iKnown
		default:
			return keys[i] < keys[j]
		}
	})

	p := &ExtraParams{}
	for _, k := range keys {
		p.Params = append(p.Params, Param{
			XMLName: xml.Name{Local: k},
			Value:   fields[k],
		})
	}
	return p
}

// Fields returns the params as a map. Later duplicates win.
func (p *ExtraParams) Fields() map[string]string {
	fields := make(map[string]string, len(p.Params))
	for _, param := range p.Params {
		fields[param.XMLName.Local] = param.Value
	}
	return fields
}

// Presence is a plain presence stanza
type Presence struct {
	stanza.Presence
}

// NewPresence returns a presence of type typ addressed to to.
func NewPresence(to jid.JID, typ stanza.PresenceType) Presence {
	return Presence{
		Presence: stanza.Presence{
			ID:   uuid.NewString(),
			To:   to,
			Type: typ,
		},
	}
}

// Recipient implements Stanza
func (p Presence) Recipient() string {
	return p.To.String()
}

// JoinPresence is the presence sent to room/nick to enter a room.
type JoinPresence struct {
	stanza.Presence

	MUC MUCJoin `xml:"http://jabber.org/protocol/muc x"`
}

// MUCJoin is the <x/> element of a join request
type MUCJoin struct {
	History MUCHistory `xml:"history"`
}

// MUCHistory limits the discussion history replayed on join
type MUCHistory struct {
	MaxStanzas int `xml:"maxstanzas,attr"`
}

// NewJoinPresence returns a join request for occupant (room/nick) asking
// for maxStanzas messages of history.
func NewJoinPresence(occupant jid.JID, maxStanzas int) JoinPresence {
	return JoinPresence{
		Presence: stanza.Presence{
			ID: uuid.NewString(),
			To: occupant,
		},
		MUC: MUCJoin{History: MUCHistory{MaxStanzas: maxStanzas}},
	}
}

// Recipient implements Stanza
func (p JoinPresence) Recipient() string {
	return p.To.String()
}

// BlockCommand is an XEP-0191 block or unblock request. Exactly one of
// Block and Unblock is set.
type BlockCommand struct {
	stanza.IQ

	Block   *BlockList `xml:"urn:xmpp:blocking block,omitempty"`
	Unblock *BlockList `xml:"urn:xmpp:blocking unblock,omitempty"`
}

// BlockList holds the addresses a BlockCommand applies to
type BlockList struct {
	Items []BlockItem `xml:"item"`
}

// BlockItem is one blocked or unblocked address
type BlockItem struct {
	JID string `xml:"jid,attr"`
}

// NewBlockCommand returns an IQ set, addressed to the user's own account,
// that blocks addr when block is true and unblocks it otherwise.
func NewBlockCommand(account, addr jid.JID, block bool) BlockCommand {
	cmd := BlockCommand{
		IQ: stanza.IQ{
			ID:   uuid.NewString(),
			To:   account.Bare(),
			Type: stanza.SetIQ,
		},
	}
	list := &BlockList{Items: []BlockItem{{JID: addr.Bare().String()}}}
	if block {
		cmd.Block = list
	} else {
		cmd.Unblock = list
	}
	return cmd
}

// Recipient implements Stanza
func (c BlockCommand) Recipient() string {
	return c.To.String()
}

// Addresses returns the addresses the command applies to and whether it
// blocks them.
func (c BlockCommand) Addresses() ([]string, bool) {
	list, block := c.Unblock, false
	if c.Block != nil {
		list, block = c.Block, true
	}
	if list == nil {
		return nil, block
	}
	addrs := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		addrs = append(addrs, item.JID)
	}
	return addrs, block
}
