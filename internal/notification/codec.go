// Package notification encodes, decodes and renders the structured
// notification payload piggybacked on chat messages to signal contact and
// group lifecycle events.
package notification

import (
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/meszmate/qmchat/internal/transport"
)

// Type identifies the lifecycle event a payload signals. Values are the
// integers used on the wire.
type Type int

const (
	TypeNone           Type = 0
	TypeGroupCreate    Type = 1
	TypeGroupUpdate    Type = 2
	TypeFriendsRequest Type = 4
	TypeFriendsAccept  Type = 5
	TypeFriendsReject  Type = 6
	TypeFriendsRemove  Type = 7
)

// String returns the name of the type
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeGroupCreate:
		return "group_create"
	case TypeGroupUpdate:
		return "group_update"
	case TypeFriendsRequest:
		return "friends_request"
	case TypeFriendsAccept:
		return "friends_accept"
	case TypeFriendsReject:
		return "friends_reject"
	case TypeFriendsRemove:
		return "friends_remove"
	default:
		return "type_" + strconv.Itoa(int(t))
	}
}

// Payload is the decoded notification. Empty fields are absent on the wire.
type Payload struct {
	Type        Type
	OccupantIDs []int
	RoomName    string
	RoomPhoto   string

	// OccupantsInvalid is set by Decode when OccupantsIds was non-empty but
	// none of its tokens parsed. Encode ignores it.
	OccupantsInvalid bool
}

// HasOccupants reports whether the OccupantsIds field was carried, even if
// it yielded no ids.
func (p Payload) HasOccupants() bool {
	return len(p.OccupantIDs) > 0 || p.OccupantsInvalid
}

// Encode returns the wire fields for p. Absent fields are omitted.
func Encode(p Payload) map[string]string {
	fields := make(map[string]string, 4)
	if p.Type != TypeNone {
		fields[transport.FieldNotificationType] = strconv.Itoa(int(p.Type))
	}
	if len(p.OccupantIDs) > 0 {
		fields[transport.FieldOccupantsIDs] = FormatOccupants(p.OccupantIDs)
	}
	if p.RoomName != "" {
		fields[transport.FieldRoomName] = p.RoomName
	}
	if p.RoomPhoto != "" {
		fields[transport.FieldRoomPhoto] = p.RoomPhoto
	}
	return fields
}

// Decode extracts a payload from wire fields. It reports false when none of
// the notification fields is present. An unparseable NotificationType
// decodes as TypeNone.
func Decode(fields map[string]string) (Payload, bool) {
	var (
		p     Payload
		found bool
	)

	if v, ok := fields[transport.FieldNotificationType]; ok {
		found = true
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			p.Type = Type(n)
		}
	}
	if v, ok := fields[transport.FieldOccupantsIDs]; ok {
		found = true
		p.OccupantIDs = ParseOccupants(v)
		p.OccupantsInvalid = v != "" && len(p.OccupantIDs) == 0
	}
	if v, ok := fields[transport.FieldRoomName]; ok {
		found = true
		p.RoomName = v
	}
	if v, ok := fields[transport.FieldRoomPhoto]; ok {
		found = true
		p.RoomPhoto = v
	}

	return p, found
}

// FormatOccupants joins ids with "," and no trailing separator.
func FormatOccupants(ids []int) string {
	return strings.Join(lo.Map(ids, func(id int, _ int) string {
		return strconv.Itoa(id)
	}), ",")
}

// ParseOccupants splits csv on "," and keeps the tokens that parse as
// integers. Bad tokens are dropped, not reported. Returns nil for no ids.
func ParseOccupants(csv string) []int {
	if csv == "" {
		return nil
	}

	var ids []int
	for _, token := range strings.Split(csv, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(token))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
