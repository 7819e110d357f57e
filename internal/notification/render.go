package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Fixed texts for contact notifications
const (
	TextFriendsRequest = "Contact request"
	TextFriendsAccept  = "Request accepted"
	TextFriendsReject  = "Request rejected"
)

const defaultLookupConcurrency = 4

// IdentityLookup resolves a user id to a display name. It reports false
// when the user is unknown or the lookup failed.
type IdentityLookup interface {
	DisplayName(ctx context.Context, id int) (string, bool)
}

// Renderer turns decoded payloads into display text.
type Renderer struct {
	lookup      IdentityLookup
	concurrency int
}

// NewRenderer creates a renderer resolving names through lookup
func NewRenderer(lookup IdentityLookup) *Renderer {
	return &Renderer{
		lookup:      lookup,
		concurrency: defaultLookupConcurrency,
	}
}

// Render returns the text for p sent by senderID. It reports false when p
// yields no text (TypeNone, unknown types, or a GroupUpdate with no
// fields); callers then keep the message body.
func (r *Renderer) Render(ctx context.Context, p Payload, senderID int) (string, bool) {
	switch p.Type {
	case TypeFriendsRequest:
		return TextFriendsRequest, true
	case TypeFriendsAccept:
		return TextFriendsAccept, true
	case TypeFriendsReject:
		return TextFriendsReject, true
	case TypeGroupCreate:
		return r.addedText(ctx, r.name(ctx, senderID), p.OccupantIDs, senderID), true
	case TypeGroupUpdate:
		return r.groupUpdateText(ctx, p, senderID)
	default:
		return "", false
	}
}

// groupUpdateText applies the fields as successive overwrites in the order
// name, photo, occupants; the last non-empty one decides the text.
func (r *Renderer) groupUpdateText(ctx context.Context, p Payload, senderID int) (string, bool) {
	if p.RoomName == "" && p.RoomPhoto == "" && !p.HasOccupants() {
		return "", false
	}

	sender := r.name(ctx, senderID)

	var text string
	if p.RoomName != "" {
		text = fmt.Sprintf("%s has changed the chat name to %s", sender, p.RoomName)
	}
	if p.RoomPhoto != "" {
		text = fmt.Sprintf("%s has changed the chat picture", sender)
	}
	if p.HasOccupants() {
		text = r.addedText(ctx, sender, p.OccupantIDs, senderID)
	}
	return text, true
}

func (r *Renderer) addedText(ctx context.Context, sender string, occupantIDs []int, senderID int) string {
	added := lo.Without(occupantIDs, senderID)
	names := r.names(ctx, added)
	return fmt.Sprintf("%s has added %s to the group chat", sender, strings.Join(names, ", "))
}

// names resolves ids concurrently and returns the resolved names in input
// order, skipping ids that did not resolve.
func (r *Renderer) names(ctx context.Context, ids []int) []string {
	if r.lookup == nil {
		return nil
	}

	resolved := make([]string, len(ids))
	ok := make([]bool, len(ids))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			resolved[i], ok[i] = r.lookup.DisplayName(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	names := make([]string, 0, len(ids))
	for i := range ids {
		if ok[i] {
			names = append(names, resolved[i])
		}
	}
	return names
}

func (r *Renderer) name(ctx context.Context, id int) string {
	if id == UnknownSender || r.lookup == nil {
		return ""
	}
	name, ok := r.lookup.DisplayName(ctx, id)
	if !ok {
		return ""
	}
	return name
}
