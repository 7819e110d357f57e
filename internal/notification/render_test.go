package notification

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meszmate/qmchat/internal/transport"
)

type mapLookup struct {
	mu    sync.Mutex
	names map[int]string
	calls []int
}

func (m *mapLookup) DisplayName(_ context.Context, id int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, id)
	name, ok := m.names[id]
	return name, ok
}

func newLookup() *mapLookup {
	return &mapLookup{names: map[int]string{
		10: "Alice",
		11: "Bob",
		12: "Carol",
	}}
}

func TestRenderContactNotifications(t *testing.T) {
	r := NewRenderer(newLookup())
	ctx := context.Background()

	for typ, want := range map[Type]string{
		TypeFriendsRequest: "Contact request",
		TypeFriendsAccept:  "Request accepted",
		TypeFriendsReject:  "Request rejected",
	} {
		got, ok := r.Render(ctx, Payload{Type: typ}, 10)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func TestRenderGroupCreate(t *testing.T) {
	r := NewRenderer(newLookup())

	got, ok := r.Render(context.Background(), Payload{
		Type:        TypeGroupCreate,
		OccupantIDs: []int{10, 11, 12},
	}, 10)

	require.True(t, ok)
	require.Equal(t, "Alice has added Bob, Carol to the group chat", got)
}

func TestRenderGroupCreateSkipsUnresolvedOccupants(t *testing.T) {
	r := NewRenderer(newLookup())

	got, _ := r.Render(context.Background(), Payload{
		Type:        TypeGroupCreate,
		OccupantIDs: []int{99, 12, 98, 11},
	}, 10)

	require.Equal(t, "Alice has added Carol, Bob to the group chat", got)
}

func TestRenderUnresolvedSenderIsEmpty(t *testing.T) {
	r := NewRenderer(newLookup())

	got, _ := r.Render(context.Background(), Payload{
		Type:     TypeGroupUpdate,
		RoomName: "Trip",
	}, 77)
	require.Equal(t, " has changed the chat name to Trip", got)

	got, _ = r.Render(context.Background(), Payload{
		Type:      TypeGroupUpdate,
		RoomPhoto: "https://cdn.example.com/p.png",
	}, UnknownSender)
	require.Equal(t, " has changed the chat picture", got)
}

func TestRenderGroupUpdatePrecedence(t *testing.T) {
	r := NewRenderer(newLookup())
	ctx := context.Background()

	got, _ := r.Render(ctx, Payload{Type: TypeGroupUpdate, RoomName: "Trip"}, 10)
	require.Equal(t, "Alice has changed the chat name to Trip", got)

	got, _ = r.Render(ctx, Payload{Type: TypeGroupUpdate, RoomName: "Trip", RoomPhoto: "p"}, 10)
	require.Equal(t, "Alice has changed the chat picture", got)

	got, _ = r.Render(ctx, Payload{Type: TypeGroupUpdate, RoomName: "Trip", OccupantIDs: []int{11}}, 10)
	require.Equal(t, "Alice has added Bob to the group chat", got)

	got, _ = r.Render(ctx, Payload{Type: TypeGroupUpdate, RoomPhoto: "p", OccupantIDs: []int{12}}, 10)
	require.Equal(t, "Alice has added Carol to the group chat", got)
}

func TestRenderGroupUpdateOccupantsFieldWinsWhenUnparseable(t *testing.T) {
	r := NewRenderer(newLookup())

	p, ok := Decode(map[string]string{
		transport.FieldNotificationType: "2",
		transport.FieldRoomName:         "Friends",
		transport.FieldOccupantsIDs:     "x,y",
	})
	require.True(t, ok)

	got, ok := r.Render(context.Background(), p, 10)
	require.True(t, ok)
	require.Equal(t, "Alice has added  to the group chat", got)
}

func TestRenderWithoutText(t *testing.T) {
	r := NewRenderer(newLookup())
	ctx := context.Background()

	_, ok := r.Render(ctx, Payload{Type: TypeNone}, 10)
	require.False(t, ok)

	_, ok = r.Render(ctx, Payload{Type: TypeGroupUpdate}, 10)
	require.False(t, ok)

	_, ok = r.Render(ctx, Payload{Type: TypeFriendsRemove}, 10)
	require.False(t, ok)
}

func TestRenderDoesNotLookUpSenderAsOccupant(t *testing.T) {
	lookup := newLookup()
	r := NewRenderer(lookup)

	r.Render(context.Background(), Payload{Type: TypeGroupCreate, OccupantIDs: []int{10, 11}}, 10)

	require.ElementsMatch(t, []int{10, 11}, lookup.calls)
}
