package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/bus"
	"github.com/HasNetwork/chat/internal/bus/bustest"
	"github.com/HasNetwork/chat/internal/presence"
	"github.com/HasNetwork/chat/internal/store"
	"github.com/HasNetwork/chat/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emptyHistory struct{}

func (emptyHistory) HistoryEvent(_ context.Context, room string) (bus.Event, error) {
	return bus.Event{Name: bus.EventLoadHistory, Data: map[string]interface{}{"room": room, "messages": []string{}}}, nil
}

type failingHistory struct{}

func (failingHistory) HistoryEvent(context.Context, string) (bus.Event, error) {
	return bus.Event{}, apperr.Storage("recent messages", errors.New("disk gone"))
}

type statusData struct {
	Room        string   `json:"room"`
	OnlineUsers []string `json:"online_users"`
}

type historyData struct {
	Room     string            `json:"room"`
	Messages []json.RawMessage `json:"messages"`
}

func setup(t *testing.T) (*Registry, *store.GormStore, *bus.Hub) {
	t.Helper()
	s := storetest.New(t)
	hub := bus.NewHub()
	t.Cleanup(hub.Close)
	return New(hub, s, presence.New(s, hub), emptyHistory{}), s, hub
}

func TestJoin_EmptyRoom(t *testing.T) {
	r, s, _ := setup(t)
	ctx := context.Background()
	alice := storetest.User(t, s, "alice")
	conn := bustest.NewConn("c1", 16)
	require.NoError(t, r.Register(ctx, conn, alice))

	res, err := r.Join(ctx, "c1", alice.ID, "  lobby ")
	require.NoError(t, err)
	assert.Equal(t, MembershipResult{Room: "lobby", Created: true}, res)

	first := conn.Next(t)
	assert.Equal(t, bus.EventLoadHistory, first.Name)
	var hist historyData
	require.NoError(t, json.Unmarshal(first.Data, &hist))
	assert.Equal(t, "lobby", hist.Room)
	assert.Empty(t, hist.Messages)

	var status statusData
	conn.NextNamed(t, bus.EventUserStatus, &status)
	assert.Equal(t, "lobby", status.Room)
	assert.Equal(t, []string{"alice"}, status.OnlineUsers)

	// a second join is idempotent and replays history again
	res, err = r.Join(ctx, "c1", alice.ID, "lobby")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, bus.EventLoadHistory, conn.Next(t).Name)

	ok, err := s.IsMember(ctx, alice.ID, "lobby")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, r.InRoom("c1", "lobby"))
}

func TestJoin_Rejections(t *testing.T) {
	r, s, _ := setup(t)
	ctx := context.Background()
	alice := storetest.User(t, s, "alice")
	bob := storetest.User(t, s, "bob")
	require.NoError(t, r.Register(ctx, bustest.NewConn("c1", 16), alice))

	_, err := r.Join(ctx, "c1", alice.ID, "   ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = r.Join(ctx, "c1", bob.ID, "general")
	assert.ErrorIs(t, err, apperr.ErrAuth)

	_, err = r.Join(ctx, "missing", alice.ID, "general")
	assert.ErrorIs(t, err, apperr.ErrAuth)

	exists, err := s.RoomExists(ctx, "general")
	require.NoError(t, err)
	assert.False(t, exists, "rejected joins must not create the room")
}

func TestJoin_HistoryFailureRollsBack(t *testing.T) {
	s := storetest.New(t)
	hub := bus.NewHub()
	t.Cleanup(hub.Close)
	r := New(hub, s, presence.New(s, hub), failingHistory{})
	ctx := context.Background()
	alice := storetest.User(t, s, "alice")
	conn := bustest.NewConn("c1", 16)
	require.NoError(t, r.Register(ctx, conn, alice))

	_, err := r.Join(ctx, "c1", alice.ID, "lobby")
	require.ErrorIs(t, err, apperr.ErrStorage)

	assert.False(t, r.InRoom("c1", "lobby"))
	assert.Empty(t, hub.Members("lobby"))

	hub.Broadcast("lobby", bus.Event{Name: bus.EventReceiveMessage, Data: "x"}, "")
	conn.ExpectNone(t, bus.EventReceiveMessage)
}

func TestPresence_TwoConnections(t *testing.T) {
	r, s, _ := setup(t)
	ctx := context.Background()
	alice := storetest.User(t, s, "alice")
	bob := storetest.User(t, s, "bob")

	a1 := bustest.NewConn("a1", 64)
	a2 := bustest.NewConn("a2", 64)
	b1 := bustest.NewConn("b1", 64)
	require.NoError(t, r.Register(ctx, b1, bob))
	_, err := r.Join(ctx, "b1", bob.ID, "general")
	require.NoError(t, err)

	require.NoError(t, r.Register(ctx, a1, alice))
	require.NoError(t, r.Register(ctx, a2, alice))
	assert.Equal(t, 2, r.Connections(alice.ID))
	_, err = r.Join(ctx, "a1", alice.ID, "general")
	require.NoError(t, err)
	_, err = r.Join(ctx, "a2", alice.ID, "general")
	require.NoError(t, err)

	var status statusData
	b1.NextNamed(t, bus.EventUserStatus, &status)
	for len(status.OnlineUsers) < 2 {
		b1.NextNamed(t, bus.EventUserStatus, &status)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, status.OnlineUsers)

	r.Disconnect(ctx, "a1")
	b1.NextNamed(t, bus.EventUserStatus, &status)
	assert.ElementsMatch(t, []string{"alice", "bob"}, status.OnlineUsers, "alice still has a live connection")
	u, err := s.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, u.Online)
	assert.True(t, a1.Closed())

	r.Disconnect(ctx, "a2")
	b1.NextNamed(t, bus.EventUserStatus, &status)
	for len(status.OnlineUsers) != 1 {
		b1.NextNamed(t, bus.EventUserStatus, &status)
	}
	assert.Equal(t, []string{"bob"}, status.OnlineUsers)
	u, err = s.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, u.Online)
	assert.Equal(t, 0, r.Connections(alice.ID))

	// idempotent, and safe for ids never registered
	r.Disconnect(ctx, "a2")
	r.Disconnect(ctx, "never-registered")
	b1.ExpectNone(t, bus.EventUserStatus)
}

func TestLeave_KeepsPersistentMembership(t *testing.T) {
	r, s, hub := setup(t)
	ctx := context.Background()
	alice := storetest.User(t, s, "alice")
	conn := bustest.NewConn("c1", 64)
	require.NoError(t, r.Register(ctx, conn, alice))
	_, err := r.Join(ctx, "c1", alice.ID, "general")
	require.NoError(t, err)

	r.Leave(ctx, "c1", "general")
	assert.False(t, r.InRoom("c1", "general"))
	assert.Empty(t, hub.Members("general"))

	ok, err := s.IsMember(ctx, alice.ID, "general")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoveUserFromRoom(t *testing.T) {
	r, s, hub := setup(t)
	ctx := context.Background()
	alice := storetest.User(t, s, "alice")
	bob := storetest.User(t, s, "bob")
	a1 := bustest.NewConn("a1", 64)
	b1 := bustest.NewConn("b1", 64)
	require.NoError(t, r.Register(ctx, a1, alice))
	require.NoError(t, r.Register(ctx, b1, bob))
	_, err := r.Join(ctx, "a1", alice.ID, "general")
	require.NoError(t, err)
	_, err = r.Join(ctx, "b1", bob.ID, "general")
	require.NoError(t, err)

	removed, err := r.RemoveUserFromRoom(ctx, bob.ID, "general")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, r.InRoom("b1", "general"))
	assert.Equal(t, []string{"a1"}, hub.Members("general"))

	// own join, bob's join, then the removal
	var status statusData
	for i := 0; i < 3; i++ {
		a1.NextNamed(t, bus.EventUserStatus, &status)
	}
	assert.Equal(t, []string{"alice"}, status.OnlineUsers)

	removed, err = r.RemoveUserFromRoom(ctx, bob.ID, "general")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestEvictRoom(t *testing.T) {
	r, s, hub := setup(t)
	ctx := context.Background()
	alice := storetest.User(t, s, "alice")
	require.NoError(t, r.Register(ctx, bustest.NewConn("c1", 64), alice))
	_, err := r.Join(ctx, "c1", alice.ID, "doomed")
	require.NoError(t, err)

	ids := r.EvictRoom("doomed")
	assert.Equal(t, []string{"c1"}, ids)
	assert.False(t, r.InRoom("c1", "doomed"))
	assert.Equal(t, 0, hub.Online("doomed"))
}
