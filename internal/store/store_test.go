package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/models"
	"github.com/HasNetwork/chat/internal/store"
	"github.com/HasNetwork/chat/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUser_FirstIsAdmin(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	first, err := s.CreateUser(ctx, "alice", "h")
	require.NoError(t, err)
	second, err := s.CreateUser(ctx, "bob", "h")
	require.NoError(t, err)

	assert.True(t, first.IsAdmin)
	assert.False(t, second.IsAdmin)

	_, err = s.CreateUser(ctx, "alice", "h")
	assert.ErrorIs(t, err, store.ErrUsernameTaken)
}

func TestEnsureMembership_Idempotent(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	u := storetest.User(t, s, "alice")

	created, err := s.EnsureMembership(ctx, u.ID, "general")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnsureMembership(ctx, u.ID, "general")
	require.NoError(t, err)
	assert.False(t, created)

	rooms, err := s.GetRoomsForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"general"}, rooms)

	ok, err := s.IsMember(ctx, u.ID, "general")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOnlineUsernames(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	a := storetest.Member(t, s, "alice", "general")
	storetest.Member(t, s, "bob", "general")
	c := storetest.Member(t, s, "carol", "other")

	require.NoError(t, s.SetPresence(ctx, a.ID, true, time.Now()))
	require.NoError(t, s.SetPresence(ctx, c.ID, true, time.Now()))

	names, err := s.OnlineUsernames(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, names)

	require.NoError(t, s.ResetPresence(ctx))
	names, err = s.OnlineUsernames(ctx, "general")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCreateMessage_Validation(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	u := storetest.Member(t, s, "alice", "general")
	_, err := s.EnsureMembership(ctx, u.ID, "other")
	require.NoError(t, err)

	err = s.CreateMessage(ctx, &models.Message{RoomName: "missing", UserID: u.ID, Username: u.Username, Content: "x"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	parent := &models.Message{RoomName: "other", UserID: u.ID, Username: u.Username, Content: "p"}
	require.NoError(t, s.CreateMessage(ctx, parent))

	err = s.CreateMessage(ctx, &models.Message{RoomName: "general", UserID: u.ID, Username: u.Username, Content: "r", ParentID: &parent.ID})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	reply := &models.Message{RoomName: "other", UserID: u.ID, Username: u.Username, Content: "r", ParentID: &parent.ID}
	require.NoError(t, s.CreateMessage(ctx, reply))
	assert.Equal(t, time.UTC, reply.Timestamp.Location())
}

func TestEditAndDelete_TerminalState(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	u := storetest.Member(t, s, "alice", "general")
	m := &models.Message{RoomName: "general", UserID: u.ID, Username: u.Username, Content: "hello"}
	require.NoError(t, s.CreateMessage(ctx, m))

	edited, changed, err := s.EditMessage(ctx, m.ID, "hello!", time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "hello!", edited.Content)
	require.NotNil(t, edited.EditedAt)

	_, changed, err = s.SoftDeleteMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = s.EditMessage(ctx, m.ID, "again", time.Now())
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello!", got.Content)
	assert.True(t, got.IsDeleted)

	_, _, err = s.EditMessage(ctx, 9999, "x", time.Now())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestToggleReaction(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	u := storetest.Member(t, s, "alice", "general")
	m := &models.Message{RoomName: "general", UserID: u.ID, Username: u.Username, Content: "hello"}
	require.NoError(t, s.CreateMessage(ctx, m))

	for i := 1; i <= 5; i++ {
		added, err := s.ToggleReaction(ctx, m.ID, u.ID, "👍")
		require.NoError(t, err)
		assert.Equal(t, i%2 == 1, added)
		views, err := s.GetReactionsForMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Len(t, views, i%2)
	}
}

func TestToggleReaction_Concurrent(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	u := storetest.Member(t, s, "alice", "general")
	m := &models.Message{RoomName: "general", UserID: u.ID, Username: u.Username, Content: "hello"}
	require.NoError(t, s.CreateMessage(ctx, m))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ToggleReaction(ctx, m.ID, u.ID, "🎉")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	views, err := s.GetReactionsForMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestMarkSeen_Idempotent(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	a := storetest.Member(t, s, "alice", "general")
	b := storetest.Member(t, s, "bob", "general")
	m := &models.Message{RoomName: "general", UserID: a.ID, Username: a.Username, Content: "hello"}
	require.NoError(t, s.CreateMessage(ctx, m))

	inserted, err := s.MarkSeen(ctx, m.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = s.MarkSeen(ctx, m.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, inserted)

	names, err := s.GetSeenByForMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, names)

	_, err = s.MarkSeen(ctx, 424242, b.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecentMessages_Order(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	u := storetest.Member(t, s, "alice", "general")
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m := &models.Message{RoomName: "general", UserID: u.ID, Username: u.Username, Content: string(rune('a' + i)), Timestamp: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.CreateMessage(ctx, m))
	}

	msgs, err := s.RecentMessages(ctx, "general", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "c", msgs[0].Content)
	assert.Equal(t, "e", msgs[2].Content)
}

func TestDeleteRoom_Cascades(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	u := storetest.Member(t, s, "alice", "general")
	name := "cat.png"
	file := &models.Message{RoomName: "general", UserID: u.ID, Username: u.Username, Content: "/uploads/abc.png", IsFile: true, Filename: &name}
	require.NoError(t, s.CreateMessage(ctx, file))
	_, err := s.ToggleReaction(ctx, file.ID, u.ID, "👍")
	require.NoError(t, err)
	_, err = s.MarkSeen(ctx, file.ID, u.ID)
	require.NoError(t, err)

	urls, err := s.DeleteRoom(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"/uploads/abc.png"}, urls)

	exists, err := s.RoomExists(ctx, "general")
	require.NoError(t, err)
	assert.False(t, exists)
	rooms, err := s.GetRoomsForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, rooms)
	views, err := s.GetReactionsForMessage(ctx, file.ID)
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = s.DeleteRoom(ctx, "general")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRotateRefreshToken(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	u := storetest.User(t, s, "alice")
	require.NoError(t, s.SaveRefreshToken(ctx, u.ID, "old", time.Now().Add(time.Hour)))

	uid, err := s.RotateRefreshToken(ctx, "old", "new", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, u.ID, uid)

	_, err = s.RotateRefreshToken(ctx, "old", "newer", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRotateRefreshToken_ConcurrentSingleWinner(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	u := storetest.User(t, s, "alice")
	require.NoError(t, s.SaveRefreshToken(ctx, u.ID, "shared", time.Now().Add(time.Hour)))

	const n = 8
	var wg sync.WaitGroup
	var won atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.RotateRefreshToken(ctx, "shared", fmt.Sprintf("next-%d", i), time.Now().Add(time.Hour))
			if err == nil {
				won.Add(1)
				return
			}
			assert.ErrorIs(t, err, apperr.ErrNotFound)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())

	var live int64
	require.NoError(t, s.DB().Model(&models.RefreshToken{}).Where("revoked_at IS NULL").Count(&live).Error)
	assert.Equal(t, int64(1), live, "one refresh token must yield exactly one successor")
}
