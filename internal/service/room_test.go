package service

import (
	"context"
	"testing"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/bus"
	"github.com/HasNetwork/chat/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomService(t *testing.T) {
	s := storetest.New(t)
	svc := NewRoomService(s, bus.NewHub())
	ctx := context.Background()
	alice := storetest.User(t, s, "alice")
	bob := storetest.User(t, s, "bob")

	room, created, err := svc.Create(ctx, alice.ID, " general ")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "general", room.Name)

	_, created, err = svc.Create(ctx, bob.ID, "general")
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = svc.Create(ctx, bob.ID, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	list, err := svc.List(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []RoomDTO{{Name: "general", Online: 0}}, list)

	members, err := svc.Members(ctx, alice.ID, "general")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	carol := storetest.User(t, s, "carol")
	_, err = svc.Members(ctx, carol.ID, "general")
	assert.ErrorIs(t, err, ErrNotMember)
	_, err = svc.Members(ctx, alice.ID, "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}
