// Package presence 根据连接生命周期维护在线状态，并转发输入中提示。
package presence

import (
	"context"
	"time"

	"github.com/HasNetwork/chat/internal/bus"
	"github.com/HasNetwork/chat/internal/store"

	"github.com/rs/zerolog/log"
)

type StatusPayload struct {
	Room        string   `json:"room"`
	OnlineUsers []string `json:"online_users"`
}

type TypingPayload struct {
	Room     string `json:"room"`
	User     string `json:"user"`
	IsTyping bool   `json:"is_typing"`
}

type Tracker struct {
	store store.Store
	bus   bus.Broadcaster
	now   func() time.Time
}

func New(s store.Store, b bus.Broadcaster) *Tracker {
	return &Tracker{store: s, bus: b, now: func() time.Time { return time.Now().UTC() }}
}

// Online 处理用户的第一条连接：持久化在线状态后向其所有房间广播 user_status。
func (t *Tracker) Online(ctx context.Context, userID uint) error {
	return t.transition(ctx, userID, true)
}

// Offline 处理用户最后一条连接的关闭。
func (t *Tracker) Offline(ctx context.Context, userID uint) error {
	return t.transition(ctx, userID, false)
}

func (t *Tracker) transition(ctx context.Context, userID uint, online bool) error {
	if err := t.store.SetPresence(ctx, userID, online, t.now()); err != nil {
		return err
	}
	rooms, err := t.store.GetRoomsForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if err := t.BroadcastStatus(ctx, room); err != nil {
			log.Error().Err(err).Uint("user_id", userID).Str("room", room).Msg("broadcast user status")
		}
	}
	return nil
}

// BroadcastStatus 在广播时实时计算房间在线成员。
func (t *Tracker) BroadcastStatus(ctx context.Context, room string) error {
	names, err := t.store.OnlineUsernames(ctx, room)
	if err != nil {
		return err
	}
	t.bus.Broadcast(room, bus.Event{Name: bus.EventUserStatus, Data: StatusPayload{Room: room, OnlineUsers: names}}, "")
	return nil
}

// Typing 只做转发，不保存任何状态；发送者自身被排除。
func (t *Tracker) Typing(connID, username, room string, isTyping bool) {
	t.bus.Broadcast(room, bus.Event{
		Name: bus.EventTyping,
		Data: TypingPayload{Room: room, User: username, IsTyping: isTyping},
	}, connID)
}

// Reset 在启动时清除上次进程遗留的在线标记。
func (t *Tracker) Reset(ctx context.Context) error {
	return t.store.ResetPresence(ctx)
}
