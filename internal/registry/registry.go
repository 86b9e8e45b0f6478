// Package registry 跟踪在线连接与其所属用户、已加入的房间，
// 并把连接生命周期转换为总线成员关系和在线状态变化。
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/bus"
	"github.com/HasNetwork/chat/internal/keylock"
	"github.com/HasNetwork/chat/internal/models"
	"github.com/HasNetwork/chat/internal/presence"
	"github.com/HasNetwork/chat/internal/store"

	"github.com/rs/zerolog/log"
)

// ErrRoomJoin 表示加入房间时持久化失败。
var ErrRoomJoin = fmt.Errorf("%w: join room", apperr.ErrStorage)

// HistoryLoader 构造 join 后回放给发起连接的 load_history 事件。
type HistoryLoader interface {
	HistoryEvent(ctx context.Context, room string) (bus.Event, error)
}

type MembershipResult struct {
	Room    string `json:"room"`
	Created bool   `json:"created"`
}

type entry struct {
	conn     bus.Conn
	userID   uint
	username string
	rooms    map[string]struct{}
}

type Registry struct {
	mu    sync.Mutex
	conns map[string]*entry
	users map[uint]map[string]struct{}

	hub      *bus.Hub
	store    store.Store
	presence *presence.Tracker
	history  HistoryLoader
	userLock *keylock.Locker
}

func New(hub *bus.Hub, s store.Store, p *presence.Tracker, h HistoryLoader) *Registry {
	return &Registry{
		conns:    make(map[string]*entry),
		users:    make(map[uint]map[string]struct{}),
		hub:      hub,
		store:    s,
		presence: p,
		history:  h,
		userLock: keylock.New(),
	}
}

func userKey(id uint) string { return fmt.Sprintf("user:%d", id) }

// Register 登记一条已认证的连接；用户的第一条连接触发上线。
func (r *Registry) Register(ctx context.Context, conn bus.Conn, user *models.User) error {
	unlock := r.userLock.Lock(userKey(user.ID))
	defer unlock()

	r.mu.Lock()
	r.conns[conn.ID()] = &entry{conn: conn, userID: user.ID, username: user.Username, rooms: make(map[string]struct{})}
	set := r.users[user.ID]
	if set == nil {
		set = make(map[string]struct{})
		r.users[user.ID] = set
	}
	set[conn.ID()] = struct{}{}
	first := len(set) == 1
	r.mu.Unlock()

	r.hub.Attach(conn)
	if first {
		return r.presence.Online(ctx, user.ID)
	}
	return nil
}

// Join 幂等地把连接加入房间：持久化成员关系，加入总线，回放历史，再广播在线列表。
func (r *Registry) Join(ctx context.Context, connID string, userID uint, room string) (MembershipResult, error) {
	room, ok := models.NormalizeRoomName(room)
	if !ok {
		return MembershipResult{}, apperr.Invalid("invalid room name")
	}
	r.mu.Lock()
	e := r.conns[connID]
	r.mu.Unlock()
	if e == nil || e.userID != userID {
		return MembershipResult{}, fmt.Errorf("%w: connection not owned by user", apperr.ErrAuth)
	}

	created, err := r.store.EnsureMembership(ctx, userID, room)
	if err != nil {
		return MembershipResult{}, fmt.Errorf("%w: %w", ErrRoomJoin, err)
	}
	r.mu.Lock()
	_, rejoin := e.rooms[room]
	r.mu.Unlock()
	if err := r.hub.Join(room, connID); err != nil {
		return MembershipResult{}, err
	}
	r.mu.Lock()
	if cur := r.conns[connID]; cur != nil {
		cur.rooms[room] = struct{}{}
	}
	r.mu.Unlock()

	evt, err := r.history.HistoryEvent(ctx, room)
	if err == nil {
		err = r.hub.SendToInitiator(connID, evt)
	}
	if err != nil {
		if !rejoin {
			r.rollbackJoin(connID, room)
		}
		return MembershipResult{}, err
	}
	if err := r.presence.BroadcastStatus(ctx, room); err != nil {
		log.Error().Err(err).Str("room", room).Msg("broadcast user status")
	}
	return MembershipResult{Room: room, Created: created}, nil
}

// rollbackJoin 撤销一次未完成的 join，保证失败的 join 不留下总线订阅。
func (r *Registry) rollbackJoin(connID, room string) {
	r.hub.Leave(room, connID)
	r.mu.Lock()
	if cur := r.conns[connID]; cur != nil {
		delete(cur.rooms, room)
	}
	r.mu.Unlock()
}

// Leave 只撤销连接在总线上的房间订阅，持久成员关系保留。
func (r *Registry) Leave(ctx context.Context, connID, room string) {
	r.mu.Lock()
	e := r.conns[connID]
	if e != nil {
		delete(e.rooms, room)
	}
	r.mu.Unlock()
	if e == nil {
		return
	}
	r.hub.Leave(room, connID)
	if err := r.presence.BroadcastStatus(ctx, room); err != nil {
		log.Error().Err(err).Str("room", room).Msg("broadcast user status")
	}
}

// Disconnect 幂等；用户最后一条连接关闭时触发下线。
func (r *Registry) Disconnect(ctx context.Context, connID string) {
	r.mu.Lock()
	e := r.conns[connID]
	r.mu.Unlock()
	if e == nil {
		return
	}

	unlock := r.userLock.Lock(userKey(e.userID))
	defer unlock()

	r.mu.Lock()
	if r.conns[connID] != e {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	set := r.users[e.userID]
	delete(set, connID)
	last := len(set) == 0
	if last {
		delete(r.users, e.userID)
	}
	rooms := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	for _, room := range rooms {
		r.hub.Leave(room, connID)
	}
	r.hub.Detach(connID)
	e.conn.Close()

	if last {
		if err := r.presence.Offline(ctx, e.userID); err != nil {
			log.Error().Err(err).Uint("user_id", e.userID).Msg("presence offline")
		}
		return
	}
	for _, room := range rooms {
		if err := r.presence.BroadcastStatus(ctx, room); err != nil {
			log.Error().Err(err).Str("room", room).Msg("broadcast user status")
		}
	}
}

// InRoom 判断连接当前是否订阅了房间。
func (r *Registry) InRoom(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.conns[connID]
	if e == nil {
		return false
	}
	_, ok := e.rooms[room]
	return ok
}

// User 返回连接所属用户。
func (r *Registry) User(connID string) (userID uint, username string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.conns[connID]
	if e == nil {
		return 0, "", false
	}
	return e.userID, e.username, true
}

// Connections 返回用户当前的连接数。
func (r *Registry) Connections(userID uint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID])
}

// EvictRoom 关闭房间分发并清除所有连接对该房间的订阅，用于删除房间。
func (r *Registry) EvictRoom(room string) []string {
	ids := r.hub.CloseRoom(room)
	r.mu.Lock()
	for _, e := range r.conns {
		delete(e.rooms, room)
	}
	r.mu.Unlock()
	return ids
}

// RemoveUserFromRoom 删除持久成员关系并撤销该用户所有连接的订阅。
func (r *Registry) RemoveUserFromRoom(ctx context.Context, userID uint, room string) (bool, error) {
	removed, err := r.store.RemoveMember(ctx, userID, room)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	var ids []string
	for id := range r.users[userID] {
		if e := r.conns[id]; e != nil {
			if _, ok := e.rooms[room]; ok {
				delete(e.rooms, room)
				ids = append(ids, id)
			}
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.hub.Leave(room, id)
	}
	if removed {
		if err := r.presence.BroadcastStatus(ctx, room); err != nil {
			log.Error().Err(err).Str("room", room).Msg("broadcast user status")
		}
	}
	return removed, nil
}
