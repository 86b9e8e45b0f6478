package service

import (
	"context"

	"github.com/HasNetwork/chat/internal/bus"
	"github.com/HasNetwork/chat/internal/models"
	"github.com/HasNetwork/chat/internal/store"
)

// RoomService 封装房间相关的业务逻辑。
type RoomService struct {
	store store.Store
	hub   *bus.Hub
}

func NewRoomService(s store.Store, hub *bus.Hub) *RoomService {
	return &RoomService{store: s, hub: hub}
}

// RoomDTO 是对外输出的房间数据，Online 为当前订阅该房间的连接数。
type RoomDTO struct {
	Name   string `json:"name"`
	Online int    `json:"online"`
}

// Create 按名称创建房间并把调用者加入，房间已存在时只补成员关系。
func (s *RoomService) Create(ctx context.Context, userID uint, name string) (*RoomDTO, bool, error) {
	name, ok := models.NormalizeRoomName(name)
	if !ok {
		return nil, false, ErrInvalidRoom
	}
	created, err := s.store.EnsureMembership(ctx, userID, name)
	if err != nil {
		return nil, false, err
	}
	return &RoomDTO{Name: name, Online: s.hub.Online(name)}, created, nil
}

// List 返回调用者所属的房间，附带各房间的在线连接数。
func (s *RoomService) List(ctx context.Context, userID uint) ([]RoomDTO, error) {
	names, err := s.store.GetRoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(names))
	for _, n := range names {
		out = append(out, RoomDTO{Name: n, Online: s.hub.Online(n)})
	}
	return out, nil
}

// Members 返回房间成员及其在线状态，仅房间成员可见。
func (s *RoomService) Members(ctx context.Context, userID uint, room string) ([]store.Member, error) {
	room, ok := models.NormalizeRoomName(room)
	if !ok {
		return nil, ErrInvalidRoom
	}
	exists, err := s.store.RoomExists(ctx, room)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrRoomNotFound
	}
	member, err := s.store.IsMember(ctx, userID, room)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotMember
	}
	return s.store.GetRoomMembers(ctx, room)
}
