package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/bus"
	"github.com/HasNetwork/chat/internal/files"
	"github.com/HasNetwork/chat/internal/models"
	"github.com/HasNetwork/chat/internal/registry"
	"github.com/HasNetwork/chat/internal/store"
	"github.com/HasNetwork/chat/internal/tokens"

	"github.com/rs/zerolog/log"
)

var (
	ErrMembershipNotFound = fmt.Errorf("membership %w", apperr.ErrNotFound)
	ErrNotFileMessage     = apperr.Invalid("not a file message")
)

// AdminService 提供管理员操作，不受作者身份限制；调用方负责校验管理员权限。
type AdminService struct {
	store    store.Store
	msgs     *MessageService
	registry *registry.Registry
	files    *files.Storage
	tokens   tokens.Store
}

func NewAdminService(s store.Store, msgs *MessageService, reg *registry.Registry, fs *files.Storage, t tokens.Store) *AdminService {
	return &AdminService{store: s, msgs: msgs, registry: reg, files: fs, tokens: t}
}

type RoomDeletedPayload struct {
	Room string `json:"room"`
}

type FileDTO struct {
	MessageID uint      `json:"message_id"`
	Room      string    `json:"room"`
	User      string    `json:"user"`
	Filename  string    `json:"filename"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	IsDeleted bool      `json:"is_deleted"`
}

type ImpersonationToken struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (s *AdminService) ListUsers(ctx context.Context) ([]UserDTO, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, toUserDTO(u))
	}
	return out, nil
}

func (s *AdminService) ListRooms(ctx context.Context) ([]store.RoomSummary, error) {
	return s.store.ListRooms(ctx)
}

func (s *AdminService) ListFiles(ctx context.Context) ([]FileDTO, error) {
	msgs, err := s.store.ListFileMessages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]FileDTO, 0, len(msgs))
	for _, m := range msgs {
		f := FileDTO{
			MessageID: m.ID,
			Room:      m.RoomName,
			User:      m.Username,
			URL:       m.Content,
			Timestamp: m.Timestamp.UTC(),
			IsDeleted: m.IsDeleted,
		}
		if m.Filename != nil {
			f.Filename = *m.Filename
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *AdminService) roomName(ctx context.Context, room string) (string, error) {
	room, ok := models.NormalizeRoomName(room)
	if !ok {
		return "", ErrInvalidRoom
	}
	exists, err := s.store.RoomExists(ctx, room)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrRoomNotFound
	}
	return room, nil
}

// ClearRoom 硬删除房间内全部消息，并向在线成员重发空的 load_history。
func (s *AdminService) ClearRoom(ctx context.Context, room string) (int64, error) {
	room, err := s.roomName(ctx, room)
	if err != nil {
		return 0, err
	}
	unlock := s.msgs.locks.Lock(room)
	defer unlock()

	n, err := s.store.ClearRoom(ctx, room)
	if err != nil {
		return 0, err
	}
	s.msgs.bus.Broadcast(room, bus.Event{
		Name: bus.EventLoadHistory,
		Data: HistoryPayload{Room: room, Messages: []MessageDTO{}},
	}, "")
	log.Info().Str("room", room).Int64("messages", n).Msg("room cleared")
	return n, nil
}

// DeleteRoom 删除房间及其全部数据和上传文件，通知在线连接后撤销订阅。
func (s *AdminService) DeleteRoom(ctx context.Context, room string) error {
	room, ok := models.NormalizeRoomName(room)
	if !ok {
		return ErrInvalidRoom
	}
	unlock := s.msgs.locks.Lock(room)
	defer unlock()

	urls, err := s.store.DeleteRoom(ctx, room)
	if err != nil {
		return notFoundAs(err, ErrRoomNotFound)
	}
	if err := s.files.DeleteAll(urls); err != nil {
		log.Error().Err(err).Str("room", room).Msg("remove room files")
	}
	s.msgs.bus.Broadcast(room, bus.Event{Name: bus.EventRoomDeleted, Data: RoomDeletedPayload{Room: room}}, "")
	evicted := s.registry.EvictRoom(room)
	log.Info().Str("room", room).Int("files", len(urls)).Int("evicted", len(evicted)).Msg("room deleted")
	return nil
}

// RemoveMember 把用户移出房间，包括其在线连接的订阅。
func (s *AdminService) RemoveMember(ctx context.Context, userID uint, room string) error {
	room, err := s.roomName(ctx, room)
	if err != nil {
		return err
	}
	removed, err := s.registry.RemoveUserFromRoom(ctx, userID, room)
	if err != nil {
		return err
	}
	if !removed {
		return ErrMembershipNotFound
	}
	return nil
}

// DeleteFile 删除文件内容并软删除对应消息；重复调用是幂等的。
func (s *AdminService) DeleteFile(ctx context.Context, messageID uint) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return notFoundAs(err, ErrMessageNotFound)
	}
	if !msg.IsFile {
		return ErrNotFileMessage
	}
	if err := s.files.Delete(msg.Content); err != nil {
		return err
	}
	if err := s.msgs.softDelete(ctx, msg.RoomName, msg.ID); err != nil && !errors.Is(err, ErrMessageDeleted) {
		return err
	}
	return nil
}

// Impersonate 为目标用户签发一次性登录令牌。
func (s *AdminService) Impersonate(ctx context.Context, userID uint) (*ImpersonationToken, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	token, err := s.tokens.Issue(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &ImpersonationToken{Token: token, ExpiresIn: int(tokens.TTL / time.Second)}, nil
}
