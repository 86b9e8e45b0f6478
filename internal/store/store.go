// Package store 是持久层：用显式查询方法代替 ORM 关联的隐式懒加载。
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUsernameTaken = errors.New("username taken")
	ErrBadParent     = fmt.Errorf("%w: parent message not in room", apperr.ErrValidation)
)

// Member 是房间成员的精简视图。
type Member struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// ReactionView 是带用户名的表情回应。
type ReactionView struct {
	MessageID uint
	Emoji     string
	Username  string
}

// SeenView 是某条消息的一条已读记录。
type SeenView struct {
	MessageID uint
	Username  string
}

// RoomSummary 供管理后台展示。
type RoomSummary struct {
	Name         string   `json:"name"`
	Members      []Member `json:"users"`
	MessageCount int64    `json:"message_count"`
}

// Store 是核心组件依赖的持久层接口。
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUser(ctx context.Context, id uint) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	SetPresence(ctx context.Context, userID uint, online bool, at time.Time) error
	ResetPresence(ctx context.Context) error

	EnsureMembership(ctx context.Context, userID uint, room string) (roomCreated bool, err error)
	IsMember(ctx context.Context, userID uint, room string) (bool, error)
	RemoveMember(ctx context.Context, userID uint, room string) (bool, error)
	RoomExists(ctx context.Context, room string) (bool, error)
	GetRoomsForUser(ctx context.Context, userID uint) ([]string, error)
	GetRoomMembers(ctx context.Context, room string) ([]Member, error)
	OnlineUsernames(ctx context.Context, room string) ([]string, error)
	ListRooms(ctx context.Context) ([]RoomSummary, error)

	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id uint) (*models.Message, error)
	EditMessage(ctx context.Context, id uint, content string, at time.Time) (*models.Message, bool, error)
	SoftDeleteMessage(ctx context.Context, id uint) (*models.Message, bool, error)
	RecentMessages(ctx context.Context, room string, limit int) ([]models.Message, error)
	ListFileMessages(ctx context.Context) ([]models.Message, error)

	ToggleReaction(ctx context.Context, messageID, userID uint, emoji string) (bool, error)
	GetReactionsForMessage(ctx context.Context, messageID uint) ([]ReactionView, error)
	GetReactionsForMessages(ctx context.Context, messageIDs []uint) ([]ReactionView, error)
	MarkSeen(ctx context.Context, messageID, userID uint) (bool, error)
	GetSeenByForMessage(ctx context.Context, messageID uint) ([]string, error)
	GetSeenByForMessages(ctx context.Context, messageIDs []uint) ([]SeenView, error)

	ClearRoom(ctx context.Context, room string) (int64, error)
	DeleteRoom(ctx context.Context, room string) ([]string, error)

	SaveRefreshToken(ctx context.Context, userID uint, token string, expiresAt time.Time) error
	RotateRefreshToken(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (uint, error)
}

// GormStore 基于 gorm 实现 Store，兼容 Postgres 与 SQLite。
type GormStore struct {
	db *gorm.DB
}

func New(db *gorm.DB) *GormStore { return &GormStore{db: db} }

// DB 暴露底层连接，供健康检查等使用。
func (s *GormStore) DB() *gorm.DB { return s.db }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	}
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation) || errors.Is(err, ErrUsernameTaken) {
		return err
	}
	return apperr.Storage(op, err)
}

func now() time.Time { return time.Now().UTC() }

// CreateUser 创建用户；系统中的第一个用户自动成为管理员。
func (s *GormStore) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&models.User{}).Where("username = ?", username).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return ErrUsernameTaken
		}
		var total int64
		if err := tx.Model(&models.User{}).Count(&total).Error; err != nil {
			return err
		}
		user = models.User{Username: username, PasswordHash: passwordHash, IsAdmin: total == 0, LastSeen: now()}
		return tx.Create(&user).Error
	})
	if err != nil {
		return nil, wrap("create user", err)
	}
	return &user, nil
}

func (s *GormStore) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, wrap("get user", err)
	}
	return &user, nil
}

func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, wrap("get user by username", err)
	}
	return &user, nil
}

func (s *GormStore) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := s.db.WithContext(ctx).Order("id asc").Find(&users).Error; err != nil {
		return nil, wrap("list users", err)
	}
	return users, nil
}

func (s *GormStore) SetPresence(ctx context.Context, userID uint, online bool, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).
		Updates(map[string]interface{}{"online": online, "last_seen": at.UTC()})
	if res.Error != nil {
		return wrap("set presence", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set presence: %w", apperr.ErrNotFound)
	}
	return nil
}

// ResetPresence 在进程启动时把所有用户标记为离线。
func (s *GormStore) ResetPresence(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("online = ?", true).Update("online", false).Error
	return wrap("reset presence", err)
}

// EnsureMembership 幂等地创建房间与用户-房间关系。
func (s *GormStore) EnsureMembership(ctx context.Context, userID uint, room string) (bool, error) {
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Room{Name: room})
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.Membership{UserID: userID, RoomName: room}).Error
	})
	if err != nil {
		return false, wrap("ensure membership", err)
	}
	return created, nil
}

func (s *GormStore) IsMember(ctx context.Context, userID uint, room string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Membership{}).
		Where("user_id = ? AND room_name = ?", userID, room).Count(&n).Error
	if err != nil {
		return false, wrap("is member", err)
	}
	return n > 0, nil
}

func (s *GormStore) RemoveMember(ctx context.Context, userID uint, room string) (bool, error) {
	res := s.db.WithContext(ctx).Where("user_id = ? AND room_name = ?", userID, room).Delete(&models.Membership{})
	if res.Error != nil {
		return false, wrap("remove member", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) RoomExists(ctx context.Context, room string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Room{}).Where("name = ?", room).Count(&n).Error; err != nil {
		return false, wrap("room exists", err)
	}
	return n > 0, nil
}

func (s *GormStore) GetRoomsForUser(ctx context.Context, userID uint) ([]string, error) {
	names := make([]string, 0)
	err := s.db.WithContext(ctx).Model(&models.Membership{}).
		Where("user_id = ?", userID).Order("room_name asc").Pluck("room_name", &names).Error
	if err != nil {
		return nil, wrap("rooms for user", err)
	}
	return names, nil
}

func (s *GormStore) GetRoomMembers(ctx context.Context, room string) ([]Member, error) {
	members := make([]Member, 0)
	err := s.db.WithContext(ctx).Table("users").
		Select("users.id, users.username, users.online").
		Joins("JOIN user_rooms ON user_rooms.user_id = users.id").
		Where("user_rooms.room_name = ?", room).
		Order("users.username asc").
		Scan(&members).Error
	if err != nil {
		return nil, wrap("room members", err)
	}
	return members, nil
}

// OnlineUsernames 在调用时实时计算房间内在线成员，不做缓存。
func (s *GormStore) OnlineUsernames(ctx context.Context, room string) ([]string, error) {
	names := make([]string, 0)
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Joins("JOIN user_rooms ON user_rooms.user_id = users.id").
		Where("user_rooms.room_name = ? AND users.online = ?", room, true).
		Order("users.username asc").
		Pluck("users.username", &names).Error
	if err != nil {
		return nil, wrap("online usernames", err)
	}
	return names, nil
}

func (s *GormStore) ListRooms(ctx context.Context) ([]RoomSummary, error) {
	db := s.db.WithContext(ctx)
	var rooms []models.Room
	if err := db.Order("name asc").Find(&rooms).Error; err != nil {
		return nil, wrap("list rooms", err)
	}
	var edges []struct {
		RoomName string
		ID       uint
		Username string
		Online   bool
	}
	err := db.Table("user_rooms").
		Select("user_rooms.room_name, users.id, users.username, users.online").
		Joins("JOIN users ON users.id = user_rooms.user_id").
		Order("users.username asc").
		Scan(&edges).Error
	if err != nil {
		return nil, wrap("list room members", err)
	}
	var counts []struct {
		RoomName string
		Count    int64
	}
	if err := db.Model(&models.Message{}).Select("room_name, count(*) as count").Group("room_name").Scan(&counts).Error; err != nil {
		return nil, wrap("count room messages", err)
	}

	members := make(map[string][]Member, len(rooms))
	for _, e := range edges {
		members[e.RoomName] = append(members[e.RoomName], Member{ID: e.ID, Username: e.Username, Online: e.Online})
	}
	byRoom := make(map[string]int64, len(counts))
	for _, c := range counts {
		byRoom[c.RoomName] = c.Count
	}
	out := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		m := members[r.Name]
		if m == nil {
			m = []Member{}
		}
		out = append(out, RoomSummary{Name: r.Name, Members: m, MessageCount: byRoom[r.Name]})
	}
	return out, nil
}

// CreateMessage 持久化新消息。房间必须存在；父消息必须属于同一房间。
func (s *GormStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = now()
	}
	m.Timestamp = m.Timestamp.UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room models.Room
		if err := tx.Where("name = ?", m.RoomName).First(&room).Error; err != nil {
			return err
		}
		if m.ParentID != nil {
			var parent models.Message
			err := tx.Select("id", "room_name").First(&parent, *m.ParentID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBadParent
			}
			if err != nil {
				return err
			}
			if parent.RoomName != m.RoomName {
				return ErrBadParent
			}
		}
		return tx.Create(m).Error
	})
	return wrap("create message", err)
}

func (s *GormStore) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var m models.Message
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, wrap("get message", err)
	}
	return &m, nil
}

// mutateMessage 在事务中加行锁重新读取消息；已删除的消息保持不变并返回 changed=false。
func (s *GormStore) mutateMessage(ctx context.Context, op string, id uint, apply func(m *models.Message) map[string]interface{}) (*models.Message, bool, error) {
	var (
		msg     models.Message
		changed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&msg, id).Error; err != nil {
			return err
		}
		if msg.IsDeleted {
			return nil
		}
		updates := apply(&msg)
		if err := tx.Model(&models.Message{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, wrap(op, err)
	}
	return &msg, changed, nil
}

func (s *GormStore) EditMessage(ctx context.Context, id uint, content string, at time.Time) (*models.Message, bool, error) {
	return s.mutateMessage(ctx, "edit message", id, func(m *models.Message) map[string]interface{} {
		editedAt := at.UTC()
		m.Content = content
		m.EditedAt = &editedAt
		return map[string]interface{}{"content": content, "edited_at": editedAt}
	})
}

func (s *GormStore) SoftDeleteMessage(ctx context.Context, id uint) (*models.Message, bool, error) {
	return s.mutateMessage(ctx, "delete message", id, func(m *models.Message) map[string]interface{} {
		m.IsDeleted = true
		return map[string]interface{}{"is_deleted": true}
	})
}

// RecentMessages 返回房间最近 limit 条消息，按时间升序。
func (s *GormStore) RecentMessages(ctx context.Context, room string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).Where("room_name = ?", room).
		Order("timestamp desc").Order("id desc").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, wrap("recent messages", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *GormStore) ListFileMessages(ctx context.Context) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).Where("is_file = ? AND is_deleted = ?", true, false).
		Order("timestamp desc").Find(&msgs).Error
	if err != nil {
		return nil, wrap("list files", err)
	}
	return msgs, nil
}

// ToggleReaction 存在则删除、不存在则添加，返回操作后该回应是否存在。
func (s *GormStore) ToggleReaction(ctx context.Context, messageID, userID uint, emoji string) (bool, error) {
	var added bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.Message
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&msg, messageID).Error; err != nil {
			return err
		}
		res := tx.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).Delete(&models.Reaction{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		added = true
		return tx.Create(&models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}).Error
	})
	if err != nil {
		return false, wrap("toggle reaction", err)
	}
	return added, nil
}

func (s *GormStore) GetReactionsForMessage(ctx context.Context, messageID uint) ([]ReactionView, error) {
	return s.GetReactionsForMessages(ctx, []uint{messageID})
}

// GetReactionsForMessages 一次查询批量取回多条消息的回应。
func (s *GormStore) GetReactionsForMessages(ctx context.Context, messageIDs []uint) ([]ReactionView, error) {
	out := make([]ReactionView, 0)
	if len(messageIDs) == 0 {
		return out, nil
	}
	err := s.db.WithContext(ctx).Table("reactions").
		Select("reactions.message_id, reactions.emoji, users.username").
		Joins("JOIN users ON users.id = reactions.user_id").
		Where("reactions.message_id IN ?", messageIDs).
		Order("reactions.id asc").
		Scan(&out).Error
	if err != nil {
		return nil, wrap("reactions", err)
	}
	return out, nil
}

// MarkSeen 仅在回执不存在时插入，返回是否为首次插入。
func (s *GormStore) MarkSeen(ctx context.Context, messageID, userID uint) (bool, error) {
	var inserted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.Message
		if err := tx.Select("id").First(&msg, messageID).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.SeenReceipt{MessageID: messageID, UserID: userID, SeenAt: now()})
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, wrap("mark seen", err)
	}
	return inserted, nil
}

func (s *GormStore) GetSeenByForMessage(ctx context.Context, messageID uint) ([]string, error) {
	views, err := s.GetSeenByForMessages(ctx, []uint{messageID})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(views))
	for _, v := range views {
		names = append(names, v.Username)
	}
	return names, nil
}

func (s *GormStore) GetSeenByForMessages(ctx context.Context, messageIDs []uint) ([]SeenView, error) {
	out := make([]SeenView, 0)
	if len(messageIDs) == 0 {
		return out, nil
	}
	err := s.db.WithContext(ctx).Table("seen_receipts").
		Select("seen_receipts.message_id, users.username").
		Joins("JOIN users ON users.id = seen_receipts.user_id").
		Where("seen_receipts.message_id IN ?", messageIDs).
		Order("seen_receipts.id asc").
		Scan(&out).Error
	if err != nil {
		return nil, wrap("seen by", err)
	}
	return out, nil
}

func deleteMessagesIn(tx *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Where("message_id IN ?", ids).Delete(&models.Reaction{}).Error; err != nil {
		return err
	}
	if err := tx.Where("message_id IN ?", ids).Delete(&models.SeenReceipt{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", ids).Delete(&models.Message{}).Error
}

// ClearRoom 物理删除房间全部消息及其回应、已读回执，房间与成员关系保留。
func (s *GormStore) ClearRoom(ctx context.Context, room string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&models.Message{}).Where("room_name = ?", room).Pluck("id", &ids).Error; err != nil {
			return err
		}
		n = int64(len(ids))
		return deleteMessagesIn(tx, ids)
	})
	if err != nil {
		return 0, wrap("clear room", err)
	}
	return n, nil
}

// DeleteRoom 级联删除房间，返回被删除文件消息的 URL，供调用方清理文件。
func (s *GormStore) DeleteRoom(ctx context.Context, room string) ([]string, error) {
	urls := make([]string, 0)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r models.Room
		if err := tx.Where("name = ?", room).First(&r).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Message{}).Where("room_name = ? AND is_file = ?", room, true).Pluck("content", &urls).Error; err != nil {
			return err
		}
		var ids []uint
		if err := tx.Model(&models.Message{}).Where("room_name = ?", room).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if err := deleteMessagesIn(tx, ids); err != nil {
			return err
		}
		if err := tx.Where("room_name = ?", room).Delete(&models.Membership{}).Error; err != nil {
			return err
		}
		return tx.Where("name = ?", room).Delete(&models.Room{}).Error
	})
	if err != nil {
		return nil, wrap("delete room", err)
	}
	return urls, nil
}

func (s *GormStore) SaveRefreshToken(ctx context.Context, userID uint, token string, expiresAt time.Time) error {
	rt := models.RefreshToken{UserID: userID, Token: token, ExpiresAt: expiresAt.UTC()}
	return wrap("save refresh token", s.db.WithContext(ctx).Create(&rt).Error)
}

// RotateRefreshToken 校验并吊销旧 refresh token，同时写入新 token（旋转刷新）。
func (s *GormStore) RotateRefreshToken(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (uint, error) {
	var userID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.RefreshToken
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ? AND revoked_at IS NULL AND expires_at > ?", oldToken, now()).First(&rec).Error
		if err != nil {
			return err
		}
		revokedAt := now()
		// 并发刷新时只有一个事务能完成吊销。
		res := tx.Model(&models.RefreshToken{}).Where("id = ? AND revoked_at IS NULL", rec.ID).Update("revoked_at", &revokedAt)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return gorm.ErrRecordNotFound
		}
		userID = rec.UserID
		return tx.Create(&models.RefreshToken{UserID: rec.UserID, Token: newToken, ExpiresAt: expiresAt.UTC()}).Error
	})
	if err != nil {
		return 0, wrap("rotate refresh token", err)
	}
	return userID, nil
}

var _ Store = (*GormStore)(nil)
