package models

import (
	"strings"
	"time"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	IsAdmin      bool   `gorm:"not null;default:false"`
	Online       bool   `gorm:"not null;default:false"`
	LastSeen     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Room 以名称作为主键，首次 join 时懒创建。
type Room struct {
	Name      string `gorm:"primaryKey;size:100"`
	CreatedAt time.Time
}

// Membership 是 user_rooms 多对多关系表。
type Membership struct {
	UserID    uint   `gorm:"primaryKey"`
	RoomName  string `gorm:"primaryKey;size:100;index"`
	CreatedAt time.Time
}

func (Membership) TableName() string { return "user_rooms" }

type Message struct {
	ID        uint      `gorm:"primaryKey"`
	RoomName  string    `gorm:"size:100;not null;index:idx_message_room_time,priority:1"`
	UserID    uint      `gorm:"index;not null"`
	Username  string    `gorm:"size:64;not null"`
	Content   string    `gorm:"type:text;not null"`
	Timestamp time.Time `gorm:"not null;index:idx_message_room_time,priority:2"`
	IsFile    bool      `gorm:"not null;default:false"`
	Filename  *string   `gorm:"size:200"`
	ParentID  *uint     `gorm:"index"`
	IsDeleted bool      `gorm:"not null;default:false"`
	EditedAt  *time.Time
}

type Reaction struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID uint   `gorm:"not null;uniqueIndex:idx_reaction_unique,priority:1;index:idx_reaction_message"`
	UserID    uint   `gorm:"not null;uniqueIndex:idx_reaction_unique,priority:2"`
	Emoji     string `gorm:"size:32;not null;uniqueIndex:idx_reaction_unique,priority:3"`
	CreatedAt time.Time
}

// SeenReceipt 记录用户已读某条消息，每人每条消息最多一条。
type SeenReceipt struct {
	ID        uint `gorm:"primaryKey"`
	MessageID uint `gorm:"not null;uniqueIndex:idx_message_seen,priority:1"`
	UserID    uint `gorm:"not null;uniqueIndex:idx_message_seen,priority:2"`
	SeenAt    time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

// MaxRoomNameLen 与 Room.Name 列宽一致。
const MaxRoomNameLen = 100

// NormalizeRoomName 去除首尾空白并校验房间名长度。
func NormalizeRoomName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxRoomNameLen {
		return "", false
	}
	return name, true
}
