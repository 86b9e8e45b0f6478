package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/bus"
	"github.com/HasNetwork/chat/internal/keylock"
	"github.com/HasNetwork/chat/internal/metrics"
	"github.com/HasNetwork/chat/internal/models"
	"github.com/HasNetwork/chat/internal/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
	MaxContentLen       = 4000
	MaxEmojiLen         = 32
)

// MessageService 是消息管线：校验、持久化、补全后交给房间总线广播。
type MessageService struct {
	store        store.Store
	bus          bus.Broadcaster
	locks        *keylock.Locker
	historyLimit int
	now          func() time.Time
}

func NewMessageService(s store.Store, b bus.Broadcaster, historyLimit int) *MessageService {
	if historyLimit <= 0 || historyLimit > MaxHistoryLimit {
		historyLimit = DefaultHistoryLimit
	}
	return &MessageService{
		store:        s,
		bus:          b,
		locks:        keylock.New(),
		historyLimit: historyLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

type ReactionDTO struct {
	Emoji string `json:"emoji"`
	User  string `json:"user"`
}

// MessageDTO 是对外输出的消息数据，时间均为 UTC。
type MessageDTO struct {
	ID        uint          `json:"id"`
	Room      string        `json:"room"`
	User      string        `json:"user"`
	Message   string        `json:"message"`
	IsFile    bool          `json:"is_file"`
	Filename  *string       `json:"filename"`
	URL       *string       `json:"url"`
	Timestamp time.Time     `json:"timestamp"`
	ParentID  *uint         `json:"parent_id"`
	IsDeleted bool          `json:"is_deleted"`
	EditedAt  *time.Time    `json:"edited_at"`
	Reactions []ReactionDTO `json:"reactions"`
	SeenBy    []string      `json:"seen_by"`
}

type HistoryPayload struct {
	Room     string       `json:"room"`
	Messages []MessageDTO `json:"messages"`
}

type EditedPayload struct {
	Room       string    `json:"room"`
	MessageID  uint      `json:"message_id"`
	NewContent string    `json:"new_content"`
	EditedAt   time.Time `json:"edited_at"`
}

type DeletedPayload struct {
	Room      string `json:"room"`
	MessageID uint   `json:"message_id"`
}

type ReactedPayload struct {
	Room      string        `json:"room"`
	MessageID uint          `json:"message_id"`
	Reactions []ReactionDTO `json:"reactions"`
}

type SeenByPayload struct {
	Room      string   `json:"room"`
	MessageID uint     `json:"message_id"`
	SeenBy    []string `json:"seen_by"`
}

func toDTO(m models.Message, reactions []ReactionDTO, seenBy []string) MessageDTO {
	if reactions == nil {
		reactions = []ReactionDTO{}
	}
	if seenBy == nil {
		seenBy = []string{}
	}
	dto := MessageDTO{
		ID:        m.ID,
		Room:      m.RoomName,
		User:      m.Username,
		Message:   m.Content,
		IsFile:    m.IsFile,
		Filename:  m.Filename,
		Timestamp: m.Timestamp.UTC(),
		ParentID:  m.ParentID,
		IsDeleted: m.IsDeleted,
		Reactions: reactions,
		SeenBy:    seenBy,
	}
	if m.IsFile {
		url := m.Content
		dto.URL = &url
	}
	if m.EditedAt != nil {
		at := m.EditedAt.UTC()
		dto.EditedAt = &at
	}
	return dto
}

func reactionDTOs(views []store.ReactionView) []ReactionDTO {
	out := make([]ReactionDTO, 0, len(views))
	for _, v := range views {
		out = append(out, ReactionDTO{Emoji: v.Emoji, User: v.Username})
	}
	return out
}

func validContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Invalid("empty message")
	}
	if utf8.RuneCountInString(content) > MaxContentLen {
		return apperr.Invalid("message too long")
	}
	return nil
}

// requireMember 校验用户存在且属于房间。
func (s *MessageService) requireMember(ctx context.Context, userID uint, room string) (*models.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, notFoundAs(err, ErrNotMember)
	}
	ok, err := s.store.IsMember(ctx, userID, room)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}
	return user, nil
}

// loadOwn 读取消息并校验作者身份与房间成员关系。
func (s *MessageService) loadOwn(ctx context.Context, messageID, userID uint) (*models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, notFoundAs(err, ErrMessageNotFound)
	}
	if msg.UserID != userID {
		return nil, ErrNotAuthor
	}
	if _, err := s.requireMember(ctx, userID, msg.RoomName); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *MessageService) loadVisible(ctx context.Context, messageID, userID uint) (*models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, notFoundAs(err, ErrMessageNotFound)
	}
	if _, err := s.requireMember(ctx, userID, msg.RoomName); err != nil {
		return nil, err
	}
	return msg, nil
}

// Send 持久化一条新文本消息并广播 receive_message。
func (s *MessageService) Send(ctx context.Context, room string, userID uint, content string, parentID *uint) (*MessageDTO, error) {
	if err := validContent(content); err != nil {
		return nil, err
	}
	return s.create(ctx, room, userID, models.Message{Content: content, ParentID: parentID})
}

// SendFile 记录一条已上传文件的消息，content 为文件 URL。
func (s *MessageService) SendFile(ctx context.Context, room string, userID uint, url, filename string) (*MessageDTO, error) {
	if url == "" {
		return nil, apperr.Invalid("missing file url")
	}
	name := filename
	return s.create(ctx, room, userID, models.Message{Content: url, IsFile: true, Filename: &name})
}

func (s *MessageService) create(ctx context.Context, room string, userID uint, msg models.Message) (*MessageDTO, error) {
	room, ok := models.NormalizeRoomName(room)
	if !ok {
		return nil, ErrInvalidRoom
	}
	user, err := s.requireMember(ctx, userID, room)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(room)
	defer unlock()

	msg.RoomName = room
	msg.UserID = user.ID
	msg.Username = user.Username
	msg.Timestamp = s.now()
	if err := s.store.CreateMessage(ctx, &msg); err != nil {
		return nil, notFoundAs(err, ErrRoomNotFound)
	}
	metrics.WsMessagesTotal.Inc()

	dto := toDTO(msg, nil, nil)
	s.bus.Broadcast(room, bus.Event{Name: bus.EventReceiveMessage, Data: dto}, "")
	return &dto, nil
}

// Edit 修改自己的消息。已删除的消息返回 ErrMessageDeleted 且不广播。
func (s *MessageService) Edit(ctx context.Context, messageID, userID uint, newContent string) (*MessageDTO, error) {
	msg, err := s.loadOwn(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if err := validContent(newContent); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(msg.RoomName)
	defer unlock()

	updated, changed, err := s.store.EditMessage(ctx, messageID, newContent, s.now())
	if err != nil {
		return nil, notFoundAs(err, ErrMessageNotFound)
	}
	if !changed {
		return nil, ErrMessageDeleted
	}
	s.bus.Broadcast(updated.RoomName, bus.Event{Name: bus.EventMessageEdited, Data: EditedPayload{
		Room:       updated.RoomName,
		MessageID:  updated.ID,
		NewContent: updated.Content,
		EditedAt:   updated.EditedAt.UTC(),
	}}, "")
	dto := toDTO(*updated, nil, nil)
	return &dto, nil
}

// Delete 软删除自己的消息，内容保留。
func (s *MessageService) Delete(ctx context.Context, messageID, userID uint) error {
	msg, err := s.loadOwn(ctx, messageID, userID)
	if err != nil {
		return err
	}
	return s.softDelete(ctx, msg.RoomName, messageID)
}

func (s *MessageService) softDelete(ctx context.Context, room string, messageID uint) error {
	unlock := s.locks.Lock(room)
	defer unlock()

	_, changed, err := s.store.SoftDeleteMessage(ctx, messageID)
	if err != nil {
		return notFoundAs(err, ErrMessageNotFound)
	}
	if !changed {
		return ErrMessageDeleted
	}
	s.bus.Broadcast(room, bus.Event{Name: bus.EventMessageDeleted, Data: DeletedPayload{Room: room, MessageID: messageID}}, "")
	return nil
}

// React 切换 (消息, 用户, 表情) 回应，并广播该消息完整的回应列表。
func (s *MessageService) React(ctx context.Context, messageID, userID uint, emoji string) ([]ReactionDTO, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > MaxEmojiLen {
		return nil, apperr.Invalid("invalid emoji")
	}
	msg, err := s.loadVisible(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(msg.RoomName)
	defer unlock()

	if _, err := s.store.ToggleReaction(ctx, messageID, userID, emoji); err != nil {
		return nil, notFoundAs(err, ErrMessageNotFound)
	}
	views, err := s.store.GetReactionsForMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	reactions := reactionDTOs(views)
	s.bus.Broadcast(msg.RoomName, bus.Event{Name: bus.EventMessageReacted, Data: ReactedPayload{
		Room:      msg.RoomName,
		MessageID: messageID,
		Reactions: reactions,
	}}, "")
	return reactions, nil
}

// MarkSeen 记录已读回执；仅首次插入时广播 message_seen_by。
func (s *MessageService) MarkSeen(ctx context.Context, messageID, userID uint) error {
	msg, err := s.loadVisible(ctx, messageID, userID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(msg.RoomName)
	defer unlock()

	inserted, err := s.store.MarkSeen(ctx, messageID, userID)
	if err != nil {
		return notFoundAs(err, ErrMessageNotFound)
	}
	if !inserted {
		return nil
	}
	names, err := s.store.GetSeenByForMessage(ctx, messageID)
	if err != nil {
		return err
	}
	s.bus.Broadcast(msg.RoomName, bus.Event{Name: bus.EventMessageSeenBy, Data: SeenByPayload{
		Room:      msg.RoomName,
		MessageID: messageID,
		SeenBy:    names,
	}}, "")
	return nil
}

// LoadHistory 返回房间最近 limit 条消息（升序），回应与已读名单各用一次批量查询取回。
func (s *MessageService) LoadHistory(ctx context.Context, room string, limit int) ([]MessageDTO, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	msgs, err := s.store.RecentMessages(ctx, room, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	reactions, err := s.store.GetReactionsForMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	seen, err := s.store.GetSeenByForMessages(ctx, ids)
	if err != nil {
		return nil, err
	}

	byMsg := make(map[uint][]ReactionDTO, len(msgs))
	for _, r := range reactions {
		byMsg[r.MessageID] = append(byMsg[r.MessageID], ReactionDTO{Emoji: r.Emoji, User: r.Username})
	}
	seenBy := make(map[uint][]string, len(msgs))
	for _, v := range seen {
		seenBy[v.MessageID] = append(seenBy[v.MessageID], v.Username)
	}

	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toDTO(m, byMsg[m.ID], seenBy[m.ID]))
	}
	return out, nil
}

// History 是带成员校验的历史读取，供 REST 接口使用。
func (s *MessageService) History(ctx context.Context, userID uint, room string, limit int) ([]MessageDTO, error) {
	room, ok := models.NormalizeRoomName(room)
	if !ok {
		return nil, ErrInvalidRoom
	}
	if _, err := s.requireMember(ctx, userID, room); err != nil {
		return nil, err
	}
	return s.LoadHistory(ctx, room, limit)
}

// HistoryEvent 构造 join 后单播给发起连接的 load_history 事件。
func (s *MessageService) HistoryEvent(ctx context.Context, room string) (bus.Event, error) {
	msgs, err := s.LoadHistory(ctx, room, s.historyLimit)
	if err != nil {
		return bus.Event{}, err
	}
	return bus.Event{Name: bus.EventLoadHistory, Data: HistoryPayload{Room: room, Messages: msgs}}, nil
}
