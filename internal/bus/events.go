package bus

// 服务端下发的事件名。
const (
	EventLoadHistory    = "load_history"
	EventReceiveMessage = "receive_message"
	EventMessageEdited  = "message_edited"
	EventMessageReacted = "message_reacted"
	EventMessageDeleted = "message_deleted"
	EventMessageSeenBy  = "message_seen_by"
	EventUserStatus     = "user_status"
	EventTyping         = "typing"
	EventRoomDeleted    = "room_deleted"
	EventError          = "error"
)

// Broadcaster 是业务组件对总线的最小依赖。
type Broadcaster interface {
	Broadcast(roomName string, evt Event, excludeConnID string)
}

var _ Broadcaster = (*Hub)(nil)
