package service

import (
	"errors"
	"fmt"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/store"
)

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码或 WebSocket error 事件。
var (
	ErrUsernameTaken      = store.ErrUsernameTaken
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", apperr.ErrAuth)
	ErrInvalidRoom        = apperr.Invalid("invalid room name")
	ErrRoomNotFound       = fmt.Errorf("room %w", apperr.ErrNotFound)
	ErrMessageNotFound    = fmt.Errorf("message %w", apperr.ErrNotFound)
	ErrNotMember          = fmt.Errorf("%w: not a member of the room", apperr.ErrAuth)
	ErrNotAuthor          = fmt.Errorf("%w: not the message author", apperr.ErrAuth)

	// ErrMessageDeleted 表示目标消息已处于终态，调用方应静默忽略。
	ErrMessageDeleted = errors.New("message deleted")
)

func notFoundAs(err, target error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return target
	}
	return err
}
