// Package tokens 保存管理员代登录使用的一次性令牌。
package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/HasNetwork/chat/internal/apperr"
)

// TTL 是一次性令牌的有效期。
const TTL = 30 * time.Second

// ErrInvalid 表示令牌不存在、已过期或已被使用。
var ErrInvalid = fmt.Errorf("%w: invalid or expired token", apperr.ErrAuth)

// Store 签发并消费一次性令牌，Consume 成功后令牌立即失效。
type Store interface {
	Issue(ctx context.Context, userID uint) (string, error)
	Consume(ctx context.Context, token string) (uint, error)
	Close() error
}

// New 在配置了 redisURL 时使用 Redis，否则退回进程内实现。
func New(ctx context.Context, redisURL string) (Store, error) {
	if redisURL == "" {
		return NewMemory(), nil
	}
	return NewRedis(ctx, redisURL)
}
