package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type item struct {
	userID uint
	exp    time.Time
}

// Memory 是单进程部署使用的令牌存储。
type Memory struct {
	mu    sync.Mutex
	items map[string]item
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]item), now: time.Now}
}

func (m *Memory) Issue(ctx context.Context, userID uint) (string, error) {
	token := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, v := range m.items {
		if now.After(v.exp) {
			delete(m.items, k)
		}
	}
	m.items[token] = item{userID: userID, exp: now.Add(TTL)}
	return token, nil
}

func (m *Memory) Consume(ctx context.Context, token string) (uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[token]
	delete(m.items, token)
	if !ok || m.now().After(v.exp) {
		return 0, ErrInvalid
	}
	return v.userID, nil
}

func (m *Memory) Close() error { return nil }
