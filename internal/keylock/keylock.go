// Package keylock 提供按字符串键加锁的互斥量，键在无人持有时自动回收。
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker { return &Locker{locks: make(map[string]*entry)} }

// Lock 获取 key 对应的锁，返回的函数用于释放。
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e := l.locks[key]
	if e == nil {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len 返回当前被持有或等待中的键数量。
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
