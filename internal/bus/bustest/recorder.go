// Package bustest 提供记录广播调用的 Broadcaster，供业务层测试断言。
package bustest

import (
	"sync"

	"github.com/HasNetwork/chat/internal/bus"
)

type Sent struct {
	Room    string
	Event   bus.Event
	Exclude string
}

type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Recorder) Broadcast(room string, evt bus.Event, exclude string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{Room: room, Event: evt, Exclude: exclude})
}

// All 返回目前记录的全部广播。
func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// Named 只返回指定事件名的广播。
func (r *Recorder) Named(name string) []Sent {
	var out []Sent
	for _, s := range r.All() {
		if s.Event.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
