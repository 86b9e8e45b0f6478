package bustest

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

// Received 是解码后的下行事件，Data 保留原始 JSON 便于按需解析。
type Received struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Conn 是带缓冲的内存连接，实现 bus.Conn。
type Conn struct {
	id     string
	ch     chan []byte
	closed atomic.Bool
}

func NewConn(id string, buf int) *Conn {
	return &Conn{id: id, ch: make(chan []byte, buf)}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(b []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.ch <- b:
		return true
	default:
		return false
	}
}

func (c *Conn) Close() { c.closed.Store(true) }

func (c *Conn) Closed() bool { return c.closed.Load() }

// Next 等待下一条事件。
func (c *Conn) Next(t testing.TB) Received {
	t.Helper()
	select {
	case b := <-c.ch:
		var r Received
		if err := json.Unmarshal(b, &r); err != nil {
			t.Fatalf("%s: decode %s: %v", c.id, b, err)
		}
		return r
	case <-time.After(time.Second):
		t.Fatalf("%s: no event received", c.id)
		return Received{}
	}
}

// NextNamed 丢弃其他事件，直到收到指定名称的事件，并把 data 解码到 v。
func (c *Conn) NextNamed(t testing.TB, name string, v interface{}) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case b := <-c.ch:
			var r Received
			if err := json.Unmarshal(b, &r); err != nil {
				t.Fatalf("%s: decode %s: %v", c.id, b, err)
			}
			if r.Name != name {
				continue
			}
			if v != nil {
				if err := json.Unmarshal(r.Data, v); err != nil {
					t.Fatalf("%s: decode %s data: %v", c.id, name, err)
				}
			}
			return
		case <-deadline:
			t.Fatalf("%s: no %s event received", c.id, name)
			return
		}
	}
}

// ExpectNone 断言短时间内没有收到指定事件；name 为空时不允许任何事件。
func (c *Conn) ExpectNone(t testing.TB, name string) {
	t.Helper()
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case b := <-c.ch:
			var r Received
			_ = json.Unmarshal(b, &r)
			if name == "" || r.Name == name {
				t.Errorf("%s: unexpected event %s", c.id, b)
				return
			}
		case <-deadline:
			return
		}
	}
}
