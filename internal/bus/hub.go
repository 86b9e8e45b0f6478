// Package bus 是房间消息总线：每个房间一个分发 goroutine，按调用顺序向房间内连接扇出事件。
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Conn 是总线可投递的连接。Send 必须非阻塞，缓冲区满或已关闭时返回 false。
type Conn interface {
	ID() string
	Send(msg []byte) bool
	Close()
}

// Event 是服务端下发的事件信封。
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data"`
}

func Encode(evt Event) ([]byte, error) { return json.Marshal(evt) }

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*RoomHub
	conns  map[string]Conn
	closed bool
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*RoomHub), conns: make(map[string]Conn)}
}

// Attach 登记一个活跃连接，之后才能加入房间或接收单播。
func (h *Hub) Attach(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
	metrics.WsConnections.Inc()
}

// Detach 注销连接，可重复调用。
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	_, ok := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()
	if ok {
		metrics.WsConnections.Dec()
	}
}

func (h *Hub) conn(connID string) Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[connID]
}

// room 返回房间的子 Hub，create 为 true 时懒加载。
func (h *Hub) room(name string, create bool) *RoomHub {
	h.mu.RLock()
	room := h.rooms[name]
	closed := h.closed
	h.mu.RUnlock()
	if room != nil || !create || closed {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	room = h.rooms[name]
	if room != nil {
		return room
	}
	room = newRoomHub(h, name)
	h.rooms[name] = room
	metrics.RoomsActive.Inc()
	go room.run()
	return room
}

// Join 把已登记的连接加入房间，返回时成员关系已生效。
func (h *Hub) Join(roomName, connID string) error {
	c := h.conn(connID)
	if c == nil {
		return fmt.Errorf("join %q: connection %s: %w", roomName, connID, apperr.ErrNotFound)
	}
	for {
		rh := h.room(roomName, true)
		if rh == nil {
			return fmt.Errorf("join %q: hub closed: %w", roomName, apperr.ErrDelivery)
		}
		if _, ok := rh.do(op{kind: opJoin, conn: c}); ok {
			return nil
		}
		// 空房间刚被回收时换一个新的子 Hub 重试。
		if !rh.retired {
			return fmt.Errorf("join %q: room closed: %w", roomName, apperr.ErrDelivery)
		}
	}
}

// retire 在房间变空且没有排队操作时把子 Hub 摘除，返回 true 表示分发 goroutine 应退出。
func (h *Hub) retire(rh *RoomHub) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[rh.name] != rh || len(rh.ops) > 0 {
		return false
	}
	delete(h.rooms, rh.name)
	rh.retired = true
	metrics.RoomsActive.Dec()
	return true
}

// Leave 把连接移出房间，连接不在房间内时为空操作。
func (h *Hub) Leave(roomName, connID string) {
	if rh := h.room(roomName, false); rh != nil {
		rh.do(op{kind: opLeave, connID: connID})
	}
}

// Broadcast 把事件投递给房间内除 excludeConnID 外的全部连接。
// 同一房间的多次调用按调用顺序送达；单个连接投递失败只会把它移出房间。
func (h *Hub) Broadcast(roomName string, evt Event, excludeConnID string) {
	rh := h.room(roomName, false)
	if rh == nil {
		return
	}
	b, err := Encode(evt)
	if err != nil {
		log.Error().Err(err).Str("room", roomName).Str("event", evt.Name).Msg("encode event")
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(evt.Name).Inc()
	rh.enqueue(op{kind: opBroadcast, data: b, exclude: excludeConnID, event: evt.Name})
}

// SendToInitiator 单播给指定连接，用于历史回放与错误回执。
func (h *Hub) SendToInitiator(connID string, evt Event) error {
	c := h.conn(connID)
	if c == nil {
		return fmt.Errorf("unicast %s: %w", connID, apperr.ErrNotFound)
	}
	b, err := Encode(evt)
	if err != nil {
		return err
	}
	if !c.Send(b) {
		metrics.DeliveryEvictions.Inc()
		c.Close()
		return fmt.Errorf("unicast %s to %s: %w", evt.Name, connID, apperr.ErrDelivery)
	}
	return nil
}

// Members 返回房间内当前连接 id。
func (h *Hub) Members(roomName string) []string {
	rh := h.room(roomName, false)
	if rh == nil {
		return nil
	}
	ids, _ := rh.do(op{kind: opMembers})
	return ids
}

// Online 返回房间在线连接数量，供 REST 接口复用。
func (h *Hub) Online(roomName string) int {
	rh := h.room(roomName, false)
	if rh == nil {
		return 0
	}
	return rh.Online()
}

// CloseRoom 停止房间分发并返回被移出的连接 id。
func (h *Hub) CloseRoom(roomName string) []string {
	h.mu.Lock()
	rh := h.rooms[roomName]
	delete(h.rooms, roomName)
	h.mu.Unlock()
	if rh == nil {
		return nil
	}
	metrics.RoomsActive.Dec()
	ids, _ := rh.do(op{kind: opClose})
	return ids
}

// Close 停止所有房间，用于优雅停服。
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	names := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		names = append(names, name)
	}
	h.mu.Unlock()
	for _, name := range names {
		h.CloseRoom(name)
	}
}

type opKind int

const (
	opJoin opKind = iota
	opLeave
	opBroadcast
	opMembers
	opClose
)

type op struct {
	kind    opKind
	conn    Conn
	connID  string
	data    []byte
	event   string
	exclude string
	ack     chan []string
}

// RoomHub 持有单个房间的连接集合。所有操作经同一个 channel 串行处理，保证先后顺序。
// 最后一个连接离开后子 Hub 被回收，下次 Join 时重新创建。
type RoomHub struct {
	hub     *Hub
	name    string
	clients map[string]Conn
	ops     chan op
	done    chan struct{}
	online  int32
	// retired 只在 done 关闭前写入。
	retired bool
}

func newRoomHub(h *Hub, name string) *RoomHub {
	return &RoomHub{
		hub:     h,
		name:    name,
		clients: make(map[string]Conn),
		ops:     make(chan op, 256),
		done:    make(chan struct{}),
	}
}

func (rh *RoomHub) enqueue(o op) bool {
	select {
	case rh.ops <- o:
		return true
	case <-rh.done:
		return false
	}
}

// do 提交操作并等待分发 goroutine 处理完成。
func (rh *RoomHub) do(o op) ([]string, bool) {
	o.ack = make(chan []string, 1)
	if !rh.enqueue(o) {
		return nil, false
	}
	select {
	case ids := <-o.ack:
		return ids, true
	case <-rh.done:
		return nil, false
	}
}

func (rh *RoomHub) run() {
	defer close(rh.done)
	for o := range rh.ops {
		switch o.kind {
		case opJoin:
			rh.clients[o.conn.ID()] = o.conn
		case opLeave:
			delete(rh.clients, o.connID)
		case opBroadcast:
			rh.fanout(o)
			if len(rh.clients) == 0 && rh.hub.retire(rh) {
				atomic.StoreInt32(&rh.online, 0)
				return
			}
		case opMembers:
			o.ack <- rh.ids()
			continue
		case opClose:
			ids := rh.ids()
			rh.clients = make(map[string]Conn)
			atomic.StoreInt32(&rh.online, 0)
			o.ack <- ids
			return
		}
		atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
		// 先摘除再回执，Leave 返回时空房间已不在 Hub 中。
		retired := o.kind == opLeave && len(rh.clients) == 0 && rh.hub.retire(rh)
		if o.ack != nil {
			o.ack <- nil
		}
		if retired {
			return
		}
	}
}

func (rh *RoomHub) fanout(o op) {
	for id, c := range rh.clients {
		if id == o.exclude {
			continue
		}
		if c.Send(o.data) {
			continue
		}
		// 慢连接或已断开：移出房间并关闭，由传输层触发 Disconnect。
		delete(rh.clients, id)
		c.Close()
		metrics.DeliveryEvictions.Inc()
		log.Warn().Str("room", rh.name).Str("conn", id).Str("event", o.event).Msg("evict slow connection")
	}
}

func (rh *RoomHub) ids() []string {
	ids := make([]string, 0, len(rh.clients))
	for id := range rh.clients {
		ids = append(ids, id)
	}
	return ids
}

// Online 返回房间在线连接数量。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
