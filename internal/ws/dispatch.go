package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HasNetwork/chat/internal/apperr"
	"github.com/HasNetwork/chat/internal/bus"
	"github.com/HasNetwork/chat/internal/metrics"
	"github.com/HasNetwork/chat/internal/service"

	"github.com/rs/zerolog/log"
)

var (
	errMalformed    = apperr.Invalid("malformed event")
	errUnknownEvent = apperr.Invalid("unknown event")
	errRateLimited  = apperr.Invalid("rate limit exceeded")
	errNotJoined    = fmt.Errorf("%w: room not joined on this connection", apperr.ErrAuth)
	errNoMessageID  = apperr.Invalid("missing message_id")
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type roomData struct {
	Room string `json:"room"`
}

type sendData struct {
	Room     string `json:"room"`
	Message  string `json:"message"`
	ParentID *uint  `json:"parent_id"`
}

type editData struct {
	MessageID  uint   `json:"message_id"`
	NewContent string `json:"new_content"`
}

type messageData struct {
	MessageID uint `json:"message_id"`
}

type reactData struct {
	MessageID uint   `json:"message_id"`
	Emoji     string `json:"emoji"`
}

func (d *editData) ref() uint    { return d.MessageID }
func (d *messageData) ref() uint { return d.MessageID }
func (d *reactData) ref() uint   { return d.MessageID }

// messageRef 是所有针对单条消息的事件数据，message_id 必填。
type messageRef interface {
	ref() uint
}

type typingData struct {
	Room     string `json:"room"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorPayload 是单播给发起连接的 error 事件数据。
type ErrorPayload struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type eventHandler func(ctx context.Context, c *Client, data json.RawMessage) error

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return errMalformed
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errMalformed
	}
	return nil
}

func decodeRef(data json.RawMessage, v messageRef) error {
	if err := decode(data, v); err != nil {
		return err
	}
	if v.ref() == 0 {
		return errNoMessageID
	}
	return nil
}

func (h *Handler) dispatchTable() map[string]eventHandler {
	return map[string]eventHandler{
		"join": func(ctx context.Context, c *Client, data json.RawMessage) error {
			var d roomData
			if err := decode(data, &d); err != nil {
				return err
			}
			_, err := h.registry.Join(ctx, c.id, c.userID, d.Room)
			return err
		},
		"leave": func(ctx context.Context, c *Client, data json.RawMessage) error {
			var d roomData
			if err := decode(data, &d); err != nil {
				return err
			}
			h.registry.Leave(ctx, c.id, d.Room)
			return nil
		},
		"send_message": func(ctx context.Context, c *Client, data json.RawMessage) error {
			var d sendData
			if err := decode(data, &d); err != nil {
				return err
			}
			_, err := h.msgs.Send(ctx, d.Room, c.userID, d.Message, d.ParentID)
			return err
		},
		"edit_message": func(ctx context.Context, c *Client, data json.RawMessage) error {
			var d editData
			if err := decodeRef(data, &d); err != nil {
				return err
			}
			_, err := h.msgs.Edit(ctx, d.MessageID, c.userID, d.NewContent)
			return err
		},
		"delete_message": func(ctx context.Context, c *Client, data json.RawMessage) error {
			var d messageData
			if err := decodeRef(data, &d); err != nil {
				return err
			}
			return h.msgs.Delete(ctx, d.MessageID, c.userID)
		},
		"react_message": func(ctx context.Context, c *Client, data json.RawMessage) error {
			var d reactData
			if err := decodeRef(data, &d); err != nil {
				return err
			}
			_, err := h.msgs.React(ctx, d.MessageID, c.userID, d.Emoji)
			return err
		},
		"typing": func(ctx context.Context, c *Client, data json.RawMessage) error {
			var d typingData
			if err := decode(data, &d); err != nil {
				return err
			}
			if !h.registry.InRoom(c.id, d.Room) {
				return errNotJoined
			}
			h.presence.Typing(c.id, c.uname, d.Room, d.IsTyping)
			return nil
		},
		"message_seen": func(ctx context.Context, c *Client, data json.RawMessage) error {
			var d messageData
			if err := decodeRef(data, &d); err != nil {
				return err
			}
			return h.msgs.MarkSeen(ctx, d.MessageID, c.userID)
		},
	}
}

func (h *Handler) dispatch(ctx context.Context, c *Client, in inbound) {
	route, ok := h.routes[in.Event]
	if !ok {
		metrics.WsEventsTotal.WithLabelValues("unknown", "error").Inc()
		h.reply(c, in.Event, errUnknownEvent)
		return
	}
	if !c.limiter.Allow() {
		metrics.WsEventsTotal.WithLabelValues(in.Event, "rate_limited").Inc()
		h.reply(c, in.Event, errRateLimited)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	err := route(ctx, c, in.Data)
	switch {
	case err == nil:
		metrics.WsEventsTotal.WithLabelValues(in.Event, "ok").Inc()
	case errors.Is(err, service.ErrMessageDeleted):
		metrics.WsEventsTotal.WithLabelValues(in.Event, "ignored").Inc()
	default:
		metrics.WsEventsTotal.WithLabelValues(in.Event, "error").Inc()
		h.reply(c, in.Event, err)
	}
}

// reply 把错误单播给发起连接；存储类错误不向客户端暴露细节。
func (h *Handler) reply(c *Client, event string, err error) {
	code := apperr.Code(err)
	msg := err.Error()
	if code == "storage" {
		log.Error().Err(err).Str("conn_id", c.id).Str("event", event).Msg("ws event failed")
		msg = "internal error"
	}
	c.sendEvent(bus.Event{Name: bus.EventError, Data: ErrorPayload{Event: event, Code: code, Error: msg}})
}
