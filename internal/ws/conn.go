package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/HasNetwork/chat/internal/auth"
	"github.com/HasNetwork/chat/internal/bus"
	"github.com/HasNetwork/chat/internal/presence"
	"github.com/HasNetwork/chat/internal/registry"
	"github.com/HasNetwork/chat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	eventTimeout   = 10 * time.Second

	eventsPerSecond = 20
	eventBurst      = 40
)

// Client 是一条 WebSocket 连接，实现 bus.Conn。
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	userID  uint
	uname   string
	limiter *rate.Limiter
}

func newClient(conn *websocket.Conn, buf int, userID uint, uname string) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, buf),
		done:    make(chan struct{}),
		userID:  userID,
		uname:   uname,
		limiter: rate.NewLimiter(eventsPerSecond, eventBurst),
	}
}

func (c *Client) ID() string { return c.id }

// Send 非阻塞入队；缓冲区满或连接已关闭时返回 false。
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close 可重复调用，writePump 收到信号后关闭底层连接。
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) sendEvent(evt bus.Event) {
	b, err := bus.Encode(evt)
	if err != nil {
		log.Error().Err(err).Str("event", evt.Name).Msg("encode event")
		return
	}
	if !c.Send(b) {
		c.Close()
	}
}

// Handler 把 WebSocket 连接接入注册表与消息管线。
type Handler struct {
	registry   *registry.Registry
	msgs       *service.MessageService
	presence   *presence.Tracker
	users      auth.UserGetter
	secret     string
	sendBuffer int
	routes     map[string]eventHandler
	upgrader   websocket.Upgrader
}

// NewHandler 构造 WebSocket 入口。checkOrigin 为 nil 时只接受同源或无 Origin 的握手。
func NewHandler(reg *registry.Registry, msgs *service.MessageService, p *presence.Tracker, users auth.UserGetter, secret string, sendBuffer int, checkOrigin func(*http.Request) bool) *Handler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	h := &Handler{registry: reg, msgs: msgs, presence: p, users: users, secret: secret, sendBuffer: sendBuffer}
	h.routes = h.dispatchTable()
	h.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}
	return h
}

// Serve 校验 token（query 参数或 Authorization 头）后升级连接。
func (h *Handler) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = auth.BearerToken(c)
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		user, err := auth.Authenticate(c.Request.Context(), h.users, token, h.secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(conn, h.sendBuffer, user.ID, user.Username)
		ctx := context.WithoutCancel(c.Request.Context())
		defer h.registry.Disconnect(ctx, client.id)
		if err := h.registry.Register(ctx, client, user); err != nil {
			log.Error().Err(err).Uint("user_id", user.ID).Msg("register connection")
			client.Close()
			_ = conn.Close()
			return
		}
		log.Debug().Str("conn_id", client.id).Str("user", user.Username).Msg("ws connected")

		go client.writePump()
		h.readPump(ctx, client)
	}
}

func (h *Handler) readPump(ctx context.Context, c *Client) {
	defer func() {
		c.Close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("ws read")
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
			h.reply(c, in.Event, errMalformed)
			continue
		}
		h.dispatch(ctx, c, in)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
