package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HasNetwork/chat/internal/auth"
	"github.com/HasNetwork/chat/internal/bus"
	"github.com/HasNetwork/chat/internal/models"
	"github.com/HasNetwork/chat/internal/mw"
	"github.com/HasNetwork/chat/internal/presence"
	"github.com/HasNetwork/chat/internal/registry"
	"github.com/HasNetwork/chat/internal/service"
	"github.com/HasNetwork/chat/internal/store"
	"github.com/HasNetwork/chat/internal/store/storetest"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "ws-test-secret"
	testOrigin = "https://chat.example"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type testServer struct {
	srv   *httptest.Server
	store *store.GormStore
	reg   *registry.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := storetest.New(t)
	hub := bus.NewHub()
	msgs := service.NewMessageService(s, hub, 50)
	tracker := presence.New(s, hub)
	reg := registry.New(hub, s, tracker, msgs)
	h := NewHandler(reg, msgs, tracker, s, testSecret, 64, mw.NewOriginPolicy("prod", testOrigin).CheckOrigin)

	r := gin.New()
	r.GET("/ws", h.Serve())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return &testServer{srv: srv, store: s, reg: reg}
}

func (ts *testServer) dial(t *testing.T, u *models.User) *websocket.Conn {
	t.Helper()
	token, err := auth.GenerateAccessToken(u.ID, testSecret, 15)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

// expect 跳过其他事件，直到收到指定事件并解码其 data。
func expect(t *testing.T, conn *websocket.Conn, event string, v interface{}) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event != event {
			continue
		}
		if v != nil {
			require.NoError(t, json.Unmarshal(env.Data, v))
		}
		return
	}
}

func join(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	emit(t, conn, "join", map[string]string{"room": room})
	expect(t, conn, bus.EventLoadHistory, nil)
}

func TestServe_RejectsMissingOrBadToken(t *testing.T) {
	ts := newTestServer(t)
	base := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServe_OriginPolicy(t *testing.T) {
	ts := newTestServer(t)
	alice := storetest.User(t, ts.store, "alice")
	token, err := auth.GenerateAccessToken(alice.ID, testSecret, 15)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=" + token

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {testOrigin}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestServe_HelloAndReaction(t *testing.T) {
	ts := newTestServer(t)
	alice := storetest.User(t, ts.store, "alice")
	bob := storetest.User(t, ts.store, "bob")
	a := ts.dial(t, alice)
	b := ts.dial(t, bob)
	join(t, a, "general")
	join(t, b, "general")

	emit(t, a, "send_message", map[string]interface{}{"room": "general", "message": "hello"})
	var msg service.MessageDTO
	expect(t, b, bus.EventReceiveMessage, &msg)
	assert.Equal(t, "hello", msg.Message)
	assert.Equal(t, "alice", msg.User)
	assert.Empty(t, msg.Reactions)
	var own service.MessageDTO
	expect(t, a, bus.EventReceiveMessage, &own)
	assert.Equal(t, msg.ID, own.ID)

	emit(t, b, "react_message", map[string]interface{}{"message_id": msg.ID, "emoji": "👍"})
	for _, conn := range []*websocket.Conn{a, b} {
		var reacted service.ReactedPayload
		expect(t, conn, bus.EventMessageReacted, &reacted)
		assert.Equal(t, msg.ID, reacted.MessageID)
		assert.Equal(t, []service.ReactionDTO{{Emoji: "👍", User: "bob"}}, reacted.Reactions)
	}
}

func TestServe_ErrorsGoToInitiator(t *testing.T) {
	ts := newTestServer(t)
	alice := storetest.User(t, ts.store, "alice")
	bob := storetest.User(t, ts.store, "bob")
	a := ts.dial(t, alice)
	b := ts.dial(t, bob)
	join(t, a, "general")
	join(t, b, "general")

	emit(t, a, "send_message", map[string]interface{}{"room": "general", "message": "mine"})
	var msg service.MessageDTO
	expect(t, b, bus.EventReceiveMessage, &msg)

	emit(t, b, "edit_message", map[string]interface{}{"message_id": msg.ID, "new_content": "yours"})
	var perr ErrorPayload
	expect(t, b, bus.EventError, &perr)
	assert.Equal(t, "edit_message", perr.Event)
	assert.Equal(t, "auth", perr.Code)

	emit(t, b, "does_not_exist", map[string]string{})
	expect(t, b, bus.EventError, &perr)
	assert.Equal(t, "validation", perr.Code)

	emit(t, b, "join", map[string]string{"room": "   "})
	expect(t, b, bus.EventError, &perr)
	assert.Equal(t, "validation", perr.Code)

	stored, err := ts.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", stored.Content)
}

func TestServe_MissingMessageIDIsValidation(t *testing.T) {
	ts := newTestServer(t)
	alice := storetest.User(t, ts.store, "alice")
	a := ts.dial(t, alice)
	join(t, a, "general")

	cases := []struct {
		event string
		data  map[string]interface{}
	}{
		{"edit_message", map[string]interface{}{"new_content": "x"}},
		{"delete_message", map[string]interface{}{}},
		{"react_message", map[string]interface{}{"emoji": "👍"}},
		{"message_seen", map[string]interface{}{}},
	}
	for _, tc := range cases {
		emit(t, a, tc.event, tc.data)
		var perr ErrorPayload
		expect(t, a, bus.EventError, &perr)
		assert.Equal(t, tc.event, perr.Event)
		assert.Equal(t, "validation", perr.Code, tc.event)
		assert.Equal(t, "invalid payload: missing message_id", perr.Error, tc.event)
	}
}

func TestServe_TypingExcludesSender(t *testing.T) {
	ts := newTestServer(t)
	alice := storetest.User(t, ts.store, "alice")
	bob := storetest.User(t, ts.store, "bob")
	a := ts.dial(t, alice)
	b := ts.dial(t, bob)

	emit(t, a, "typing", map[string]interface{}{"room": "general", "is_typing": true})
	var perr ErrorPayload
	expect(t, a, bus.EventError, &perr)
	assert.Equal(t, "auth", perr.Code, "typing requires a joined room")

	join(t, a, "general")
	join(t, b, "general")
	emit(t, a, "typing", map[string]interface{}{"room": "general", "is_typing": true})
	var typing presence.TypingPayload
	expect(t, b, bus.EventTyping, &typing)
	assert.Equal(t, presence.TypingPayload{Room: "general", User: "alice", IsTyping: true}, typing)

	// the sender's next event is the reply to its own message, not its typing echo
	emit(t, a, "send_message", map[string]interface{}{"room": "general", "message": "done"})
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env envelope
		require.NoError(t, a.ReadJSON(&env))
		require.NotEqual(t, bus.EventTyping, env.Event)
		if env.Event == bus.EventReceiveMessage {
			break
		}
	}
}

func TestServe_CloseMarksOffline(t *testing.T) {
	ts := newTestServer(t)
	alice := storetest.User(t, ts.store, "alice")
	bob := storetest.User(t, ts.store, "bob")
	a := ts.dial(t, alice)
	b := ts.dial(t, bob)
	join(t, a, "general")
	join(t, b, "general")

	require.NoError(t, a.Close())

	var status presence.StatusPayload
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		expect(t, b, bus.EventUserStatus, &status)
		if len(status.OnlineUsers) == 1 {
			break
		}
	}
	assert.Equal(t, []string{"bob"}, status.OnlineUsers)

	u, err := ts.store.GetUser(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.False(t, u.Online)
	assert.Equal(t, 0, ts.reg.Connections(alice.ID))
}
