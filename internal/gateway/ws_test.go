// ABOUTME: Integration tests for the websocket session surface
// ABOUTME: Covers handshake auth, ack/ref correlation, fan-out, typing, rate limits

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumistore/chat-gateway/internal/auth"
	"github.com/lumistore/chat-gateway/internal/room"
	"github.com/lumistore/chat-gateway/internal/store"
)

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Every session opens with a connected event.
	ev := readEvent(t, conn)
	require.Equal(t, room.EventConnected, ev.Type)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *room.RawEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev room.RawEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return &ev
}

// awaitEvent reads until an event of the wanted type (and ref, if non-empty)
// arrives. Fan-out and direct replies ride separate channels, so their
// relative order is not fixed.
func awaitEvent(t *testing.T, conn *websocket.Conn, eventType, ref string) *room.RawEvent {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev := readEvent(t, conn)
		if ev.Type == eventType && (ref == "" || ev.Ref == ref) {
			return ev
		}
	}
	t.Fatalf("event %q (ref %q) never arrived", eventType, ref)
	return nil
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType, ref string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(&room.RawEvent{Type: eventType, Ref: ref, Data: data}))
}

func TestWS_HandshakeRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?access_token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_FirstMessageAckAndFanOut(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, ts.token(t, "user-1", auth.RoleCustomer))

	// First send: no conversation yet, the gateway creates one and joins the
	// session to its room. The ack carries the new conversation ID.
	sendEvent(t, conn, room.EventSendMessage, "r1", &room.SendMessagePayload{Content: "Tôi cần hỗ trợ"})

	ack := awaitEvent(t, conn, room.EventAck, "r1")
	var ackPayload room.AckPayload
	require.NoError(t, json.Unmarshal(ack.Data, &ackPayload))
	require.NotEmpty(t, ackPayload.ConversationID)
	require.NotEmpty(t, ackPayload.MessageID)
	convID := ackPayload.ConversationID

	// Second send: the session is now a room member and observes its own
	// message and the bot reply, in order.
	sendEvent(t, conn, room.EventSendMessage, "r2", &room.SendMessagePayload{
		ConversationID: convID,
		Content:        "help",
	})

	var contents []string
	var fromBot []bool
	for len(contents) < 2 {
		ev := awaitEvent(t, conn, room.EventNewMessage, "")
		var payload room.NewMessagePayload
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		contents = append(contents, payload.Message.Content)
		fromBot = append(fromBot, payload.Message.IsFromBot)
	}
	assert.Equal(t, []string{"help", "Bạn cần hỗ trợ gì ạ?"}, contents)
	assert.Equal(t, []bool{false, true}, fromBot)
}

func TestWS_ErrorCorrelationByRef(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, ts.token(t, "user-1", auth.RoleCustomer))

	sendEvent(t, conn, room.EventSendMessage, "bad-1", &room.SendMessagePayload{Content: "   "})
	ev := awaitEvent(t, conn, room.EventError, "bad-1")
	var payload room.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "validation", payload.Code)

	sendEvent(t, conn, room.EventJoinConversation, "bad-2", &room.JoinPayload{ConversationID: "nope"})
	ev = awaitEvent(t, conn, room.EventError, "bad-2")
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "not_found", payload.Code)

	sendEvent(t, conn, "frobnicate", "bad-3", nil)
	ev = awaitEvent(t, conn, room.EventError, "bad-3")
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "validation", payload.Code)
}

func TestWS_JoinPermission(t *testing.T) {
	ts := newTestServer(t)

	// user-1 creates a conversation via REST.
	var conv store.Conversation
	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/api/conversations/active", ts.token(t, "user-1", auth.RoleCustomer), nil, &conv))

	// Another customer may not join its room; an agent may.
	conn := ts.dial(t, ts.token(t, "user-2", auth.RoleCustomer))
	sendEvent(t, conn, room.EventJoinConversation, "j1", &room.JoinPayload{ConversationID: conv.ID})
	ev := awaitEvent(t, conn, room.EventError, "j1")
	var payload room.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "permission", payload.Code)

	agentConn := ts.dial(t, ts.token(t, "agent-1", auth.RoleAgent))
	sendEvent(t, agentConn, room.EventJoinConversation, "j2", &room.JoinPayload{ConversationID: conv.ID})
	awaitEvent(t, agentConn, room.EventAck, "j2")
}

func TestWS_TypingPassthrough(t *testing.T) {
	ts := newTestServer(t)

	var conv store.Conversation
	userToken := ts.token(t, "user-1", auth.RoleCustomer)
	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/api/conversations/active", userToken, nil, &conv))

	userConn := ts.dial(t, userToken)
	agentConn := ts.dial(t, ts.token(t, "agent-1", auth.RoleAgent))

	sendEvent(t, userConn, room.EventJoinConversation, "j1", &room.JoinPayload{ConversationID: conv.ID})
	awaitEvent(t, userConn, room.EventAck, "j1")
	sendEvent(t, agentConn, room.EventJoinConversation, "j2", &room.JoinPayload{ConversationID: conv.ID})
	awaitEvent(t, agentConn, room.EventAck, "j2")

	sendEvent(t, userConn, room.EventTyping, "", &room.TypingPayload{ConversationID: conv.ID, IsTyping: true})

	ev := awaitEvent(t, agentConn, room.EventTyping, "")
	var payload room.TypingPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "user-1", payload.UserID)
	assert.True(t, payload.IsTyping)
}

func TestWS_NewWaitingReachesAgents(t *testing.T) {
	ts := newTestServer(t)

	userToken := ts.token(t, "user-1", auth.RoleCustomer)
	var conv store.Conversation
	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodGet, "/api/conversations/active", userToken, nil, &conv))

	agentConn := ts.dial(t, ts.token(t, "agent-1", auth.RoleAgent))

	// Handoff over REST; the agent dashboard hears about it over the socket.
	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/switch-to-human", userToken, nil, nil))

	ev := awaitEvent(t, agentConn, room.EventNewWaiting, "")
	var payload room.NewWaitingPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, conv.ID, payload.Conversation.ID)
	assert.Equal(t, store.StatusWaiting, payload.Conversation.Status)
}

func TestWS_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.EventsPerSecond = 1
	cfg.Limits.EventBurst = 1

	gw, err := New(cfg, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(func() {
		srv.Close()
		_ = gw.store.Close()
		gw.rooms.Close()
	})
	ts := &testServer{gw: gw, srv: srv}

	conn := ts.dial(t, ts.token(t, "user-1", auth.RoleCustomer))

	// Burst of typing events; all but the first exceed the limit.
	for i := 0; i < 5; i++ {
		sendEvent(t, conn, room.EventTyping, "", &room.TypingPayload{ConversationID: "c", IsTyping: true})
	}

	ev := awaitEvent(t, conn, room.EventError, "")
	var payload room.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "rate_limited", payload.Code)
}
