// ABOUTME: WebSocket endpoint and per-connection session pumps
// ABOUTME: Handshake auth, event dispatch, rate limiting, ping/pong keepalive

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lumistore/chat-gateway/internal/auth"
	"github.com/lumistore/chat-gateway/internal/conversation"
	"github.com/lumistore/chat-gateway/internal/room"
	"github.com/lumistore/chat-gateway/internal/router"
	"github.com/lumistore/chat-gateway/internal/store"
)

const (
	// writeWait is the deadline for a single outbound frame.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxFrameSize bounds inbound frames.
	maxFrameSize = 64 * 1024
	// replyBufferSize buffers direct replies (ack/error) to this session.
	replyBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin browsers are expected; bearer auth is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is one authenticated websocket connection. Outbound events arrive
// from two sources: the room registry's fan-out channel and the session's
// own reply channel for acks and errors.
type session struct {
	gw       *Gateway
	conn     *websocket.Conn
	id       string
	identity auth.Identity
	events   <-chan *room.Event
	replies  chan *room.Event
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// handleWS authenticates the handshake and runs the session until the
// connection drops. An invalid token refuses the connection before upgrade.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		return
	}
	id, err := g.verifier.Verify(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid bearer token"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	isAgent := id.Role == auth.RoleAgent || id.Role == auth.RoleAdmin
	sessionID, events := g.rooms.Register(id.Subject, isAgent)
	metricConnectedSessions.Inc()

	s := &session{
		gw:       g,
		conn:     conn,
		id:       sessionID,
		identity: id,
		events:   events,
		replies:  make(chan *room.Event, replyBufferSize),
		limiter:  rate.NewLimiter(rate.Limit(g.config.Limits.EventsPerSecond), g.config.Limits.EventBurst),
		logger:   g.logger.With("session_id", sessionID, "user_id", id.Subject),
	}

	s.logger.Info("session connected", "role", id.Role)
	s.reply(&room.Event{Type: room.EventConnected, Data: &room.ConnectedPayload{
		SessionID: sessionID,
		UserID:    id.Subject,
		Role:      id.Role,
	}})

	go s.writePump()
	s.readPump(r.Context())

	g.rooms.Unregister(sessionID)
	metricConnectedSessions.Dec()
	s.logger.Info("session disconnected")
}

// reply queues a direct event to this session only. Drops when the buffer is
// full, same policy as room fan-out.
func (s *session) reply(ev *room.Event) {
	select {
	case s.replies <- ev:
	default:
		s.logger.Debug("dropped reply for slow session", "event", ev.Type)
	}
}

// writePump serializes all outbound traffic for the connection: room
// fan-out, direct replies, and keepalive pings. It exits when the registry
// closes the fan-out channel on unregister.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			if !s.write(ev) {
				return
			}
		case ev := <-s.replies:
			if !s.write(ev) {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) write(ev *room.Event) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(ev); err != nil {
		s.logger.Debug("write failed", "error", err)
		return false
	}
	return true
}

// readPump consumes inbound frames until the connection drops. Each event is
// rate-limited and dispatched; failures produce error events, never a closed
// connection.
func (s *session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ev room.RawEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}

		metricWSEventsTotal.WithLabelValues(ev.Type).Inc()
		if !s.limiter.Allow() {
			s.replyError(ev.Ref, "rate_limited", errors.New("too many events"))
			continue
		}
		s.dispatch(ctx, &ev)
	}
}

// dispatch routes one inbound event to its handler.
func (s *session) dispatch(ctx context.Context, ev *room.RawEvent) {
	switch ev.Type {
	case room.EventJoinConversation:
		s.handleJoin(ctx, ev)
	case room.EventSendMessage:
		s.handleSend(ctx, ev)
	case room.EventSwitchToHuman:
		s.handleSwitch(ctx, ev, true)
	case room.EventSwitchToBot:
		s.handleSwitch(ctx, ev, false)
	case room.EventMarkAsRead:
		s.handleMarkAsRead(ctx, ev)
	case room.EventTyping:
		s.handleTyping(ev)
	default:
		s.replyError(ev.Ref, "validation", fmt.Errorf("unknown event %q", ev.Type))
	}
}

func (s *session) handleJoin(ctx context.Context, ev *room.RawEvent) {
	var payload room.JoinPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ConversationID == "" {
		s.replyError(ev.Ref, "validation", errors.New("conversation_id is required"))
		return
	}

	conv, err := s.gw.store.GetConversation(ctx, payload.ConversationID)
	if err != nil {
		s.sendError(ev.Ref, err)
		return
	}
	if s.identity.Role == auth.RoleCustomer && s.identity.Subject != conv.UserID {
		s.sendError(ev.Ref, fmt.Errorf("%w: conversation belongs to another user", conversation.ErrPermission))
		return
	}
	if err := s.gw.rooms.Join(s.id, conv.ID); err != nil {
		s.sendError(ev.Ref, err)
		return
	}

	s.ack(ev.Ref, &room.AckPayload{ConversationID: conv.ID})
}

func (s *session) handleSend(ctx context.Context, ev *room.RawEvent) {
	var payload room.SendMessagePayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		s.replyError(ev.Ref, "validation", errors.New("malformed send_message payload"))
		return
	}
	if max := s.gw.config.Limits.MaxMessageLength; max > 0 && len(payload.Content) > max {
		s.replyError(ev.Ref, "validation", errMessageTooLong)
		return
	}

	start := time.Now()
	res, err := s.gw.router.Send(ctx, router.SendRequest{
		ConversationID: payload.ConversationID,
		Sender:         s.identity,
		Type:           payload.Type,
		Content:        payload.Content,
		Metadata:       payload.Metadata,
	})
	if err != nil {
		s.sendError(ev.Ref, err)
		return
	}
	s.gw.recordSend(s.identity, res, start)

	// A customer's first message creates the conversation; join its room so
	// subsequent fan-out reaches this session.
	if payload.ConversationID == "" {
		_ = s.gw.rooms.Join(s.id, res.Conversation.ID)
	}

	s.ack(ev.Ref, &room.AckPayload{
		ConversationID: res.Conversation.ID,
		MessageID:      res.Message.ID,
	})
}

func (s *session) handleSwitch(ctx context.Context, ev *room.RawEvent, toHuman bool) {
	var payload room.SwitchPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ConversationID == "" {
		s.replyError(ev.Ref, "validation", errors.New("conversation_id is required"))
		return
	}

	var err error
	if toHuman {
		_, err = s.gw.convs.SwitchToHuman(ctx, payload.ConversationID, s.identity)
	} else {
		_, err = s.gw.convs.SwitchToBot(ctx, payload.ConversationID, s.identity)
	}
	if err != nil {
		s.sendError(ev.Ref, err)
		return
	}
	s.gw.updateWaitingDepth()

	s.ack(ev.Ref, &room.AckPayload{ConversationID: payload.ConversationID})
}

func (s *session) handleMarkAsRead(ctx context.Context, ev *room.RawEvent) {
	var payload room.MarkAsReadPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ConversationID == "" {
		s.replyError(ev.Ref, "validation", errors.New("conversation_id is required"))
		return
	}

	if err := s.gw.router.MarkAsRead(ctx, payload.ConversationID, s.identity); err != nil {
		s.sendError(ev.Ref, err)
		return
	}
	s.ack(ev.Ref, &room.AckPayload{ConversationID: payload.ConversationID})
}

// handleTyping rebroadcasts the indicator to the room minus this session.
// Typing is fire-and-forget: no ack, no persistence.
func (s *session) handleTyping(ev *room.RawEvent) {
	var payload room.TypingPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ConversationID == "" {
		return
	}
	s.gw.router.Typing(payload.ConversationID, s.identity, payload.IsTyping, s.id)
}

func (s *session) ack(ref string, payload *room.AckPayload) {
	s.reply(&room.Event{Type: room.EventAck, Ref: ref, Data: payload})
}

// sendError maps a domain error to an error event code mirroring the REST
// status mapping.
func (s *session) sendError(ref string, err error) {
	code := "internal"
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = "not_found"
	case errors.Is(err, store.ErrConflict):
		code = "conflict"
	case errors.Is(err, conversation.ErrPermission):
		code = "permission"
	case errors.Is(err, router.ErrEmptyMessage),
		errors.Is(err, router.ErrUnknownType),
		errors.Is(err, router.ErrNotMember),
		errors.Is(err, room.ErrNotRegistered):
		code = "validation"
	}
	s.replyError(ref, code, err)
}

func (s *session) replyError(ref, code string, err error) {
	s.reply(&room.Event{Type: room.EventError, Ref: ref, Data: &room.ErrorPayload{
		Code:    code,
		Message: err.Error(),
	}})
}
