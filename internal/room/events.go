// ABOUTME: Wire-level event envelope and payloads for the realtime channel
// ABOUTME: Shared by the gateway sessions, the room registry, and the client

package room

import (
	"encoding/json"

	"github.com/lumistore/chat-gateway/internal/store"
)

// Client-to-server event types.
const (
	EventJoinConversation = "join_conversation"
	EventSendMessage      = "send_message"
	EventSwitchToHuman    = "switch_to_human"
	EventSwitchToBot      = "switch_to_bot"
	EventMarkAsRead       = "mark_as_read"
)

// Server-to-client event types. EventTyping flows both ways.
const (
	EventConnected           = "connected"
	EventNewMessage          = "new_message"
	EventConversationUpdated = "conversation_updated"
	EventTyping              = "typing"
	EventNewWaiting          = "new_waiting_conversation"
	EventAck                 = "ack"
	EventError               = "error"
)

// Event is the envelope for every frame on the realtime channel. Ref is an
// optional client-chosen correlation ID; the server echoes it on the ack or
// error produced by that frame so clients can match replies to requests.
type Event struct {
	Type string `json:"event"`
	Ref  string `json:"ref,omitempty"`
	Data any    `json:"data,omitempty"`
}

// RawEvent is the inbound counterpart of Event: the payload stays raw until
// the handler for the event type decodes it.
type RawEvent struct {
	Type string          `json:"event"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ConnectedPayload greets a freshly authenticated session.
type ConnectedPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
}

// JoinPayload asks to join a conversation room.
type JoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessagePayload carries an outbound chat message.
type SendMessagePayload struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	Type           string            `json:"type,omitempty"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SwitchPayload requests a bot/human routing change for a conversation.
type SwitchPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

// MarkAsReadPayload marks the other side's messages in a conversation read.
type MarkAsReadPayload struct {
	ConversationID string `json:"conversation_id"`
}

// NewMessagePayload announces a persisted message to a conversation room.
type NewMessagePayload struct {
	ConversationID string             `json:"conversation_id"`
	Message        *store.ChatMessage `json:"message"`
}

// ConversationUpdatedPayload announces a conversation state change.
type ConversationUpdatedPayload struct {
	Conversation *store.Conversation `json:"conversation"`
}

// TypingPayload carries a typing indicator. It is rebroadcast to the room
// verbatim, minus the sender.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// NewWaitingPayload tells agents a conversation entered the waiting queue.
type NewWaitingPayload struct {
	Conversation *store.Conversation `json:"conversation"`
}

// AckPayload confirms a client request.
type AckPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// ErrorPayload reports a request failure without closing the session.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessageEvent wraps a persisted message for fan-out.
func NewMessageEvent(convID string, msg *store.ChatMessage) *Event {
	return &Event{Type: EventNewMessage, Data: &NewMessagePayload{ConversationID: convID, Message: msg}}
}

// ConversationUpdatedEvent wraps a conversation snapshot for fan-out.
func ConversationUpdatedEvent(conv *store.Conversation) *Event {
	return &Event{Type: EventConversationUpdated, Data: &ConversationUpdatedPayload{Conversation: conv}}
}

// TypingEvent wraps a typing indicator for rebroadcast.
func TypingEvent(convID, userID string, isTyping bool) *Event {
	return &Event{Type: EventTyping, Data: &TypingPayload{ConversationID: convID, UserID: userID, IsTyping: isTyping}}
}

// NewWaitingEvent wraps a waiting-queue entry for the agent channel.
func NewWaitingEvent(conv *store.Conversation) *Event {
	return &Event{Type: EventNewWaiting, Data: &NewWaitingPayload{Conversation: conv}}
}
