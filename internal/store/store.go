// ABOUTME: Store interface and data types for chat-gateway persistence
// ABOUTME: Defines Conversation, ChatMessage structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic state check fails, e.g. two
// agents racing to claim the same waiting conversation
var ErrConflict = errors.New("conflict")

// Conversation type constants
const (
	ConversationTypeBot   = "bot"
	ConversationTypeHuman = "human"
)

// Conversation status constants
const (
	StatusActive   = "active"
	StatusWaiting  = "waiting"
	StatusResolved = "resolved"
	StatusClosed   = "closed"
)

// Message type constants
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeSystem = "system"
)

// Conversation represents a single customer conversation routed to the bot
// or to a human agent.
//
// Invariants maintained by the state machine and the store:
//   - Status == waiting implies Type == human and AgentID unset
//   - Status == active and Type == human implies AgentID set
//   - Type == bot implies AgentID unset
//   - WaitingSince is non-nil exactly when Status == waiting; it records the
//     moment the conversation entered the waiting queue (FIFO order key)
type Conversation struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	AgentID      *string    `json:"agent_id,omitempty"`
	Type         string     `json:"type"`   // "bot" or "human"
	Status       string     `json:"status"` // "active", "waiting", "resolved", "closed"
	Title        string     `json:"title"`
	LastMessage  string     `json:"last_message,omitempty"`
	WaitingSince *time.Time `json:"waiting_since,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ChatMessage represents a single message within a conversation.
// Messages are immutable once persisted except for IsRead.
type ChatMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Seq            int64             `json:"seq"` // per-conversation monotonic sequence, assigned by the store
	SenderID       *string           `json:"sender_id,omitempty"`
	Type           string            `json:"type"` // "text", "image", "system"
	Content        string            `json:"content"`
	IsFromBot      bool              `json:"is_from_bot"`
	IsRead         bool              `json:"is_read"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ConversationStats summarizes message activity for one conversation.
type ConversationStats struct {
	ConversationID string     `json:"conversation_id"`
	TotalMessages  int64      `json:"total_messages"`
	UnreadMessages int64      `json:"unread_messages"`
	BotMessages    int64      `json:"bot_messages"`
	AgentMessages  int64      `json:"agent_messages"`
	FirstMessageAt *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetActiveConversationByUser(ctx context.Context, userID string) (*Conversation, error)
	ListConversationsByUser(ctx context.Context, userID string, limit int) ([]*Conversation, error)
	ListConversationsByAgent(ctx context.Context, agentID string, limit int) ([]*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
	ListWaitingConversations(ctx context.Context) ([]*Conversation, error)

	// UpdateConversationState writes status/type/agent/waiting_since changes.
	// Callers serialize per conversation id; this is not an optimistic update.
	UpdateConversationState(ctx context.Context, conv *Conversation) error

	// AssignAgent performs the guarded waiting -> active_human transition.
	// Exactly one caller wins among concurrent competitors; losers get
	// ErrConflict and must re-fetch.
	AssignAgent(ctx context.Context, convID, agentID string, now time.Time) (*Conversation, error)

	// Messages
	SaveMessage(ctx context.Context, msg *ChatMessage) error
	GetMessages(ctx context.Context, convID string, limit int) ([]*ChatMessage, error)
	MarkMessagesRead(ctx context.Context, convID, readerID string) (int64, error)
	ConversationStats(ctx context.Context, convID string) (*ConversationStats, error)

	// Close releases any resources held by the store
	Close() error
}
