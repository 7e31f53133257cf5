// ABOUTME: Message routing pipeline: validate, persist, fan out, bot reply
// ABOUTME: Serializes writes per conversation so persisted and observed order match

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumistore/chat-gateway/internal/auth"
	"github.com/lumistore/chat-gateway/internal/bot"
	"github.com/lumistore/chat-gateway/internal/conversation"
	"github.com/lumistore/chat-gateway/internal/room"
	"github.com/lumistore/chat-gateway/internal/store"
)

// Validation errors surfaced to the sending client.
var (
	ErrEmptyMessage = errors.New("message content is empty")
	ErrUnknownType  = errors.New("unknown message type")
	ErrNotMember    = errors.New("sender has not joined the conversation")
)

// apologyReply is sent when the bot responder itself fails. The customer's
// message is already persisted at that point, so the send must not fail.
const apologyReply = "Sorry, something went wrong on our side. Please try again or ask for a human agent."

// SendRequest describes one message send.
type SendRequest struct {
	// ConversationID may be empty for customers: the active conversation is
	// resolved or lazily created, the first-message path.
	ConversationID string
	Sender         auth.Identity
	Type           string // defaults to store.MessageTypeText
	Content        string
	Metadata       map[string]string

	// AllowUnjoined skips the room-membership requirement. Set by the REST
	// fallback, whose callers hold no realtime session to join rooms with.
	AllowUnjoined bool
}

// SendResult carries the persisted message and, when the bot answered, its
// reply. The message doubles as the caller's acknowledgement.
type SendResult struct {
	Conversation *store.Conversation `json:"conversation"`
	Message      *store.ChatMessage  `json:"message"`
	BotReply     *store.ChatMessage  `json:"bot_reply,omitempty"`
}

// Router runs the send pipeline. All writes to one conversation are
// serialized through the conversation service's keyed lock, so the order
// messages are persisted in is the order every room member observes.
type Router struct {
	store  store.Store
	rooms  *room.Registry
	convs  *conversation.Service
	bot    bot.Responder
	logger *slog.Logger
	now    func() time.Time
}

// New creates a router. Pass nil logger for default.
func New(st store.Store, rooms *room.Registry, convs *conversation.Service, responder bot.Responder, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:  st,
		rooms:  rooms,
		convs:  convs,
		bot:    responder,
		logger: logger.With("component", "router"),
		now:    time.Now,
	}
}

// Send validates, persists, and fans out one message. When the sender is the
// customer and the conversation is bot-routed, the bot responder is invoked
// synchronously and its reply persisted before Send returns, so the customer
// message and bot reply are observed in that order by every room member.
// There is no automatic retry: a caller that never sees the result re-issues
// explicitly.
func (r *Router) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	msgType := req.Type
	if msgType == "" {
		msgType = store.MessageTypeText
	}
	switch msgType {
	case store.MessageTypeText, store.MessageTypeImage, store.MessageTypeSystem:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}

	conv, implicit, err := r.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := r.checkSendPermission(conv, req.Sender); err != nil {
		return nil, err
	}
	if !implicit && !req.AllowUnjoined && !r.rooms.IsMember(conv.ID, req.Sender.Subject) {
		return nil, ErrNotMember
	}

	unlock := r.convs.LockConversation(conv.ID)
	defer unlock()

	// Re-read under the lock; a transition may have landed since resolution.
	conv, err = r.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if conversation.StateOf(conv) == conversation.StateClosed {
		return nil, fmt.Errorf("%w: conversation is closed", store.ErrConflict)
	}

	msg, err := r.persistAndFanOut(ctx, conv, &store.ChatMessage{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       &req.Sender.Subject,
		Type:           msgType,
		Content:        content,
		IsFromBot:      false,
		Metadata:       req.Metadata,
		CreatedAt:      r.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	result := &SendResult{Conversation: conv, Message: msg}
	if req.Sender.Role == auth.RoleCustomer && conv.Type == store.ConversationTypeBot {
		result.BotReply = r.botReply(ctx, conv, msg)
	}
	return result, nil
}

// resolveConversation loads the target conversation. Customers may omit the
// ID to address their active conversation, creating one if needed; that
// implicit path is exempt from the room-membership requirement because the
// room may not exist yet.
func (r *Router) resolveConversation(ctx context.Context, req SendRequest) (*store.Conversation, bool, error) {
	if req.ConversationID == "" {
		if req.Sender.Role != auth.RoleCustomer {
			return nil, false, fmt.Errorf("%w: conversation_id is required", store.ErrNotFound)
		}
		conv, err := r.convs.EnsureActiveConversation(ctx, req.Sender.Subject)
		return conv, true, err
	}
	conv, err := r.store.GetConversation(ctx, req.ConversationID)
	return conv, false, err
}

// checkSendPermission gates who may post: the customer on their own
// conversation, and the assigned agent or an admin once the conversation is
// human-routed. Bot replies are produced internally and never pass here.
func (r *Router) checkSendPermission(conv *store.Conversation, sender auth.Identity) error {
	switch sender.Role {
	case auth.RoleCustomer:
		if sender.Subject != conv.UserID {
			return fmt.Errorf("%w: conversation belongs to another user", conversation.ErrPermission)
		}
		return nil
	case auth.RoleAdmin:
		if conv.Type != store.ConversationTypeHuman {
			return fmt.Errorf("%w: conversation is bot-routed", conversation.ErrPermission)
		}
		return nil
	case auth.RoleAgent:
		if conv.Type != store.ConversationTypeHuman {
			return fmt.Errorf("%w: conversation is bot-routed", conversation.ErrPermission)
		}
		if conv.AgentID == nil || *conv.AgentID != sender.Subject {
			return fmt.Errorf("%w: conversation is assigned to another agent", conversation.ErrPermission)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown role %q", conversation.ErrPermission, sender.Role)
	}
}

// persistAndFanOut saves the message, refreshes the conversation preview, and
// broadcasts new_message to the room plus conversation_updated to agents.
// Caller holds the conversation lock.
func (r *Router) persistAndFanOut(ctx context.Context, conv *store.Conversation, msg *store.ChatMessage) (*store.ChatMessage, error) {
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	conv.LastMessage = msg.Content
	conv.UpdatedAt = msg.CreatedAt

	r.logger.Debug("message routed",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"from_bot", msg.IsFromBot)

	r.rooms.Broadcast(conv.ID, room.NewMessageEvent(conv.ID, msg), "")
	r.rooms.BroadcastAgents(room.ConversationUpdatedEvent(conv))
	return msg, nil
}

// botReply invokes the responder and persists its answer under the same
// conversation lock as the triggering message. Responder failures degrade to
// a canned apology; the customer's send has already succeeded.
func (r *Router) botReply(ctx context.Context, conv *store.Conversation, userMsg *store.ChatMessage) *store.ChatMessage {
	content, err := r.bot.Reply(ctx, conv, userMsg)
	if err != nil {
		r.logger.Warn("bot responder failed",
			"conversation_id", conv.ID,
			"error", err)
		content = apologyReply
	}

	reply, err := r.persistAndFanOut(ctx, conv, &store.ChatMessage{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Type:           store.MessageTypeText,
		Content:        content,
		IsFromBot:      true,
		CreatedAt:      r.now().UTC(),
	})
	if err != nil {
		r.logger.Error("failed to persist bot reply",
			"conversation_id", conv.ID,
			"error", err)
		return nil
	}
	return reply
}

// MarkAsRead marks every message in the conversation not authored by the
// reader as read. Idempotent: the second call changes nothing and emits no
// event.
func (r *Router) MarkAsRead(ctx context.Context, convID string, reader auth.Identity) error {
	conv, err := r.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if reader.Role == auth.RoleCustomer && reader.Subject != conv.UserID {
		return fmt.Errorf("%w: conversation belongs to another user", conversation.ErrPermission)
	}

	affected, err := r.store.MarkMessagesRead(ctx, convID, reader.Subject)
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil
	}

	r.logger.Debug("messages marked read",
		"conversation_id", convID,
		"reader", reader.Subject,
		"count", affected)
	r.rooms.Broadcast(convID, room.ConversationUpdatedEvent(conv), "")
	return nil
}

// Typing rebroadcasts a typing indicator to the room, excluding the sending
// session. Never persisted, never acknowledged.
func (r *Router) Typing(convID string, from auth.Identity, isTyping bool, excludeSessionID string) {
	// Only room members may signal typing; anything else is dropped so a
	// stray session cannot inject indicators into other conversations.
	if !r.rooms.IsMember(convID, from.Subject) {
		return
	}
	r.rooms.Broadcast(convID, room.TypingEvent(convID, from.Subject, isTyping), excludeSessionID)
}
