// ABOUTME: Conversation state machine and waiting queue operations
// ABOUTME: Serializes transitions per conversation and fans out update events

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lumistore/chat-gateway/internal/auth"
	"github.com/lumistore/chat-gateway/internal/room"
	"github.com/lumistore/chat-gateway/internal/store"
)

// ErrPermission is returned when the caller is not allowed to perform a
// transition on the conversation.
var ErrPermission = errors.New("permission denied")

// defaultTitle names conversations created lazily on a customer's first message.
const defaultTitle = "Customer support"

// Service owns conversation state transitions and the waiting queue. Every
// mutation runs under a per-conversation lock so transitions and message
// writes to the same conversation never interleave; the router shares the
// same locks via LockConversation.
type Service struct {
	store  store.Store
	rooms  *room.Registry
	locks  *lockTable
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a conversation service. Pass nil logger for default.
func NewService(st store.Store, rooms *room.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		rooms:  rooms,
		locks:  newLockTable(),
		logger: logger.With("component", "conversation"),
		now:    time.Now,
	}
}

// LockConversation acquires the single-writer lock for a conversation and
// returns the release func. The router uses this around message persistence.
func (s *Service) LockConversation(id string) func() {
	return s.locks.acquire(id)
}

// Get returns a conversation by ID.
func (s *Service) Get(ctx context.Context, convID string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, convID)
}

// EnsureActiveConversation returns the user's open conversation, creating a
// bot-routed one if none exists. This is the lazy first-message path: a
// customer never creates a conversation explicitly.
//
// Two sessions of one user can race their first message; the per-user lock
// makes one of them create and the other read, so a user never ends up with
// two open conversations.
func (s *Service) EnsureActiveConversation(ctx context.Context, userID string) (*store.Conversation, error) {
	unlock := s.locks.acquire("user:" + userID)
	defer unlock()

	conv, err := s.store.GetActiveConversationByUser(ctx, userID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	conv = &store.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      store.ConversationTypeBot,
		Status:    store.StatusActive,
		Title:     defaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a create race with another session of the same user.
			return s.store.GetActiveConversationByUser(ctx, userID)
		}
		return nil, err
	}

	s.logger.Info("conversation created", "conversation_id", conv.ID, "user_id", userID)
	return conv, nil
}

// SwitchToHuman moves a bot conversation into the waiting queue. Idempotent
// when the conversation is already waiting or agent-handled: the current
// record is returned and no event is emitted.
func (s *Service) SwitchToHuman(ctx context.Context, convID string, caller auth.Identity) (*store.Conversation, error) {
	unlock := s.locks.acquire(convID)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if err := s.checkParticipant(conv, caller); err != nil {
		return nil, err
	}

	switch state := StateOf(conv); state {
	case StateWaiting, StateActiveHuman:
		return conv, nil
	case StateBot:
	default:
		return nil, transitionError("switch_to_human", state)
	}

	now := s.now().UTC()
	conv.Type = store.ConversationTypeHuman
	conv.Status = store.StatusWaiting
	conv.AgentID = nil
	conv.WaitingSince = &now
	conv.UpdatedAt = now
	if err := s.store.UpdateConversationState(ctx, conv); err != nil {
		return nil, err
	}

	s.logger.Info("switched to human", "conversation_id", convID, "caller", caller.Subject)
	s.emitUpdated(conv)
	s.rooms.BroadcastAgents(room.NewWaitingEvent(conv))
	return conv, nil
}

// SwitchToBot routes a conversation back to the bot, clearing the assigned
// agent and any waiting-queue entry. Allowed from waiting as well as
// agent-handled; a no-op when the conversation is already bot-routed.
func (s *Service) SwitchToBot(ctx context.Context, convID string, caller auth.Identity) (*store.Conversation, error) {
	unlock := s.locks.acquire(convID)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if err := s.checkParticipant(conv, caller); err != nil {
		return nil, err
	}

	switch state := StateOf(conv); state {
	case StateBot:
		return conv, nil
	case StateWaiting, StateActiveHuman:
	default:
		return nil, transitionError("switch_to_bot", state)
	}

	conv.Type = store.ConversationTypeBot
	conv.Status = store.StatusActive
	conv.AgentID = nil
	conv.WaitingSince = nil
	conv.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateConversationState(ctx, conv); err != nil {
		return nil, err
	}

	s.logger.Info("switched to bot", "conversation_id", convID, "caller", caller.Subject)
	s.emitUpdated(conv)
	return conv, nil
}

// AssignAgent claims a waiting conversation for an agent. Agents claim for
// themselves; admins may assign any agent ID. Exactly one concurrent caller
// wins; the rest receive store.ErrConflict and must re-fetch.
func (s *Service) AssignAgent(ctx context.Context, convID, agentID string, caller auth.Identity) (*store.Conversation, error) {
	if caller.Role == auth.RoleCustomer {
		return nil, fmt.Errorf("%w: customers cannot assign agents", ErrPermission)
	}
	if agentID == "" {
		agentID = caller.Subject
	}
	if caller.Role == auth.RoleAgent && agentID != caller.Subject {
		return nil, fmt.Errorf("%w: agents can only claim conversations for themselves", ErrPermission)
	}

	unlock := s.locks.acquire(convID)
	defer unlock()

	conv, err := s.store.AssignAgent(ctx, convID, agentID, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent assigned",
		"conversation_id", convID,
		"agent_id", agentID,
		"caller", caller.Subject)
	s.emitUpdated(conv)
	return conv, nil
}

// Resolve marks an agent-handled conversation resolved. Only the assigned
// agent or an admin may resolve.
func (s *Service) Resolve(ctx context.Context, convID string, caller auth.Identity) (*store.Conversation, error) {
	unlock := s.locks.acquire(convID)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	if state := StateOf(conv); state != StateActiveHuman {
		return nil, transitionError("resolve", state)
	}
	assigned := conv.AgentID != nil && *conv.AgentID == caller.Subject
	if !assigned && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: only the assigned agent or an admin can resolve", ErrPermission)
	}

	conv.Status = store.StatusResolved
	conv.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateConversationState(ctx, conv); err != nil {
		return nil, err
	}

	s.logger.Info("conversation resolved", "conversation_id", convID, "caller", caller.Subject)
	s.emitUpdated(conv)
	return conv, nil
}

// Close administratively closes a conversation from waiting, agent-handled,
// or resolved state. Admin only.
func (s *Service) Close(ctx context.Context, convID string, caller auth.Identity) (*store.Conversation, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can close conversations", ErrPermission)
	}

	unlock := s.locks.acquire(convID)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	switch state := StateOf(conv); state {
	case StateWaiting, StateActiveHuman, StateResolved:
	default:
		return nil, transitionError("close", state)
	}

	conv.Status = store.StatusClosed
	conv.WaitingSince = nil
	conv.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateConversationState(ctx, conv); err != nil {
		return nil, err
	}

	s.logger.Info("conversation closed", "conversation_id", convID, "caller", caller.Subject)
	s.emitUpdated(conv)
	return conv, nil
}

// WaitingConversations returns a point-in-time snapshot of the waiting queue
// in FIFO order.
func (s *Service) WaitingConversations(ctx context.Context) ([]*store.Conversation, error) {
	return s.store.ListWaitingConversations(ctx)
}

// checkParticipant enforces that customers only touch their own
// conversations. Agents and admins may act on any conversation.
func (s *Service) checkParticipant(conv *store.Conversation, caller auth.Identity) error {
	if caller.Role == auth.RoleCustomer && caller.Subject != conv.UserID {
		return fmt.Errorf("%w: conversation belongs to another user", ErrPermission)
	}
	return nil
}

// emitUpdated fans a conversation snapshot out to its room and to all agent
// sessions, which keeps dashboards current without room membership.
func (s *Service) emitUpdated(conv *store.Conversation) {
	ev := room.ConversationUpdatedEvent(conv)
	s.rooms.Broadcast(conv.ID, ev, "")
	s.rooms.BroadcastAgents(ev)
}

func transitionError(event, state string) error {
	return fmt.Errorf("%w: cannot %s from %s", store.ErrConflict, event, state)
}
