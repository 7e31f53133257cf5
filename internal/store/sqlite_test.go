// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers conversation CRUD, message ordering, assignment races, read receipts

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeConversation(userID string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      ConversationTypeBot,
		Status:    StatusActive,
		Title:     "Support",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func makeMessage(convID, senderID, content string) *ChatMessage {
	msg := &ChatMessage{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Type:           MessageTypeText,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if senderID != "" {
		msg.SenderID = &senderID
	}
	return msg
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, ConversationTypeBot, got.Type)
	assert.Equal(t, StatusActive, got.Status)
	assert.Nil(t, got.AgentID)
	assert.Nil(t, got.WaitingSince)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateConversation_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	err := s.CreateConversation(ctx, conv)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGetActiveConversationByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetActiveConversationByUser(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)

	closed := makeConversation("user-1")
	closed.Status = StatusClosed
	require.NoError(t, s.CreateConversation(ctx, closed))

	_, err = s.GetActiveConversationByUser(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound, "closed conversations are not active")

	open := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, open))

	got, err := s.GetActiveConversationByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, open.ID, got.ID)
}

func TestSaveMessage_AssignsSequenceAndUpdatesPreview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	first := makeMessage(conv.ID, "user-1", "hello")
	require.NoError(t, s.SaveMessage(ctx, first))
	assert.Equal(t, int64(1), first.Seq)

	second := makeMessage(conv.ID, "user-1", "anyone there?")
	require.NoError(t, s.SaveMessage(ctx, second))
	assert.Equal(t, int64(2), second.Seq)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "anyone there?", got.LastMessage)
}

func TestSaveMessage_UnknownConversation(t *testing.T) {
	s := newTestStore(t)

	msg := makeMessage("missing", "user-1", "hello")
	err := s.SaveMessage(context.Background(), msg)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveMessage_MetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := makeMessage(conv.ID, "user-1", "check this out")
	msg.Metadata = map[string]string{"product_id": "sku-42"}
	require.NoError(t, s.SaveMessage(ctx, msg))

	messages, err := s.GetMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "sku-42", messages[0].Metadata["product_id"])
}

func TestGetMessages_LimitReturnsMostRecentInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, s.SaveMessage(ctx, makeMessage(conv.ID, "user-1", content)))
	}

	messages, err := s.GetMessages(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	// Most recent three, oldest first
	assert.Equal(t, "m3", messages[0].Content)
	assert.Equal(t, "m4", messages[1].Content)
	assert.Equal(t, "m5", messages[2].Content)
	assert.Less(t, messages[0].Seq, messages[1].Seq)
	assert.Less(t, messages[1].Seq, messages[2].Seq)
}

func markWaiting(t *testing.T, s *SQLiteStore, conv *Conversation, since time.Time) {
	t.Helper()
	conv.Type = ConversationTypeHuman
	conv.Status = StatusWaiting
	conv.AgentID = nil
	conv.WaitingSince = &since
	conv.UpdatedAt = since
	require.NoError(t, s.UpdateConversationState(context.Background(), conv))
}

func TestAssignAgent_Succeeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))
	markWaiting(t, s, conv, time.Now())

	got, err := s.AssignAgent(ctx, conv.ID, "agent-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, ConversationTypeHuman, got.Type)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, "agent-1", *got.AgentID)
	assert.Nil(t, got.WaitingSince)
}

func TestAssignAgent_ConflictWhenNotWaiting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))
	markWaiting(t, s, conv, time.Now())

	_, err := s.AssignAgent(ctx, conv.ID, "agent-1", time.Now())
	require.NoError(t, err)

	_, err = s.AssignAgent(ctx, conv.ID, "agent-2", time.Now())
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAssignAgent_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AssignAgent(context.Background(), "missing", "agent-1", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignAgent_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))
	markWaiting(t, s, conv, time.Now())

	const competitors = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int

	for i := 0; i < competitors; i++ {
		agentID := "agent-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AssignAgent(ctx, conv.ID, agentID, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one competitor may claim the conversation")
	assert.Equal(t, competitors-1, conflicts)
}

func TestMarkMessagesRead_IdempotentAndSkipsOwnMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	require.NoError(t, s.SaveMessage(ctx, makeMessage(conv.ID, "user-1", "mine")))
	require.NoError(t, s.SaveMessage(ctx, makeMessage(conv.ID, "agent-1", "from agent")))
	botMsg := makeMessage(conv.ID, "", "from bot")
	botMsg.IsFromBot = true
	require.NoError(t, s.SaveMessage(ctx, botMsg))

	affected, err := s.MarkMessagesRead(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected, "agent and bot messages marked, own message skipped")

	affected, err = s.MarkMessagesRead(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.Zero(t, affected, "second call is a no-op")

	messages, err := s.GetMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.False(t, messages[0].IsRead, "own message stays unread")
	assert.True(t, messages[1].IsRead)
	assert.True(t, messages[2].IsRead)
}

func TestListWaitingConversations_FIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	var ids []string
	for i := 0; i < 3; i++ {
		conv := makeConversation("user-" + string(rune('1'+i)))
		require.NoError(t, s.CreateConversation(ctx, conv))
		// Reverse insertion order so the query has to sort by waiting_since
		markWaiting(t, s, conv, base.Add(time.Duration(3-i)*time.Minute))
		ids = append(ids, conv.ID)
	}

	waiting, err := s.ListWaitingConversations(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 3)
	assert.Equal(t, ids[2], waiting[0].ID, "oldest waiting first")
	assert.Equal(t, ids[1], waiting[1].ID)
	assert.Equal(t, ids[0], waiting[2].ID)
}

func TestListConversations_Scopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convA := makeConversation("user-a")
	require.NoError(t, s.CreateConversation(ctx, convA))
	convB := makeConversation("user-b")
	agentID := "agent-1"
	convB.Type = ConversationTypeHuman
	convB.AgentID = &agentID
	require.NoError(t, s.CreateConversation(ctx, convB))

	byUser, err := s.ListConversationsByUser(ctx, "user-a", 0)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, convA.ID, byUser[0].ID)

	byAgent, err := s.ListConversationsByAgent(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, convB.ID, byAgent[0].ID)

	all, err := s.ListConversations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConversationStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	require.NoError(t, s.SaveMessage(ctx, makeMessage(conv.ID, "user-1", "hi")))
	botMsg := makeMessage(conv.ID, "", "hello!")
	botMsg.IsFromBot = true
	require.NoError(t, s.SaveMessage(ctx, botMsg))
	require.NoError(t, s.SaveMessage(ctx, makeMessage(conv.ID, "agent-1", "how can I help?")))

	stats, err := s.ConversationStats(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalMessages)
	assert.Equal(t, int64(3), stats.UnreadMessages)
	assert.Equal(t, int64(1), stats.BotMessages)
	assert.Equal(t, int64(1), stats.AgentMessages, "customer and bot messages are not agent messages")
	require.NotNil(t, stats.FirstMessageAt)
	require.NotNil(t, stats.LastMessageAt)
	assert.False(t, stats.LastMessageAt.Before(*stats.FirstMessageAt))
}

func TestConversationStats_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ConversationStats(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateConversationState_NotFound(t *testing.T) {
	s := newTestStore(t)

	conv := makeConversation("user-1")
	err := s.UpdateConversationState(context.Background(), conv)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListWaitingConversations_SubSecondOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A whole-second timestamp and a sub-second one in the same second must
	// keep their time order when the column is compared as text.
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	first := makeConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, first))
	markWaiting(t, s, first, base)

	second := makeConversation("user-2")
	require.NoError(t, s.CreateConversation(ctx, second))
	markWaiting(t, s, second, base.Add(500*time.Millisecond))

	waiting, err := s.ListWaitingConversations(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, first.ID, waiting[0].ID, "whole-second entry queued first")
	assert.Equal(t, second.ID, waiting[1].ID)
}
