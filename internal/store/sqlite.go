// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and gives the
	// per-conversation writers a serialized view of the file store.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			agent_id          TEXT,
			conversation_type TEXT NOT NULL,
			status            TEXT NOT NULL,
			title             TEXT NOT NULL DEFAULT '',
			last_message      TEXT NOT NULL DEFAULT '',
			waiting_since     TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (conversation_type IN ('bot', 'human')),
			CHECK (status IN ('active', 'waiting', 'resolved', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id, updated_at DESC);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent
			ON conversations(agent_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_waiting
			ON conversations(status, waiting_since);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender_id       TEXT,
			message_type    TEXT NOT NULL DEFAULT 'text',
			content         TEXT NOT NULL,
			is_from_bot     INTEGER NOT NULL DEFAULT 0,
			is_read         INTEGER NOT NULL DEFAULT 0,
			metadata        TEXT,
			created_at      TEXT NOT NULL,

			CHECK (message_type IN ('text', 'image', 'system')),
			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

const conversationColumns = `id, user_id, agent_id, conversation_type, status, title, last_message, waiting_since, created_at, updated_at`

// CreateConversation inserts a new conversation.
// Returns ErrConflict if a conversation with the same id already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.UserID,
		nullableString(conv.AgentID),
		conv.Type,
		conv.Status,
		conv.Title,
		conv.LastMessage,
		nullableTime(conv.WaitingSince),
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user_id", conv.UserID, "type", conv.Type)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// GetActiveConversationByUser returns the user's most recent open conversation
// (not resolved or closed). Returns ErrNotFound if the user has none.
func (s *SQLiteStore) GetActiveConversationByUser(ctx context.Context, userID string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE user_id = ? AND status NOT IN ('resolved', 'closed')
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, userID))
}

// ListConversationsByUser returns a user's conversations, most recent activity first.
func (s *SQLiteStore) ListConversationsByUser(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`
	return s.queryConversations(ctx, query, userID, clampLimit(limit))
}

// ListConversationsByAgent returns conversations assigned to an agent, most recent first.
func (s *SQLiteStore) ListConversationsByAgent(ctx context.Context, agentID string, limit int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE agent_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`
	return s.queryConversations(ctx, query, agentID, clampLimit(limit))
}

// ListConversations returns all conversations ordered by most recent activity.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ?
	`
	return s.queryConversations(ctx, query, clampLimit(limit))
}

// ListWaitingConversations returns the waiting queue in FIFO order
// (oldest waiting_since first).
func (s *SQLiteStore) ListWaitingConversations(ctx context.Context) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE status = 'waiting'
		ORDER BY waiting_since ASC
	`
	return s.queryConversations(ctx, query)
}

// clampLimit bounds a caller-supplied limit to a sane range
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// UpdateConversationState updates the mutable fields of a conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversationState(ctx context.Context, conv *Conversation) error {
	query := `
		UPDATE conversations
		SET agent_id = ?, conversation_type = ?, status = ?, title = ?, waiting_since = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		nullableString(conv.AgentID),
		conv.Type,
		conv.Status,
		conv.Title,
		nullableTime(conv.WaitingSince),
		formatTime(conv.UpdatedAt),
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation", "id", conv.ID, "status", conv.Status, "type", conv.Type)
	return nil
}

// AssignAgent performs the waiting -> active_human transition under an
// optimistic check. Only a conversation still in waiting with no agent can be
// claimed; the losing caller in a race receives ErrConflict.
func (s *SQLiteStore) AssignAgent(ctx context.Context, convID, agentID string, now time.Time) (*Conversation, error) {
	query := `
		UPDATE conversations
		SET status = 'active', conversation_type = 'human', agent_id = ?, waiting_since = NULL, updated_at = ?
		WHERE id = ? AND status = 'waiting' AND agent_id IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, agentID, formatTime(now), convID)
	if err != nil {
		return nil, fmt.Errorf("assigning agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a lost race from an unknown conversation
		if _, getErr := s.GetConversation(ctx, convID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}

	s.logger.Debug("assigned agent", "conversation_id", convID, "agent_id", agentID)
	return s.GetConversation(ctx, convID)
}

// SaveMessage persists a message, assigning the next per-conversation sequence
// number, and updates the owning conversation's last_message preview in the
// same transaction. The assigned Seq and normalized fields are written back
// into msg. Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Bump the conversation first; zero rows means the conversation is unknown
	result, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message = ?, updated_at = ? WHERE id = ?`,
		msg.Content,
		formatTime(msg.CreatedAt),
		msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation preview: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		msg.ConversationID,
	).Scan(&msg.Seq); err != nil {
		return fmt.Errorf("computing sequence number: %w", err)
	}

	var metadata any
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_id, message_type, content, is_from_bot, is_read, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.Seq,
		nullableString(msg.SenderID),
		msg.Type,
		msg.Content,
		msg.IsFromBot,
		msg.IsRead,
		metadata,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "seq", msg.Seq)
	return nil
}

// GetMessages retrieves the most recent `limit` messages of a conversation,
// returned in chronological order (oldest first). If limit is 0 or negative,
// all messages are returned.
func (s *SQLiteStore) GetMessages(ctx context.Context, convID string, limit int) ([]*ChatMessage, error) {
	var query string
	var args []any

	if limit > 0 {
		// Get the N most recent messages, but return them in chronological order
		query = `
			SELECT id, conversation_id, seq, sender_id, message_type, content, is_from_bot, is_read, metadata, created_at
			FROM (
				SELECT id, conversation_id, seq, sender_id, message_type, content, is_from_bot, is_read, metadata, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{convID, limit}
	} else {
		query = `
			SELECT id, conversation_id, seq, sender_id, message_type, content, is_from_bot, is_read, metadata, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY seq ASC
		`
		args = []any{convID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// MarkMessagesRead marks every message in the conversation not authored by
// readerID as read. Returns the number of messages newly marked, which is 0
// on repeated calls (idempotent).
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, convID, readerID string) (int64, error) {
	query := `
		UPDATE messages
		SET is_read = 1
		WHERE conversation_id = ? AND is_read = 0 AND (sender_id IS NULL OR sender_id <> ?)
	`

	result, err := s.db.ExecContext(ctx, query, convID, readerID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("marked messages read", "conversation_id", convID, "reader_id", readerID, "count", rowsAffected)
	}
	return rowsAffected, nil
}

// ConversationStats returns message counts and activity timestamps for a
// conversation. Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) ConversationStats(ctx context.Context, convID string) (*ConversationStats, error) {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	// Agent messages are the non-bot messages not authored by the customer.
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_from_bot THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_from_bot = 0 AND sender_id IS NOT NULL AND sender_id != ? THEN 1 ELSE 0 END), 0),
			MIN(created_at),
			MAX(created_at)
		FROM messages
		WHERE conversation_id = ?
	`

	stats := &ConversationStats{ConversationID: convID}
	var firstAt, lastAt sql.NullString

	err = s.db.QueryRowContext(ctx, query, conv.UserID, convID).Scan(
		&stats.TotalMessages,
		&stats.UnreadMessages,
		&stats.BotMessages,
		&stats.AgentMessages,
		&firstAt,
		&lastAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}

	if firstAt.Valid {
		t, err := parseTime(firstAt.String)
		if err != nil {
			return nil, err
		}
		stats.FirstMessageAt = &t
	}
	if lastAt.Valid {
		t, err := parseTime(lastAt.String)
		if err != nil {
			return nil, err
		}
		stats.LastMessageAt = &t
	}

	return stats, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanConversation scans a single conversation row
func (s *SQLiteStore) scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var agentID, waitingSince sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.UserID,
		&agentID,
		&conv.Type,
		&conv.Status,
		&conv.Title,
		&conv.LastMessage,
		&waitingSince,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	if agentID.Valid {
		conv.AgentID = &agentID.String
	}
	if waitingSince.Valid {
		t, err := parseTime(waitingSince.String)
		if err != nil {
			return nil, err
		}
		conv.WaitingSince = &t
	}

	if conv.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if conv.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}

	return &conv, nil
}

// queryConversations runs a multi-row conversation query
func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		conv, err := s.scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return conversations, nil
}

// scanMessage scans a single message row
func scanMessage(row rowScanner) (*ChatMessage, error) {
	var msg ChatMessage
	var senderID, metadata sql.NullString
	var createdAtStr string

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Seq,
		&senderID,
		&msg.Type,
		&msg.Content,
		&msg.IsFromBot,
		&msg.IsRead,
		&metadata,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	if senderID.Valid {
		msg.SenderID = &senderID.String
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}

	if msg.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}

	return &msg, nil
}

// timeFormat is RFC 3339 with fixed-width nanoseconds. RFC3339Nano trims
// trailing zeros, which puts a whole-second value after a sub-second one in
// the same second when the column is compared as text; queue and recency
// ordering rely on the lexicographic order matching the time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime serializes a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// parseTime deserializes a stored timestamp
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullableString returns nil for nil or empty string pointers
func nullableString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// nullableTime returns nil for nil time pointers
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
