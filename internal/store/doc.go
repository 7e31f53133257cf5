// Package store provides persistent storage for the chat gateway using SQLite.
//
// # Data Models
//
//   - Conversation: a customer conversation routed to the bot or a human
//     agent, with lifecycle status (active, waiting, resolved, closed) and a
//     denormalized last_message preview
//   - ChatMessage: an individual message with a per-conversation monotonic
//     sequence number; immutable once written except for the read flag
//   - ConversationStats: per-conversation message counters for dashboards
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Database file locations:
//
//   - Production: /var/lib/chat-gateway/gateway.db
//   - Development: ~/.local/share/chat-gateway/gateway.db
//   - Testing: :memory: (in-memory database)
//
// # Concurrency
//
// Conversation mutation is serialized per conversation id by the callers
// (conversation.Service and router.Router). The one guarded write the store
// performs itself is AssignAgent, which uses an optimistic status check so
// that exactly one of several racing claims succeeds; the rest receive
// ErrConflict.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConflict: an optimistic state check failed
//
// All methods accept context.Context for cancellation support.
package store
