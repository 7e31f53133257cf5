// ABOUTME: Derived conversation states for the routing state machine
// ABOUTME: Maps persisted (status, type) pairs onto the five routing states

package conversation

import "github.com/lumistore/chat-gateway/internal/store"

// Routing states. A conversation's state is derived from its persisted
// status and type rather than stored separately.
const (
	StateBot         = "bot"
	StateWaiting     = "waiting"
	StateActiveHuman = "active_human"
	StateResolved    = "resolved"
	StateClosed      = "closed"
)

// StateOf derives the routing state of a conversation.
func StateOf(conv *store.Conversation) string {
	switch conv.Status {
	case store.StatusWaiting:
		return StateWaiting
	case store.StatusResolved:
		return StateResolved
	case store.StatusClosed:
		return StateClosed
	default:
		if conv.Type == store.ConversationTypeHuman {
			return StateActiveHuman
		}
		return StateBot
	}
}

// IsTerminal reports whether a state accepts no further routing transitions.
// Resolved conversations can still be closed; closed is the end of the line.
func IsTerminal(state string) bool {
	return state == StateClosed
}
