// Package conversation implements the routing state machine that moves a
// conversation between bot handling, the waiting queue, and a human agent.
//
// States are derived from the persisted (status, type) pair: bot, waiting,
// active_human, resolved, closed. Transitions are guarded and serialized per
// conversation through a keyed lock table that the message router shares, so
// a state change and a message write to the same conversation can never
// interleave. The one genuinely contended transition, assigning an agent to
// a waiting conversation, is additionally protected by an optimistic check
// in the store: exactly one concurrent claimer wins.
//
// Successful transitions broadcast conversation_updated to the conversation
// room and to all agent sessions; entering the waiting queue additionally
// announces new_waiting_conversation to agents.
package conversation
