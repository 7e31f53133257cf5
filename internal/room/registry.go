// ABOUTME: In-memory session and room registry with fan-out delivery
// ABOUTME: Tracks who is connected, which rooms they joined, and the agent broadcast set

package room

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// sessionBufferSize is the channel buffer for each session's outbound
	// event queue. Events are dropped for sessions that fall this far behind.
	sessionBufferSize = 64
)

// ErrNotRegistered is returned when an operation names an unknown session.
var ErrNotRegistered = errors.New("session not registered")

type subscriber struct {
	id     string
	userID string
	agent  bool
	ch     chan *Event
	rooms  map[string]struct{}
}

// Registry tracks connected sessions and their room memberships. A room is
// keyed by conversation ID; a session may join any number of rooms. Sessions
// registered as agents additionally receive waiting-queue broadcasts without
// joining anything.
//
// Delivery is non-blocking: a session whose buffer is full loses the event
// rather than stalling the sender. Room membership is per session and is not
// restored across reconnects; a new session starts with no rooms.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber            // session ID -> subscriber
	rooms  map[string]map[string]*subscriber // room ID -> session ID -> subscriber
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		subs:   make(map[string]*subscriber),
		rooms:  make(map[string]map[string]*subscriber),
		logger: logger.With("component", "room-registry"),
	}
}

// Register adds a session for the given user and returns its session ID and
// outbound event channel. The channel is closed by Unregister or Close.
func (r *Registry) Register(userID string, agent bool) (string, <-chan *Event) {
	sub := &subscriber{
		id:     uuid.New().String(),
		userID: userID,
		agent:  agent,
		ch:     make(chan *Event, sessionBufferSize),
		rooms:  make(map[string]struct{}),
	}

	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()

	r.logger.Debug("session registered",
		"session_id", sub.id,
		"user_id", userID,
		"agent", agent)

	return sub.id, sub.ch
}

// Unregister removes a session from every room and closes its channel.
// Unknown session IDs are ignored.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[sessionID]
	if !ok {
		return
	}

	for roomID := range sub.rooms {
		r.removeFromRoom(roomID, sessionID)
	}
	delete(r.subs, sessionID)
	close(sub.ch)

	r.logger.Debug("session unregistered", "session_id", sessionID, "user_id", sub.userID)
}

// Join adds the session to a room. Joining a room twice is a no-op.
func (r *Registry) Join(sessionID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[sessionID]
	if !ok {
		return ErrNotRegistered
	}

	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = make(map[string]*subscriber)
	}
	r.rooms[roomID][sessionID] = sub
	sub.rooms[roomID] = struct{}{}

	r.logger.Debug("joined room", "session_id", sessionID, "room", roomID)
	return nil
}

// Leave removes the session from a room. Unknown sessions and rooms the
// session never joined are ignored.
func (r *Registry) Leave(sessionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[sessionID]
	if !ok {
		return
	}
	delete(sub.rooms, roomID)
	r.removeFromRoom(roomID, sessionID)
}

// removeFromRoom drops a session from a room's member map and cleans up the
// room entry when it empties. Caller holds r.mu.
func (r *Registry) removeFromRoom(roomID, sessionID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// IsMember reports whether any session of the given user has joined the room.
func (r *Registry) IsMember(roomID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.rooms[roomID] {
		if sub.userID == userID {
			return true
		}
	}
	return false
}

// MembersOf returns the distinct user IDs with at least one session in the
// room. Order is unspecified.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	users := make([]string, 0, len(r.rooms[roomID]))
	for _, sub := range r.rooms[roomID] {
		if _, dup := seen[sub.userID]; dup {
			continue
		}
		seen[sub.userID] = struct{}{}
		users = append(users, sub.userID)
	}
	return users
}

// Sessions returns the number of registered sessions.
func (r *Registry) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Broadcast sends an event to every session in the room. If excludeSessionID
// is non-empty that session is skipped, which keeps typing indicators from
// echoing back to their sender. Non-blocking: full buffers drop the event.
//
// Delivery happens under the registry lock. Unregister closes channels under
// the write lock, so a send can never race a close; sends never block, so
// the lock is held only briefly.
func (r *Registry) Broadcast(roomID string, event *Event, excludeSessionID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, sub := range r.rooms[roomID] {
		if excludeSessionID != "" && id == excludeSessionID {
			continue
		}
		r.deliver(sub.ch, event, roomID)
	}
}

// BroadcastAgents sends an event to every session registered as an agent,
// regardless of room membership. Used for waiting-queue announcements.
func (r *Registry) BroadcastAgents(event *Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs {
		if sub.agent {
			r.deliver(sub.ch, event, "agents")
		}
	}
}

func (r *Registry) deliver(ch chan *Event, event *Event, roomID string) {
	select {
	case ch <- event:
	default:
		// Session buffer full — drop the event for this session.
		r.logger.Debug("dropped event for slow session",
			"room", roomID,
			"event", event.Type)
	}
}

// Close unregisters every session and closes all channels.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sub := range r.subs {
		close(sub.ch)
		delete(r.subs, id)
	}
	r.rooms = make(map[string]map[string]*subscriber)

	r.logger.Debug("registry closed")
}
