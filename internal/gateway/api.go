// ABOUTME: REST fallback surface for initial load and realtime-less clients
// ABOUTME: chi routes with CORS, bearer auth, and error-to-status mapping

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumistore/chat-gateway/internal/auth"
	"github.com/lumistore/chat-gateway/internal/conversation"
	"github.com/lumistore/chat-gateway/internal/router"
	"github.com/lumistore/chat-gateway/internal/store"
)

// errMessageTooLong is a validation failure for messages over the configured cap.
var errMessageTooLong = errors.New("message content exceeds maximum length")

// buildRoutes assembles the full HTTP surface: health, metrics, the
// websocket endpoint, and the authenticated REST API.
func (g *Gateway) buildRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler())
	}

	// The websocket handshake authenticates itself (header or query token).
	r.Get("/ws", g.handleWS)

	r.Route("/api", func(api chi.Router) {
		api.Use(auth.Middleware(g.verifier))

		api.Get("/conversations", g.handleListConversations)
		api.Get("/conversations/active", g.handleActiveConversation)
		api.Get("/conversations/waiting", g.handleWaitingConversations)

		api.Route("/conversations/{id}", func(c chi.Router) {
			c.Get("/", g.handleGetConversation)
			c.Get("/messages", g.handleGetMessages)
			c.Post("/messages", g.handlePostMessage)
			c.Post("/switch-to-human", g.handleSwitchToHuman)
			c.Post("/switch-to-bot", g.handleSwitchToBot)
			c.Post("/assign", g.handleAssign)
			c.Post("/resolve", g.handleResolve)
			c.Post("/close", g.handleClose)
			c.Post("/read", g.handleMarkAsRead)
			c.Get("/stats", g.handleStats)
		})
	})

	return r
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses: 404 unknown resource,
// 409 optimistic-check failure or invalid transition, 403 permission, 400
// validation, 500 everything else.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, conversation.ErrPermission):
		status = http.StatusForbidden
	case errors.Is(err, router.ErrEmptyMessage),
		errors.Is(err, router.ErrUnknownType),
		errors.Is(err, router.ErrNotMember),
		errors.Is(err, errMessageTooLong):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// identity pulls the authenticated identity; the auth middleware guarantees
// it is present on /api routes.
func identity(r *http.Request) auth.Identity {
	id, _ := auth.IdentityFrom(r.Context())
	return id
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// handleActiveConversation returns the caller's open conversation, creating
// a bot conversation for customers that have none yet.
func (g *Gateway) handleActiveConversation(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id.Role != auth.RoleCustomer {
		writeError(w, fmt.Errorf("%w: only customers have an active conversation", conversation.ErrPermission))
		return
	}
	conv, err := g.convs.EnsureActiveConversation(r.Context(), id.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleListConversations lists by role: customers see their own, agents
// their assigned ones, admins everything.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	limit := queryLimit(r, 50)

	var (
		convs []*store.Conversation
		err   error
	)
	switch id.Role {
	case auth.RoleCustomer:
		convs, err = g.store.ListConversationsByUser(r.Context(), id.Subject, limit)
	case auth.RoleAgent:
		convs, err = g.store.ListConversationsByAgent(r.Context(), id.Subject, limit)
	default:
		convs, err = g.store.ListConversations(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// handleWaitingConversations returns the waiting queue snapshot. Agent and
// admin dashboards only.
func (g *Gateway) handleWaitingConversations(w http.ResponseWriter, r *http.Request) {
	if identity(r).Role == auth.RoleCustomer {
		writeError(w, conversation.ErrPermission)
		return
	}
	queue, err := g.convs.WaitingConversations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

// loadConversationFor fetches the conversation and enforces that customers
// only see their own.
func (g *Gateway) loadConversationFor(r *http.Request) (*store.Conversation, error) {
	conv, err := g.store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	id := identity(r)
	if id.Role == auth.RoleCustomer && id.Subject != conv.UserID {
		return nil, conversation.ErrPermission
	}
	return conv, nil
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.loadConversationFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := g.loadConversationFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := g.store.GetMessages(r.Context(), conv.ID, queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type postMessageRequest struct {
	Content  string            `json:"content"`
	Type     string            `json:"type,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handlePostMessage is the REST send path. Fallback callers hold no realtime
// session, so the room-membership requirement is waived; everything else in
// the pipeline (permissions, serialization, bot reply) is identical.
func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, router.ErrEmptyMessage)
		return
	}
	if max := g.config.Limits.MaxMessageLength; max > 0 && len(req.Content) > max {
		writeError(w, errMessageTooLong)
		return
	}

	start := time.Now()
	res, err := g.router.Send(r.Context(), router.SendRequest{
		ConversationID: chi.URLParam(r, "id"),
		Sender:         identity(r),
		Type:           req.Type,
		Content:        req.Content,
		Metadata:       req.Metadata,
		AllowUnjoined:  true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	g.recordSend(identity(r), res, start)

	writeJSON(w, http.StatusCreated, res)
}

// recordSend updates the message metrics for a completed send.
func (g *Gateway) recordSend(sender auth.Identity, res *router.SendResult, start time.Time) {
	metricSendDuration.Observe(time.Since(start).Seconds())
	metricMessagesTotal.WithLabelValues(sender.Role).Inc()
	if res.BotReply != nil {
		metricMessagesTotal.WithLabelValues("bot").Inc()
	}
}

func (g *Gateway) handleSwitchToHuman(w http.ResponseWriter, r *http.Request) {
	conv, err := g.convs.SwitchToHuman(r.Context(), chi.URLParam(r, "id"), identity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	g.updateWaitingDepth()
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleSwitchToBot(w http.ResponseWriter, r *http.Request) {
	conv, err := g.convs.SwitchToBot(r.Context(), chi.URLParam(r, "id"), identity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	g.updateWaitingDepth()
	writeJSON(w, http.StatusOK, conv)
}

type assignRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

func (g *Gateway) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.New("invalid request body"))
			return
		}
	}

	conv, err := g.convs.AssignAgent(r.Context(), chi.URLParam(r, "id"), req.AgentID, identity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	g.updateWaitingDepth()
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	conv, err := g.convs.Resolve(r.Context(), chi.URLParam(r, "id"), identity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	conv, err := g.convs.Close(r.Context(), chi.URLParam(r, "id"), identity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	g.updateWaitingDepth()
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleMarkAsRead(w http.ResponseWriter, r *http.Request) {
	if err := g.router.MarkAsRead(r.Context(), chi.URLParam(r, "id"), identity(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	conv, err := g.loadConversationFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := g.store.ConversationStats(r.Context(), conv.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
