// Package gateway assembles the chat-gateway server: SQLite store, room
// registry, conversation state machine, message router, and bot responder
// behind one HTTP listener.
//
// Two surfaces share that listener. The realtime channel at /ws carries
// JSON event frames over a websocket; each connection is one session with a
// read pump, a write pump, ping/pong keepalive, and a per-session rate
// limit. Client frames may carry a ref that is echoed on the resulting ack
// or error, so callers can await the outcome of a specific request. The REST
// surface under /api mirrors every state operation for initial page loads
// and for clients whose realtime channel is down; it maps domain errors onto
// 400/401/403/404/409 statuses.
//
// Health probes live at /health and /health/ready, Prometheus metrics at
// /metrics when enabled.
package gateway
