// ABOUTME: Go client for the chat-gateway realtime channel
// ABOUTME: Owns the connection lifecycle, reconnect backoff, and ack correlation

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumistore/chat-gateway/internal/room"
)

// Connection states observable through OnStateChange.
const (
	StateDisconnected = "disconnected"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateFailed       = "failed"
)

var (
	// ErrNotConnected is returned by operations while no connection is up.
	ErrNotConnected = errors.New("client is not connected")
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("client is closed")
)

// RequestError is a server-reported failure for one request, carrying the
// error code from the wire.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Conn is the minimal connection surface the client needs. The gorilla
// *websocket.Conn satisfies it; tests substitute a scripted fake.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// DialFunc establishes one connection attempt.
type DialFunc func(ctx context.Context) (Conn, error)

// WebSocketDial returns a DialFunc for the gateway's /ws endpoint,
// authenticating with the bearer token.
func WebSocketDial(url, token string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{"Authorization": {"Bearer " + token}}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("handshake refused: %w", err)
			}
			return nil, err
		}
		return conn, nil
	}
}

// Options configures a Client.
type Options struct {
	Dial             DialFunc
	Clock            Clock         // defaults to the real clock
	BackoffBase      time.Duration // defaults to 1s
	MaxAttempts      int           // defaults to 5
	HandshakeTimeout time.Duration // defaults to 10s
	Logger           *slog.Logger
	OnStateChange    func(state string)
}

// Client maintains one realtime connection to the gateway. A failed dial and
// a drop of an established connection feed the same backoff machine: retries
// with exponential delays (base, 2x, 4x, ...) up to the attempt cap, then the
// failed state until Connect is called again. Disconnect never triggers a
// reconnect.
//
// Room membership is not restored by the client or the server: after any
// reconnect the caller joins its conversations again.
type Client struct {
	dial             DialFunc
	clock            Clock
	handshakeTimeout time.Duration
	logger           *slog.Logger
	onState          func(string)

	refCounter atomic.Uint64

	mu      sync.Mutex
	state   string
	conn    Conn
	backoff Backoff
	pending map[string]chan *room.RawEvent
	stop    chan struct{} // closed by Disconnect, ends the reconnect loop
	closed  bool

	events chan *room.RawEvent
}

// New creates a client. Opts.Dial is required.
func New(opts Options) (*Client, error) {
	if opts.Dial == nil {
		return nil, errors.New("dial func is required")
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		dial:             opts.Dial,
		clock:            opts.Clock,
		handshakeTimeout: opts.HandshakeTimeout,
		logger:           opts.Logger.With("component", "chat-client"),
		onState:          opts.OnStateChange,
		state:            StateDisconnected,
		backoff:          Backoff{Base: opts.BackoffBase, MaxAttempts: opts.MaxAttempts},
		pending:          make(map[string]chan *room.RawEvent),
		events:           make(chan *room.RawEvent, 256),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events exposes the ordered stream of server events other than the acks and
// errors consumed by in-flight requests.
func (c *Client) Events() <-chan *room.RawEvent {
	return c.events
}

func (c *Client) setState(state string) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	cb := c.onState
	c.mu.Unlock()

	c.logger.Debug("state changed", "state", state)
	if cb != nil {
		cb(state)
	}
}

// Connect establishes the connection. The first dial happens inline; on
// failure the backoff machine takes over and Connect blocks through the
// retries until one succeeds or the attempt budget is spent. Exhaustion parks
// the client in the failed state and returns the last dial error; calling
// Connect again rearms it. Each attempt is bounded by the handshake timeout
// and a timeout counts as a failed attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.backoff.Reset()
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	conn, err := c.dialOnce(ctx)
	if err != nil {
		c.logger.Info("connect failed, retrying", "error", err)
		c.setState(StateReconnecting)
		retryConn, retryErr := c.reconnectLoop(stop)
		if retryConn == nil {
			if retryErr == nil {
				// Disconnect interrupted the retries.
				return ErrNotConnected
			}
			return fmt.Errorf("connecting: %w", retryErr)
		}
		conn = retryConn
	}

	c.attach(conn, stop)
	return nil
}

// dialOnce performs one bounded connection attempt.
func (c *Client) dialOnce(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	return c.dial(dialCtx)
}

// attach installs a live connection and starts its read loop.
func (c *Client) attach(conn Conn, stop chan struct{}) {
	c.mu.Lock()
	c.conn = conn
	c.backoff.Reset()
	c.mu.Unlock()

	c.setState(StateConnected)
	go c.readLoop(conn, stop)
}

// readLoop consumes server frames until the connection drops, then hands off
// to the reconnect loop. Acks and errors with a ref wake their waiting
// request; everything else flows to the event stream.
func (c *Client) readLoop(conn Conn, stop chan struct{}) {
	for {
		var ev room.RawEvent
		if err := conn.ReadJSON(&ev); err != nil {
			c.handleDrop(conn, stop, err)
			return
		}

		if ev.Ref != "" && (ev.Type == room.EventAck || ev.Type == room.EventError) {
			c.resolvePending(&ev)
			continue
		}

		select {
		case c.events <- &ev:
		default:
			c.logger.Warn("event stream full, dropping event", "event", ev.Type)
		}
	}
}

// resolvePending delivers an ack or error to the request that owns its ref.
func (c *Client) resolvePending(ev *room.RawEvent) {
	c.mu.Lock()
	ch, ok := c.pending[ev.Ref]
	if ok {
		delete(c.pending, ev.Ref)
	}
	c.mu.Unlock()
	if ok {
		ch <- ev
	}
}

// handleDrop tears down a dropped connection and starts reconnecting unless
// Disconnect caused the drop.
func (c *Client) handleDrop(conn Conn, stop chan struct{}, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.failPendingLocked()
	c.mu.Unlock()

	select {
	case <-stop:
		// Deliberate disconnect; stay down.
		return
	default:
	}

	c.logger.Info("connection dropped, reconnecting", "error", err)
	c.setState(StateReconnecting)
	if conn, _ := c.reconnectLoop(stop); conn != nil {
		c.attach(conn, stop)
	}
}

// failPendingLocked fails every in-flight request; their sends died with the
// connection. Caller holds c.mu.
func (c *Client) failPendingLocked() {
	for ref, ch := range c.pending {
		delete(c.pending, ref)
		ch <- &room.RawEvent{Type: room.EventError, Ref: ref,
			Data: []byte(`{"code":"connection","message":"connection lost"}`)}
	}
}

// reconnectLoop retries with exponential backoff until success, exhaustion,
// or Disconnect. It returns the new connection, or nil with the last dial
// error once the attempt budget is spent. Exhaustion is terminal: the failed
// state persists until the caller invokes Connect again. A Disconnect during
// the wait returns nil without an error.
func (c *Client) reconnectLoop(stop chan struct{}) (Conn, error) {
	var lastErr error
	for {
		c.mu.Lock()
		delay, ok := c.backoff.Next()
		attempt := c.backoff.Attempt()
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("connection attempts exhausted")
			c.setState(StateFailed)
			return nil, lastErr
		}

		select {
		case <-stop:
			return nil, nil
		case <-c.clock.After(delay):
		}

		c.logger.Debug("connection attempt", "attempt", attempt, "delay", delay)
		conn, err := c.dialOnce(context.Background())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Debug("connection attempt failed", "attempt", attempt, "error", err)
	}
}

// Disconnect closes the connection and disables reconnection. The client can
// be connected again later with Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
	}
	conn := c.conn
	c.conn = nil
	c.failPendingLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
}

// Close disconnects and permanently closes the event stream.
func (c *Client) Close() {
	c.Disconnect()
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		close(c.events)
	}
}

// request writes one event frame and waits for its ack or error. At most
// once: a lost request is reported as an error and never replayed.
func (c *Client) request(ctx context.Context, eventType string, payload any) (*room.RawEvent, error) {
	ref := fmt.Sprintf("c-%d", c.refCounter.Add(1))
	ch := make(chan *room.RawEvent, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[ref] = ch
	c.mu.Unlock()

	err := conn.WriteJSON(&room.Event{Type: eventType, Ref: ref, Data: payload})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
		return nil, ctx.Err()
	case ev := <-ch:
		if ev.Type == room.EventError {
			var payload room.ErrorPayload
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				return nil, fmt.Errorf("malformed error event: %w", err)
			}
			return nil, &RequestError{Code: payload.Code, Message: payload.Message}
		}
		return ev, nil
	}
}

// requestAck runs request and decodes the ack payload.
func (c *Client) requestAck(ctx context.Context, eventType string, payload any) (*room.AckPayload, error) {
	ev, err := c.request(ctx, eventType, payload)
	if err != nil {
		return nil, err
	}
	var ack room.AckPayload
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &ack); err != nil {
			return nil, fmt.Errorf("malformed ack: %w", err)
		}
	}
	return &ack, nil
}

// Join subscribes this session to a conversation room.
func (c *Client) Join(ctx context.Context, conversationID string) error {
	_, err := c.requestAck(ctx, room.EventJoinConversation, &room.JoinPayload{ConversationID: conversationID})
	return err
}

// SendMessage sends a chat message and waits for the server's ack. An empty
// conversationID addresses the caller's active conversation, creating one on
// first contact.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*room.AckPayload, error) {
	return c.requestAck(ctx, room.EventSendMessage, &room.SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
	})
}

// SwitchToHuman asks for a human agent on the conversation.
func (c *Client) SwitchToHuman(ctx context.Context, conversationID string) error {
	_, err := c.requestAck(ctx, room.EventSwitchToHuman, &room.SwitchPayload{ConversationID: conversationID})
	return err
}

// SwitchToBot routes the conversation back to the bot.
func (c *Client) SwitchToBot(ctx context.Context, conversationID string) error {
	_, err := c.requestAck(ctx, room.EventSwitchToBot, &room.SwitchPayload{ConversationID: conversationID})
	return err
}

// MarkAsRead marks the other side's messages read.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	_, err := c.requestAck(ctx, room.EventMarkAsRead, &room.MarkAsReadPayload{ConversationID: conversationID})
	return err
}

// Typing sends a fire-and-forget typing indicator.
func (c *Client) Typing(conversationID string, isTyping bool) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(&room.Event{Type: room.EventTyping, Data: &room.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	}})
}
