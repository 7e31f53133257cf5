// ABOUTME: Tests for the realtime client's connection lifecycle and requests
// ABOUTME: Uses a scripted clock, dialer, and connection; no real timers or sockets

package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumistore/chat-gateway/internal/room"
	"github.com/lumistore/chat-gateway/internal/store"
)

// fakeClock records every After call and lets the test fire the timers.
type fakeClock struct {
	mu      sync.Mutex
	delays  []time.Duration
	waiters chan chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{waiters: make(chan chan time.Time, 16)}
}

func (f *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	f.waiters <- ch
	return ch
}

func (f *fakeClock) recordedDelays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

// fireNext waits for the next pending timer and fires it.
func (f *fakeClock) fireNext(t *testing.T) {
	t.Helper()
	select {
	case ch := <-f.waiters:
		ch <- time.Unix(0, 0)
	case <-time.After(2 * time.Second):
		t.Fatal("no timer was armed")
	}
}

// assertNoTimer verifies that no further timer gets armed.
func (f *fakeClock) assertNoTimer(t *testing.T) {
	t.Helper()
	select {
	case <-f.waiters:
		t.Fatal("unexpected timer armed")
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeConn is a scripted connection. The test injects inbound frames via
// deliver and observes outbound frames on writes.
type fakeConn struct {
	incoming  chan json.RawMessage
	writes    chan json.RawMessage
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan json.RawMessage, 16),
		writes:   make(chan json.RawMessage, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadJSON(v any) error {
	select {
	case data := <-f.incoming:
		return json.Unmarshal(data, v)
	case <-f.closed:
		return errors.New("connection closed")
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.writes <- data
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// deliver injects a server event frame.
func (f *fakeConn) deliver(t *testing.T, ev *room.Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	f.incoming <- data
}

// nextWrite returns the next outbound frame as a RawEvent.
func (f *fakeConn) nextWrite(t *testing.T) *room.RawEvent {
	t.Helper()
	select {
	case data := <-f.writes:
		var ev room.RawEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		return &ev
	case <-time.After(2 * time.Second):
		t.Fatal("no frame was written")
		return nil
	}
}

// fakeDialer fails dials while failing is set and hands each successful
// connection to the test.
type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	failing  bool
	dialed   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.attempts++
	failing := d.failing
	d.mu.Unlock()

	if failing {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) setFailing(failing bool) {
	d.mu.Lock()
	d.failing = failing
	d.mu.Unlock()
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func messageWithContent(content string) *store.ChatMessage {
	return &store.ChatMessage{ID: "msg-" + content, ConversationID: "conv-1", Content: content}
}

type harness struct {
	client *Client
	clock  *fakeClock
	dialer *fakeDialer
	states chan string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	dialer := newFakeDialer()
	states := make(chan string, 32)

	c, err := New(Options{
		Dial:          dialer.dial,
		Clock:         clock,
		BackoffBase:   time.Second,
		MaxAttempts:   5,
		OnStateChange: func(s string) { states <- s },
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &harness{client: c, clock: clock, dialer: dialer, states: states}
}

// connect establishes the initial connection and returns its fake conn.
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, h.client.Connect(context.Background()))
	h.awaitState(t, StateConnected)
	return <-h.dialer.dialed
}

func (h *harness) awaitState(t *testing.T, want string) {
	t.Helper()
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("state %q never reached", want)
		}
	}
}

func TestClient_ConnectAndDisconnect(t *testing.T) {
	h := newHarness(t)

	conn := h.connect(t)
	assert.Equal(t, StateConnected, h.client.State())

	h.client.Disconnect()
	h.awaitState(t, StateDisconnected)

	// Deliberate disconnect never arms a reconnect timer.
	h.clock.assertNoTimer(t)

	// The old connection is closed.
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection was not closed")
	}
}

func TestClient_ConnectFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.dialer.setFailing(true)

	done := make(chan error, 1)
	go func() { done <- h.client.Connect(context.Background()) }()

	// The failed initial dial enters the same backoff machine as a drop.
	h.awaitState(t, StateReconnecting)
	for i := 0; i < 5; i++ {
		h.clock.fireNext(t)
	}

	err := <-done
	require.Error(t, err)
	h.awaitState(t, StateFailed)

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, h.clock.recordedDelays())
	assert.Equal(t, 6, h.dialer.attemptCount()) // initial dial + 5 retries
	h.clock.assertNoTimer(t)
}

func TestClient_ConnectRecoversDuringRetries(t *testing.T) {
	h := newHarness(t)
	h.dialer.setFailing(true)

	done := make(chan error, 1)
	go func() { done <- h.client.Connect(context.Background()) }()
	h.awaitState(t, StateReconnecting)

	h.clock.fireNext(t) // first retry fails
	h.dialer.setFailing(false)
	h.clock.fireNext(t) // second retry connects

	require.NoError(t, <-done)
	h.awaitState(t, StateConnected)
	assert.Equal(t, 3, h.dialer.attemptCount())
}

func TestClient_DisconnectCancelsConnectRetries(t *testing.T) {
	h := newHarness(t)
	h.dialer.setFailing(true)

	done := make(chan error, 1)
	go func() { done <- h.client.Connect(context.Background()) }()
	h.awaitState(t, StateReconnecting)

	h.client.Disconnect()
	assert.ErrorIs(t, <-done, ErrNotConnected)
	h.awaitState(t, StateDisconnected)
}

func TestClient_ReconnectBackoffAndTerminalFailure(t *testing.T) {
	h := newHarness(t)

	conn := h.connect(t)
	h.dialer.setFailing(true)

	// Transport drop: the read loop fails and reconnection starts.
	_ = conn.Close()
	h.awaitState(t, StateReconnecting)

	for i := 0; i < 5; i++ {
		h.clock.fireNext(t)
	}
	h.awaitState(t, StateFailed)

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, h.clock.recordedDelays())

	// Terminal: no sixth attempt, no further timer.
	h.clock.assertNoTimer(t)
	assert.Equal(t, 6, h.dialer.attemptCount()) // 1 connect + 5 retries
	assert.Equal(t, StateFailed, h.client.State())

	// Explicit Connect rearms the client.
	h.dialer.setFailing(false)
	require.NoError(t, h.client.Connect(context.Background()))
	h.awaitState(t, StateConnected)
}

func TestClient_BackoffResetsAfterSuccessfulReconnect(t *testing.T) {
	h := newHarness(t)

	conn := h.connect(t)
	h.dialer.setFailing(true)
	_ = conn.Close()
	h.awaitState(t, StateReconnecting)

	// Two failed retries, then let the third succeed.
	h.clock.fireNext(t)
	h.clock.fireNext(t)
	h.dialer.setFailing(false)
	h.clock.fireNext(t)
	h.awaitState(t, StateConnected)
	conn2 := <-h.dialer.dialed

	// Drop again: the delay sequence starts over at the base.
	h.dialer.setFailing(true)
	_ = conn2.Close()
	h.awaitState(t, StateReconnecting)
	h.clock.fireNext(t)

	delays := h.clock.recordedDelays()
	require.Len(t, delays, 4)
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, // first outage
		1 * time.Second, // second outage restarts
	}, delays)
}

func TestClient_SendMessageAwaitsAck(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	done := make(chan *room.AckPayload, 1)
	go func() {
		ack, err := h.client.SendMessage(context.Background(), "", "Tôi cần hỗ trợ")
		assert.NoError(t, err)
		done <- ack
	}()

	frame := conn.nextWrite(t)
	assert.Equal(t, room.EventSendMessage, frame.Type)
	require.NotEmpty(t, frame.Ref)

	var payload room.SendMessagePayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, "Tôi cần hỗ trợ", payload.Content)

	conn.deliver(t, &room.Event{Type: room.EventAck, Ref: frame.Ref, Data: &room.AckPayload{
		ConversationID: "conv-1",
		MessageID:      "msg-1",
	}})

	ack := <-done
	assert.Equal(t, "conv-1", ack.ConversationID)
	assert.Equal(t, "msg-1", ack.MessageID)
}

func TestClient_RequestErrorPropagates(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.client.SendMessage(context.Background(), "conv-1", "")
		done <- err
	}()

	frame := conn.nextWrite(t)
	conn.deliver(t, &room.Event{Type: room.EventError, Ref: frame.Ref, Data: &room.ErrorPayload{
		Code:    "validation",
		Message: "message content is empty",
	}})

	err := <-done
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "validation", reqErr.Code)
}

func TestClient_PendingRequestFailsOnDrop(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.dialer.setFailing(true)

	done := make(chan error, 1)
	go func() {
		_, err := h.client.SendMessage(context.Background(), "conv-1", "hello")
		done <- err
	}()
	conn.nextWrite(t)

	// The connection dies before the ack arrives: the request fails and is
	// never replayed.
	_ = conn.Close()

	err := <-done
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "connection", reqErr.Code)
}

func TestClient_OperationsRequireConnection(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.SendMessage(context.Background(), "conv-1", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, h.client.Join(context.Background(), "conv-1"), ErrNotConnected)
	assert.ErrorIs(t, h.client.Typing("conv-1", true), ErrNotConnected)
}

func TestClient_EventStreamOrdering(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	for _, content := range []string{"m1", "m2", "m3"} {
		conn.deliver(t, room.NewMessageEvent("conv-1", messageWithContent(content)))
	}

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-h.client.Events():
			require.Equal(t, room.EventNewMessage, ev.Type)
			var payload room.NewMessagePayload
			require.NoError(t, json.Unmarshal(ev.Data, &payload))
			got = append(got, payload.Message.Content)
		case <-time.After(2 * time.Second):
			t.Fatal("event never arrived")
		}
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, got)
}

func TestClient_JoinAndSwitchRoundTrip(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	ops := []struct {
		run  func() error
		want string
	}{
		{func() error { return h.client.Join(context.Background(), "conv-1") }, room.EventJoinConversation},
		{func() error { return h.client.SwitchToHuman(context.Background(), "conv-1") }, room.EventSwitchToHuman},
		{func() error { return h.client.SwitchToBot(context.Background(), "conv-1") }, room.EventSwitchToBot},
		{func() error { return h.client.MarkAsRead(context.Background(), "conv-1") }, room.EventMarkAsRead},
	}

	for _, op := range ops {
		done := make(chan error, 1)
		go func() { done <- op.run() }()

		frame := conn.nextWrite(t)
		assert.Equal(t, op.want, frame.Type)
		conn.deliver(t, &room.Event{Type: room.EventAck, Ref: frame.Ref, Data: &room.AckPayload{ConversationID: "conv-1"}})
		require.NoError(t, <-done)
	}
}
