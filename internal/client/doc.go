// Package client is the Go client for the gateway's realtime channel. It
// owns the connection lifecycle so callers never touch reconnection logic:
// failed dials and drops of an established connection alike are retried with
// exponential backoff (1s, 2s, 4s, ... by default) up to a hard attempt cap,
// after which the client parks in a terminal failed state until Connect is
// called again. An explicit Disconnect never reconnects.
//
// Requests that expect a server acknowledgement (SendMessage, Join, the
// switch operations, MarkAsRead) attach a ref to their frame and block until
// the matching ack or error event returns. Delivery is at-most-once: a
// request in flight when the connection dies fails with a connection error
// and is never replayed automatically, since a replay could duplicate a
// visible message. Room membership also dies with the connection; callers
// re-join after every reconnect.
//
// The backoff counter and the clock are injectable, so the whole reconnect
// state machine is unit-testable without real timers.
package client
