// Package room provides the in-memory presence layer for the realtime
// channel: which sessions are connected, which conversation rooms each one
// has joined, and the set of agent sessions that receive waiting-queue
// broadcasts.
//
// The registry is purely in-memory and deliberately forgetful. A session's
// room memberships die with the session; reconnecting clients re-join the
// conversations they care about. Delivery is non-blocking throughout, so one
// stalled consumer can never hold up a broadcast.
//
// The package also defines the wire envelope (Event) and the payload structs
// for every event type on the channel, shared by the server sessions and the
// Go client.
package room
