// ABOUTME: Clock abstraction so reconnect timing is testable without sleeping
// ABOUTME: Production code uses the real clock; tests inject a scripted one

package client

import "time"

// Clock abstracts time for the reconnect loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
