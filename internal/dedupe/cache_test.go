// ABOUTME: Tests for the seen-message cache
// ABOUTME: Covers TTL expiry, size-capped eviction, and the atomic check-and-mark

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_CheckAndMark(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("msg-1"), "first sighting is new")
	assert.True(t, cache.CheckAndMark("msg-1"), "second sighting is a duplicate")
	assert.False(t, cache.CheckAndMark("msg-2"), "other IDs are independent")
}

func TestCache_Expiry(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("msg-1")
	assert.True(t, cache.Check("msg-1"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Check("msg-1"), "entries expire after the TTL")
	assert.False(t, cache.CheckAndMark("msg-1"), "an expired ID counts as new again")
}

func TestCache_MarkRefreshesTTL(t *testing.T) {
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("msg-1")
	time.Sleep(30 * time.Millisecond)
	cache.Mark("msg-1")
	time.Sleep(30 * time.Millisecond)

	assert.True(t, cache.Check("msg-1"), "re-marking resets the clock")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("msg-1")
	cache.Mark("msg-2")
	cache.Mark("msg-3")
	cache.Mark("msg-4")

	assert.False(t, cache.Check("msg-1"), "oldest entry is evicted")
	assert.True(t, cache.Check("msg-2"))
	assert.True(t, cache.Check("msg-3"))
	assert.True(t, cache.Check("msg-4"))

	// Touching an entry moves it to the back of the eviction order.
	cache.Mark("msg-2")
	cache.Mark("msg-5")

	assert.False(t, cache.Check("msg-3"), "msg-3 became the oldest after msg-2 was refreshed")
	assert.True(t, cache.Check("msg-2"))
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("msg-1")
	cache.Mark("msg-2")
	time.Sleep(20 * time.Millisecond)

	cache.sweep()

	cache.mu.RLock()
	remaining := len(cache.seen)
	cache.mu.RUnlock()
	assert.Equal(t, 0, remaining, "sweep drops expired entries")
}

func TestCache_CheckAndMark_SingleWinner(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one caller sees the ID as new")
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("msg-%d-%d", i, j)
				cache.Mark(id)
				cache.Check(id)
			}
		}()
	}
	wg.Wait()

	cache.Mark("msg-final")
	assert.True(t, cache.Check("msg-final"))
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	cache := New(5*time.Minute, 100)

	cache.Mark("msg-1")
	cache.Close()
	cache.Close()

	assert.True(t, cache.Check("msg-1"), "closing only stops the sweeper")
}
