// ABOUTME: Tests for the event-id dedupe cache
// ABOUTME: Covers duplicate detection, TTL expiry, and capacity eviction

package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenMarksAndDetects(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Seen("evt-1"))
	assert.True(t, c.Seen("evt-1"))
	assert.False(t, c.Seen("evt-2"))
	assert.Equal(t, 2, c.Len())
}

func TestSeenExpiresAfterTTL(t *testing.T) {
	c := New(20*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.Seen("evt-1"))
	time.Sleep(30 * time.Millisecond)
	// Expired entries read as unseen again
	assert.False(t, c.Seen("evt-1"))
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.Seen("a")
	c.Seen("b")
	c.Seen("c")
	c.Seen("d") // evicts a

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("b"))
}

func TestSweepRemovesExpired(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	c.Seen("evt-1")
	time.Sleep(20 * time.Millisecond)
	c.sweep()
	assert.Equal(t, 0, c.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
