package alert

import (
	"testing"
	"time"

	"github.com/arbnet/coordinator/internal/clock"
	"github.com/stretchr/testify/assert"
)

// If ShouldSendAndRecord(k, t1) returns true, it must return false for
// every t2 in (t1, t1+cooldown].
func TestCooldown_SuppressesWithinWindow(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := NewCooldown(time.Second, time.Hour, 500, fc)

	assert.True(t, c.ShouldSendAndRecord("k"))

	fc.Advance(500 * time.Millisecond)
	assert.False(t, c.ShouldSendAndRecord("k"))

	fc.Advance(500 * time.Millisecond) // exactly at cooldown boundary
	assert.False(t, c.ShouldSendAndRecord("k"))

	fc.Advance(time.Millisecond) // just past the window
	assert.True(t, c.ShouldSendAndRecord("k"))
}

func TestCooldown_CleanupDropsOldEntries(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := NewCooldown(time.Second, time.Minute, 500, fc)

	c.ShouldSendAndRecord("k1")
	fc.Advance(2 * time.Minute)
	c.Cleanup()

	assert.True(t, c.ShouldSendAndRecord("k1"))
}

func TestCooldown_AutomaticCleanupAtThreshold(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := NewCooldown(time.Millisecond, time.Millisecond, 3, fc)

	c.ShouldSendAndRecord("a")
	fc.Advance(10 * time.Millisecond)
	c.ShouldSendAndRecord("b")
	c.ShouldSendAndRecord("c")
	// Inserting the 4th entry crosses cleanupThreshold=3 and triggers
	// cleanup, which should have dropped "a" (older than maxAge by now).
	c.ShouldSendAndRecord("d")

	assert.LessOrEqual(t, len(c.lastSent), 4)
}
