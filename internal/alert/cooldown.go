// Package alert implements the alert pipeline: a cooldown manager that is
// the single owner of suppression decisions (callers like the health
// monitor only nominate alerts, they never decide whether to suppress —
// otherwise two independent suppression checks can each let an alert
// through that the other meant to block), a fixed-size circular
// alert-history buffer, and a Notifier fanning out to per-channel circuit
// breakers.
package alert

import (
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/clock"
)

// Cooldown owns all suppression decisions for alert keys
// ("${type}_${service}"). No other component may suppress an alert.
type Cooldown struct {
	mu               sync.Mutex
	lastSent         map[string]time.Time
	cooldown         time.Duration
	maxAge           time.Duration
	cleanupThreshold int
	clock            clock.Clock
}

// NewCooldown creates a Cooldown manager. A nil clock defaults to clock.Default.
func NewCooldown(cooldown, maxAge time.Duration, cleanupThreshold int, clk clock.Clock) *Cooldown {
	if clk == nil {
		clk = clock.Default
	}
	return &Cooldown{
		lastSent:         make(map[string]time.Time),
		cooldown:         cooldown,
		maxAge:           maxAge,
		cleanupThreshold: cleanupThreshold,
		clock:            clk,
	}
}

// ShouldSendAndRecord returns true iff now-lastSent(key) > cooldown, and if
// so records now as the new lastSent. Cleanup runs automatically once the
// map exceeds cleanupThreshold entries.
func (c *Cooldown) ShouldSendAndRecord(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if last, ok := c.lastSent[key]; ok {
		if now.Sub(last) <= c.cooldown {
			return false
		}
	}
	c.lastSent[key] = now

	if len(c.lastSent) > c.cleanupThreshold {
		c.cleanupLocked(now)
	}
	return true
}

// Cleanup drops entries older than maxAge. Exposed for explicit/periodic use
// in addition to the automatic threshold-triggered cleanup.
func (c *Cooldown) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked(c.clock.Now())
}

func (c *Cooldown) cleanupLocked(now time.Time) {
	for k, t := range c.lastSent {
		if now.Sub(t) > c.maxAge {
			delete(c.lastSent, k)
		}
	}
}
