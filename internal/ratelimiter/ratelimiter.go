// Package ratelimiter implements a per-stream token bucket. State is owned
// exclusively by the limiter instance; one instance serves every stream a
// consumer manager reads, so the coordinator's per-stream read-loop
// goroutines call it concurrently, and a single mutex guards every bucket.
package ratelimiter

import (
	"math"
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/clock"
)

// Config holds the settings shared by every stream's own bucket.
type Config struct {
	MaxTokens        int
	TokensPerMessage int
	RefillPeriod     time.Duration
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter is a per-stream token-bucket rate limiter.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.Clock
	buckets map[string]*bucket
}

// New creates a Limiter. A zero clock defaults to clock.Default.
func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Default
	}
	if cfg.TokensPerMessage <= 0 {
		cfg.TokensPerMessage = 1
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clk,
		buckets: make(map[string]*bucket),
	}
}

// Check refills the named stream's bucket, then attempts to deduct
// TokensPerMessage. Returns true (allow) iff enough tokens were available.
// Unknown streams materialize full on first observation.
func (l *Limiter) Check(streamName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getOrCreate(streamName)
	l.refill(b)

	if b.tokens >= float64(l.cfg.TokensPerMessage) {
		b.tokens -= float64(l.cfg.TokensPerMessage)
		return true
	}
	return false
}

// GetTokenCount returns the current token count for a stream, refilling
// first. Untracked streams report MaxTokens ("full") without materializing
// a bucket — introspection must not have side effects that change the
// first Check() outcome.
func (l *Limiter) GetTokenCount(streamName string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[streamName]
	if !ok {
		return l.cfg.MaxTokens
	}
	l.refill(b)
	return int(b.tokens)
}

// Reset clears one stream's bucket (it will re-materialize full on next
// Check). Reset is idempotent: reset(s); reset(s) ≡ reset(s).
func (l *Limiter) Reset(streamName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, streamName)
}

// ResetAll clears every tracked stream's bucket.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}

func (l *Limiter) getOrCreate(streamName string) *bucket {
	b, ok := l.buckets[streamName]
	if !ok {
		b = &bucket{
			tokens:     float64(l.cfg.MaxTokens),
			lastRefill: l.clock.Now(),
		}
		l.buckets[streamName] = b
	}
	return b
}

func (l *Limiter) refill(b *bucket) {
	now := l.clock.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed < l.cfg.RefillPeriod {
		return
	}
	periods := float64(elapsed) / float64(l.cfg.RefillPeriod)
	refillAmount := math.Floor(periods * float64(l.cfg.MaxTokens))
	b.tokens += refillAmount
	if b.tokens > float64(l.cfg.MaxTokens) {
		b.tokens = float64(l.cfg.MaxTokens)
	}
	b.lastRefill = now
}
