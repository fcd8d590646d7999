// Package activepairs implements a bounded, TTL-expiring map of the
// chain/dex pairs currently seeing opportunity traffic. It is backed by
// hashicorp/golang-lru/v2 for least-recently-used ordering: Add/Get already
// track recency the way a lastSeen timestamp would, and RemoveOldest gives
// bulk hysteresis eviction a direct primitive instead of a hand-rolled sort.
package activepairs

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arbnet/coordinator/internal/clock"
)

// Entry is one active-pair record.
type Entry struct {
	LastSeen time.Time
	Chain    string
	Dex      string
}

// Tracker is a Map-compatible (has/get/set/size/clear), TTL + bounded-LRU
// active-pairs map.
type Tracker struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, Entry]
	maxPairs int
	ttl      time.Duration
	clock    clock.Clock
}

// New creates a Tracker. maxPairs must be > 0. A nil clock defaults to
// clock.Default.
func New(maxPairs int, ttl time.Duration, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Default
	}
	if maxPairs <= 0 {
		maxPairs = 1
	}
	// Size the backing cache generously above maxPairs: we want our own
	// bulk-hysteresis eviction (floor(max*0.75)) to run instead of the
	// library's built-in per-Add single eviction.
	cache, _ := lru.New[string, Entry](maxPairs*2 + 16)
	return &Tracker{
		cache:    cache,
		maxPairs: maxPairs,
		ttl:      ttl,
		clock:    clk,
	}
}

// TrackPair records/refreshes lastSeen for addr, then enforces the
// 0.75-hysteresis eviction rule if capacity was exceeded.
func (t *Tracker) TrackPair(addr, chain, dex string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cache.Add(addr, Entry{LastSeen: t.clock.Now(), Chain: chain, Dex: dex})

	if t.cache.Len() > t.maxPairs {
		target := (t.maxPairs * 3) / 4
		for t.cache.Len() > target {
			if _, _, ok := t.cache.RemoveOldest(); !ok {
				break
			}
		}
	}
}

// Cleanup removes entries whose lastSeen is older than ttl. Returns the
// number of entries removed.
func (t *Tracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	var stale []string
	for _, k := range t.cache.Keys() {
		if e, ok := t.cache.Peek(k); ok {
			if now.Sub(e.LastSeen) > t.ttl {
				stale = append(stale, k)
			}
		}
	}
	for _, k := range stale {
		t.cache.Remove(k)
	}
	return len(stale)
}

// Has reports whether addr is currently tracked (does not refresh recency).
func (t *Tracker) Has(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Contains(addr)
}

// Get returns a snapshot copy of addr's entry (§9 getter-copy semantics).
func (t *Tracker) Get(addr string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Peek(addr)
}

// Set inserts/overwrites addr directly, bypassing TrackPair's "now" stamping
// — used when restoring from a snapshot.
func (t *Tracker) Set(addr string, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(addr, e)
}

// Size returns the current number of tracked pairs.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}

// Clear removes all tracked pairs.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Purge()
}
