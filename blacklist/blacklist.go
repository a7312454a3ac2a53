// Package blacklist implements a bounded, time-bounded deny-set keyed by
// (ip, port), matching spec.md §4.11. Endpoints in the blacklist must
// never be inserted into any routing table.
package blacklist

import (
	"sync"
	"time"

	"github.com/cenkalti/magnetdht/dht/node"
)

// DefaultCapacity bounds the number of banned endpoints kept at once.
const DefaultCapacity = 65536

// DefaultBanDuration is how long an endpoint stays banned after Add.
const DefaultBanDuration = 6 * time.Hour

// Blacklist is a bounded (ip, port) -> banned_until map. It is only ever
// accessed from one goroutine (the DHT loop, per spec.md §5) but takes a
// mutex regardless so it can also be inspected from outside that loop
// (stats endpoints, tests) without data races.
type Blacklist struct {
	mu       sync.Mutex
	capacity int
	duration time.Duration
	banned   map[node.Endpoint]time.Time

	now func() time.Time
}

// New returns an empty blacklist with the default capacity and ban
// duration.
func New() *Blacklist {
	return NewWithOptions(DefaultCapacity, DefaultBanDuration)
}

// NewWithOptions returns an empty blacklist with explicit limits.
func NewWithOptions(capacity int, duration time.Duration) *Blacklist {
	return &Blacklist{
		capacity: capacity,
		duration: duration,
		banned:   make(map[node.Endpoint]time.Time),
		now:      time.Now,
	}
}

// Add bans ep for the configured ban duration. Returns false when the
// blacklist is at capacity and ep was not already present.
func (b *Blacklist) Add(ep node.Endpoint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.banned[ep]; !ok && len(b.banned) >= b.capacity {
		return false
	}
	b.banned[ep] = b.now().Add(b.duration)
	return true
}

// Has reports true only if ep is present and not yet expired.
func (b *Blacklist) Has(ep node.Endpoint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.banned[ep]
	if !ok {
		return false
	}
	return b.now().Before(until)
}

// GC removes expired entries, returning the count removed.
func (b *Blacklist) GC() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for ep, until := range b.banned {
		if !now.Before(until) {
			delete(b.banned, ep)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently tracked, expired or not.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.banned)
}
