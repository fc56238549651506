// Package ratelimit provides fixed-window request limiting, used by the
// blob exchange listener to cap request rates per remote address.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a simple fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// idleFactor is how many windows an entry may sit unused before the
// sweep drops it.
const idleFactor = 10

// Keyed tracks an independent fixed-window limiter per key, typically a
// remote host. Entries idle for several windows are swept, so the map
// does not grow with every address ever seen.
type Keyed struct {
	mu        sync.Mutex
	rate      int
	window    time.Duration
	entries   map[string]*keyedEntry
	lastSweep time.Time
}

type keyedEntry struct {
	lim      *Limiter
	lastSeen time.Time
}

// NewKeyed creates a Keyed limiter allowing rate requests per window for
// each key independently.
func NewKeyed(rate int, window time.Duration) *Keyed {
	return &Keyed{
		rate:      rate,
		window:    window,
		entries:   make(map[string]*keyedEntry),
		lastSweep: time.Now(),
	}
}

// Allow returns true if a request under key is within that key's limit.
func (k *Keyed) Allow(key string) bool {
	now := time.Now()

	k.mu.Lock()
	if now.Sub(k.lastSweep) > idleFactor*k.window {
		k.sweep(now)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{lim: New(k.rate, k.window)}
		k.entries[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()

	return e.lim.Allow()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// sweep drops entries that have been idle long enough that their window
// state is meaningless. Caller holds the lock.
func (k *Keyed) sweep(now time.Time) {
	for key, e := range k.entries {
		if now.Sub(e.lastSeen) > idleFactor*k.window {
			delete(k.entries, key)
		}
	}
	k.lastSweep = now
}
