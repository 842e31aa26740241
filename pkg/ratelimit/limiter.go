// Package ratelimit provides a per-client sliding-window request limiter.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks request timestamps per client key over a sliding window.
// State lives in process memory; restarting the server resets all windows.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
}

// New creates a limiter allowing max requests per key within the window.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:    max,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records a request for key if it fits in the window. When the key
// is over its limit it returns false and how long the client must wait
// before the oldest tracked request falls out of the window.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.hits[key]
	// Drop timestamps that left the window. Recent entries cluster at the
	// tail, so scanning from the front finds the cut point quickly.
	keep := 0
	for keep < len(recent) && !recent[keep].After(cutoff) {
		keep++
	}
	recent = recent[keep:]

	if len(recent) >= l.max {
		l.hits[key] = recent
		retryAfter := recent[0].Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	l.hits[key] = append(recent, now)
	return true, 0
}

// Sweep drops keys whose every tracked request has left the window and
// returns how many keys were removed.
func (l *Limiter) Sweep() int {
	cutoff := time.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, recent := range l.hits {
		if len(recent) == 0 || !recent[len(recent)-1].After(cutoff) {
			delete(l.hits, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of keys currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
