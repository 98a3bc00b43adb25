package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow is a per-key sliding-window limiter: at most maxEvents events
// per window per key. It is used for authentication attempts (e.g. 5 attempts
// per IP per 15 minutes), where a token bucket's steady refill would be too
// forgiving.
//
// Memory is bounded: expired timestamps are pruned on every Allow, and Prune
// drops idle keys entirely.
type SlidingWindow struct {
	clock     Clock
	window    time.Duration
	maxEvents int

	mu     sync.Mutex
	events map[string][]time.Time
}

func NewSlidingWindow(clock Clock, window time.Duration, maxEvents int) *SlidingWindow {
	if clock == nil {
		clock = RealClock{}
	}
	return &SlidingWindow{
		clock:     clock,
		window:    window,
		maxEvents: maxEvents,
		events:    make(map[string][]time.Time),
	}
}

// Allow records an event for key and reports whether it falls within the
// per-window budget. A limiter with maxEvents <= 0 allows everything.
func (sw *SlidingWindow) Allow(key string) bool {
	if sw.maxEvents <= 0 {
		return true
	}

	now := sw.clock.Now()
	cutoff := now.Add(-sw.window)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	kept := sw.events[key][:0]
	for _, t := range sw.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= sw.maxEvents {
		sw.events[key] = kept
		return false
	}

	sw.events[key] = append(kept, now)
	return true
}

// Prune removes keys whose every event has aged out of the window. Callers
// run it periodically from a background goroutine.
func (sw *SlidingWindow) Prune() {
	cutoff := sw.clock.Now().Add(-sw.window)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	for key, events := range sw.events {
		live := false
		for _, t := range events {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(sw.events, key)
		}
	}
}
