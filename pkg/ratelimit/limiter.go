package ratelimit

import (
	"sync"
	"time"
)

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// SlidingWindow implements a strict sliding window rate limiter.
// A request recorded exactly windowSize ago no longer counts.
type SlidingWindow struct {
	windowSize  time.Duration
	maxRequests int
	requests    []time.Time
	now         Clock
	mu          sync.Mutex
}

func newSlidingWindow(maxRequests int, windowSize time.Duration, now Clock) *SlidingWindow {
	return &SlidingWindow{
		windowSize:  windowSize,
		maxRequests: maxRequests,
		requests:    make([]time.Time, 0, maxRequests),
		now:         now,
	}
}

// Allow records the request and returns true if it fits in the window.
// A rejected request is not recorded.
func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.allowLocked()
}

func (sw *SlidingWindow) allowLocked() bool {
	now := sw.now()
	sw.cleanOldRequests(now)

	if len(sw.requests) < sw.maxRequests {
		sw.requests = append(sw.requests, now)
		return true
	}
	return false
}

// RetryAfter returns how long until the oldest recorded request leaves
// the window. Zero when a request would be allowed now.
func (sw *SlidingWindow) RetryAfter() time.Duration {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.cleanOldRequests(now)
	if len(sw.requests) < sw.maxRequests {
		return 0
	}
	return sw.requests[0].Add(sw.windowSize).Sub(now)
}

// Len returns the number of requests currently inside the window
func (sw *SlidingWindow) Len() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.cleanOldRequests(sw.now())
	return len(sw.requests)
}

// cleanOldRequests removes requests that are windowSize old or older
func (sw *SlidingWindow) cleanOldRequests(now time.Time) {
	cutoff := now.Add(-sw.windowSize)

	i := 0
	for i < len(sw.requests) && !sw.requests[i].After(cutoff) {
		i++
	}

	if i > 0 {
		copy(sw.requests, sw.requests[i:])
		sw.requests = sw.requests[:len(sw.requests)-i]
	}
}
