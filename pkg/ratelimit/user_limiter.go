package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	errs "igsession/pkg/errors"
	"igsession/pkg/logger"
)

// UserLimiter keeps an independent sliding window per username.
type UserLimiter struct {
	maxRequests int
	window      time.Duration
	now         Clock
	log         logger.Logger
	onReject    func(username string)

	mu      sync.Mutex
	windows map[string]*SlidingWindow
}

// Option configures a UserLimiter
type Option func(*UserLimiter)

// WithClock overrides the time source
func WithClock(now Clock) Option {
	return func(u *UserLimiter) { u.now = now }
}

// WithLogger sets the logger used for rejections
func WithLogger(log logger.Logger) Option {
	return func(u *UserLimiter) { u.log = log }
}

// WithRejectHook registers a callback invoked for every rejected request
func WithRejectHook(fn func(username string)) Option {
	return func(u *UserLimiter) { u.onReject = fn }
}

// NewUserLimiter allows maxRequests per username in any trailing window.
func NewUserLimiter(maxRequests int, window time.Duration, opts ...Option) *UserLimiter {
	u := &UserLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		log:         logger.NewNopLogger(),
		windows:     make(map[string]*SlidingWindow),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// CheckRateLimit records a request for username, or returns a rate limit
// error without recording it. Usernames are compared case-insensitively.
func (u *UserLimiter) CheckRateLimit(username string) error {
	username = strings.ToLower(username)
	u.mu.Lock()
	sw, ok := u.windows[username]
	if !ok {
		sw = newSlidingWindow(u.maxRequests, u.window, u.now)
		u.windows[username] = sw
	}
	allowed := sw.Allow()
	u.mu.Unlock()

	if allowed {
		return nil
	}

	u.log.WithFields(map[string]interface{}{
		"username":    username,
		"limit":       u.maxRequests,
		"window":      u.window,
		"retry_after": sw.RetryAfter(),
	}).Warn("Rate limit exceeded")
	if u.onReject != nil {
		u.onReject(username)
	}
	return errs.New(errs.ErrorTypeRateLimit,
		fmt.Sprintf("more than %d requests in %s", u.maxRequests, u.window))
}

// Sweep drops windows with no requests left inside them and returns how
// many were removed.
func (u *UserLimiter) Sweep() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	removed := 0
	for name, sw := range u.windows {
		if sw.Len() == 0 {
			delete(u.windows, name)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of usernames with a live window
func (u *UserLimiter) Tracked() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.windows)
}
