// Package ratelimit provides per-user admission control.
//
// SlidingWindow keeps the timestamps of accepted requests and admits a new
// one only while fewer than the limit lie strictly inside the trailing
// window. UserLimiter maps usernames to independent windows:
//
//	limiter := ratelimit.NewUserLimiter(5, time.Minute)
//	if err := limiter.CheckRateLimit("alice"); err != nil {
//	    // errors.Is(err, errs.ErrRateLimited)
//	}
//
// Idle windows are reclaimed by Sweep, which the scheduler runs periodically.
package ratelimit
