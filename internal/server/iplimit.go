package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipEntry stores a rate limiter and the last time it was used.
type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter is a token bucket per client IP. Idle entries are dropped by
// Sweep, and the oldest entry is evicted when maxSize is reached.
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	maxSize  int
	now      func() time.Time
}

// NewIPLimiter allows rps requests per second per IP with the given burst
func NewIPLimiter(rps float64, burst int) *IPLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
		ttl:      5 * time.Minute,
		maxSize:  10000,
		now:      time.Now,
	}
}

// Allow reports whether a request from ip may proceed
func (i *IPLimiter) Allow(ip string) bool {
	return i.get(ip).AllowN(i.now(), 1)
}

func (i *IPLimiter) get(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	if entry, ok := i.limiters[ip]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	if len(i.limiters) >= i.maxSize {
		i.evictOldest()
	}
	limiter := rate.NewLimiter(i.rate, i.burst)
	i.limiters[ip] = &ipEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// Sweep drops entries idle for longer than the TTL and returns how many
// were removed.
func (i *IPLimiter) Sweep() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	removed := 0
	for ip, entry := range i.limiters {
		if now.Sub(entry.lastSeen) > i.ttl {
			delete(i.limiters, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked IPs
func (i *IPLimiter) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.limiters)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (i *IPLimiter) evictOldest() {
	var oldestIP string
	var oldestTime time.Time

	for ip, entry := range i.limiters {
		if oldestIP == "" || entry.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = entry.lastSeen
		}
	}
	if oldestIP != "" {
		delete(i.limiters, oldestIP)
	}
}

// clientIP uses RemoteAddr only so X-Forwarded-For cannot be spoofed.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
