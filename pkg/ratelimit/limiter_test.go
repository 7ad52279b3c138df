package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "igsession/pkg/errors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestSlidingWindow(t *testing.T) {
	clock := newFakeClock()
	sw := newSlidingWindow(3, time.Second, clock.Now)

	for i := 0; i < 3; i++ {
		if !sw.Allow() {
			t.Errorf("Expected request %d to be allowed", i+1)
		}
	}

	if sw.Allow() {
		t.Error("Expected request to be denied when limit is reached")
	}

	clock.Advance(time.Second + 100*time.Millisecond)
	if !sw.Allow() {
		t.Error("Expected request to be allowed after window slides")
	}

	if sw.Len() != 1 {
		t.Errorf("Expected 1 request in window, got %d", sw.Len())
	}
}

func TestSlidingWindowBoundaryIsExcluded(t *testing.T) {
	clock := newFakeClock()
	sw := newSlidingWindow(1, time.Minute, clock.Now)

	require.True(t, sw.Allow())
	clock.Advance(time.Minute - time.Nanosecond)
	assert.False(t, sw.Allow())

	clock.Advance(time.Nanosecond)
	assert.True(t, sw.Allow(), "an entry exactly one window old no longer counts")
}

func TestSlidingWindowRejectionIsNotRecorded(t *testing.T) {
	clock := newFakeClock()
	sw := newSlidingWindow(2, time.Minute, clock.Now)

	require.True(t, sw.Allow())
	require.True(t, sw.Allow())
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		assert.False(t, sw.Allow())
	}
	assert.Equal(t, 2, sw.Len())

	clock.Advance(time.Minute - 10*time.Second)
	assert.True(t, sw.Allow())
}

func TestSlidingWindowRetryAfter(t *testing.T) {
	clock := newFakeClock()
	sw := newSlidingWindow(1, time.Minute, clock.Now)

	assert.Zero(t, sw.RetryAfter())
	require.True(t, sw.Allow())
	clock.Advance(20 * time.Second)
	assert.Equal(t, 40*time.Second, sw.RetryAfter())
}

func TestUserLimiterFiveThenReject(t *testing.T) {
	clock := newFakeClock()
	limiter := NewUserLimiter(5, time.Minute, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.CheckRateLimit("alice"), "call %d", i+1)
	}

	err := limiter.CheckRateLimit("alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRateLimited)

	clock.Advance(61 * time.Second)
	assert.NoError(t, limiter.CheckRateLimit("alice"))
}

func TestUserLimiterWindowsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	var rejected []string
	limiter := NewUserLimiter(1, time.Minute,
		WithClock(clock.Now),
		WithRejectHook(func(u string) { rejected = append(rejected, u) }),
	)

	require.NoError(t, limiter.CheckRateLimit("alice"))
	require.NoError(t, limiter.CheckRateLimit("bob"))
	assert.Error(t, limiter.CheckRateLimit("alice"))
	assert.Equal(t, []string{"alice"}, rejected)
}

func TestUserLimiterFoldsCase(t *testing.T) {
	clock := newFakeClock()
	limiter := NewUserLimiter(5, time.Minute, WithClock(clock.Now))

	for _, name := range []string{"alice", "Alice", "ALICE", "aLice", "alicE"} {
		require.NoError(t, limiter.CheckRateLimit(name))
	}
	assert.ErrorIs(t, limiter.CheckRateLimit("alice"), errs.ErrRateLimited)
	assert.Equal(t, 1, limiter.Tracked())
}

func TestUserLimiterSweep(t *testing.T) {
	clock := newFakeClock()
	limiter := NewUserLimiter(5, time.Minute, WithClock(clock.Now))

	require.NoError(t, limiter.CheckRateLimit("alice"))
	clock.Advance(30 * time.Second)
	require.NoError(t, limiter.CheckRateLimit("bob"))
	assert.Equal(t, 2, limiter.Tracked())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, limiter.Sweep())
	assert.Equal(t, 1, limiter.Tracked())
}

func TestUserLimiterConcurrent(t *testing.T) {
	limiter := NewUserLimiter(5, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.CheckRateLimit("shared") == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
}

func BenchmarkCheckRateLimit(b *testing.B) {
	limiter := NewUserLimiter(5, time.Minute)
	for i := 0; i < b.N; i++ {
		_ = limiter.CheckRateLimit(fmt.Sprintf("user%d", i%1000))
	}
}
