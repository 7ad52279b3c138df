package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "igsession/pkg/errors"
	"igsession/pkg/instagram"
	"igsession/pkg/logger"
	"igsession/pkg/proxy"
	"igsession/pkg/ratelimit"
	"igsession/pkg/retry"
	"igsession/pkg/session"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

// countingBackend counts writes so tests can assert that nothing was stored.
type countingBackend struct {
	*session.MemoryBackend
	puts int32
}

func (c *countingBackend) Put(ctx context.Context, rec *session.Record) error {
	atomic.AddInt32(&c.puts, 1)
	return c.MemoryBackend.Put(ctx, rec)
}

func (c *countingBackend) Puts() int {
	return int(atomic.LoadInt32(&c.puts))
}

type outcome struct {
	operation, state string
	err              error
}

type harness struct {
	orch     *Orchestrator
	store    *session.Store
	backend  *countingBackend
	bridge   *instagram.FakeBridge
	clock    *fakeClock
	log      *logger.TestLogger
	mu       sync.Mutex
	down     map[string]bool
	delay    time.Duration
	outcomes []outcome
}

var candidates = []string{"p1:6969", "p2:6969", "p3:6969"}

func newHarness(t *testing.T, storeOpts ...session.Option) *harness {
	t.Helper()
	h := &harness{
		backend: &countingBackend{MemoryBackend: session.NewMemoryBackend()},
		bridge:  instagram.NewFakeBridge(),
		clock:   &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		log:     logger.NewTestLogger(),
		down:    make(map[string]bool),
	}
	h.bridge.AddAccount("alice", "secret")
	h.bridge.AddAccount("bob", "hunter2")

	storeOpts = append([]session.Option{session.WithClock(h.clock.Now)}, storeOpts...)
	h.store = session.NewStore(h.backend, storeOpts...)

	pool := proxy.NewPool(candidates, proxy.WithProbe(func(ctx context.Context, addr string) error {
		h.mu.Lock()
		down, delay := h.down[addr], h.delay
		h.mu.Unlock()
		if err := retry.Wait(ctx, delay); err != nil {
			return err
		}
		if down {
			return errors.New("connection refused")
		}
		return nil
	}))
	limiter := ratelimit.NewUserLimiter(5, time.Minute, ratelimit.WithClock(h.clock.Now))

	h.orch = New(h.store, pool, limiter, h.bridge.Factory(),
		WithLogger(h.log),
		WithOutcomeHook(func(op, state string, err error, _ time.Duration) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.outcomes = append(h.outcomes, outcome{op, state, err})
		}),
	)
	return h
}

func (h *harness) setDown(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down[addr] = true
}

func (h *harness) lastOutcome() outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcomes[len(h.outcomes)-1]
}

func TestAcquireReusesValidSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	settings := h.bridge.Settings("alice")
	require.NoError(t, h.store.Save(ctx, "alice", settings, "p2:6969", ""))

	lease, err := h.orch.Acquire(ctx, Request{Username: "alice"})
	require.NoError(t, err)
	defer lease.Close()

	assert.Equal(t, SessionValid, lease.State)
	assert.Equal(t, "p2:6969", lease.Proxy)
	assert.Equal(t, 0, h.bridge.Logins())
	assert.Equal(t, 1, h.bridge.Probes())
	assert.Equal(t, "SessionValid", h.lastOutcome().state)
}

func TestAcquireFallsBackToReloginAndRefreshes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "alice", h.bridge.Settings("alice"), "p1:6969", "secret"))
	before, err := h.backend.Load(ctx, "alice")
	require.NoError(t, err)

	h.bridge.Invalidate("alice")
	h.clock.Advance(2 * time.Hour)

	lease, err := h.orch.Acquire(ctx, Request{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	defer lease.Close()

	assert.Equal(t, ReloggedIn, lease.State)
	assert.Equal(t, 1, h.bridge.Logins())

	after, err := h.backend.Load(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, after.Timestamp.After(before.Timestamp))
	assert.Equal(t, h.clock.Now(), after.Timestamp)
	assert.Equal(t, "p1:6969", after.Proxy)

	state, ok, err := h.store.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, []byte(before.Session), []byte(state))

	next := h.bridge.NewClient()
	defer next.Close()
	require.NoError(t, next.SetSettings(state))
	assert.NoError(t, next.Probe(ctx))
	assert.True(t, h.log.HasMessage("Stored session rejected, logging in again"))
}

func TestAcquireWithoutSessionOrPassword(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Acquire(context.Background(), Request{Username: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAuthenticationRequired)

	assert.Equal(t, 0, h.backend.Puts())
	names, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Equal(t, 0, h.bridge.Logins())
	assert.Equal(t, 0, h.bridge.OpenClients())
	assert.Equal(t, "NoProxy", h.lastOutcome().state)
}

func TestAcquireExpiredSessionNeedsPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "alice", h.bridge.Settings("alice"), "p1:6969", ""))
	puts := h.backend.Puts()

	h.clock.Advance(25 * time.Hour)

	_, err := h.orch.Acquire(ctx, Request{Username: "alice"})
	assert.ErrorIs(t, err, errs.ErrAuthenticationRequired)
	assert.Equal(t, puts, h.backend.Puts())
	assert.Equal(t, 0, h.bridge.Probes())
}

func TestAcquireStaleSessionWithoutPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "alice", h.bridge.Settings("alice"), "p1:6969", "secret"))
	h.bridge.Invalidate("alice")

	_, err := h.orch.Acquire(ctx, Request{Username: "alice"})
	assert.ErrorIs(t, err, errs.ErrAuthenticationRequired)
	assert.Equal(t, 0, h.bridge.Logins())
	assert.Equal(t, 0, h.bridge.OpenClients())
}

func TestAcquireFirstLoginBindsProxy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setDown("p1:6969")

	lease, err := h.orch.Acquire(ctx, Request{Username: "bob", Password: "hunter2"})
	require.NoError(t, err)
	defer lease.Close()

	assert.Equal(t, ReloggedIn, lease.State)
	assert.Equal(t, "p2:6969", lease.Proxy)

	addr, ok, err := h.store.GetProxyFor(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "p2:6969", addr)

	ok, err = h.store.VerifyPassword(ctx, "bob", "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentFirstLoginsSpreadOverProxies(t *testing.T) {
	h := newHarness(t, session.WithCapacity(1))
	h.delay = 50 * time.Millisecond
	ctx := context.Background()

	users := map[string]string{"alice": "secret", "bob": "hunter2"}
	var wg sync.WaitGroup
	results := make(chan error, len(users))
	for name, pass := range users {
		wg.Add(1)
		go func(name, pass string) {
			defer wg.Done()
			lease, err := h.orch.Acquire(ctx, Request{Username: name, Password: pass})
			if err == nil {
				lease.Close()
			}
			results <- err
		}(name, pass)
	}
	wg.Wait()
	close(results)

	for err := range results {
		assert.NoError(t, err)
	}
	load, err := h.store.ProxyLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"p1:6969": 1, "p2:6969": 1}, load)
}

func TestAcquireFoldsUsernameCase(t *testing.T) {
	h := newHarness(t, session.WithCapacity(1))
	ctx := context.Background()

	lease, err := h.orch.Acquire(ctx, Request{Username: "Alice", Password: "secret"})
	require.NoError(t, err)
	lease.Close()
	assert.Equal(t, "p1:6969", lease.Proxy)

	lease, err = h.orch.Acquire(ctx, Request{Username: "ALICE"})
	require.NoError(t, err)
	lease.Close()
	assert.Equal(t, SessionValid, lease.State)
	assert.Equal(t, "p1:6969", lease.Proxy)

	load, err := h.store.ProxyLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"p1:6969": 1}, load)

	for i := 0; i < 3; i++ {
		lease, err := h.orch.Acquire(ctx, Request{Username: "alice"})
		require.NoError(t, err)
		lease.Close()
	}
	_, err = h.orch.Acquire(ctx, Request{Username: "aLiCe"})
	assert.ErrorIs(t, err, errs.ErrRateLimited)
}

func TestAcquireRejectsPasswordMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "alice", h.bridge.Settings("alice"), "p1:6969", "secret"))
	h.bridge.Invalidate("alice")

	_, err := h.orch.Acquire(ctx, Request{Username: "alice", Password: "guess"})
	assert.ErrorIs(t, err, errs.ErrAuthenticationFailed)
	assert.Equal(t, 0, h.bridge.Logins())
	assert.Equal(t, "LoginFailed", h.lastOutcome().state)
}

func TestAcquireUpstreamRejectsPassword(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Acquire(context.Background(), Request{Username: "bob", Password: "wrong"})
	assert.ErrorIs(t, err, errs.ErrAuthenticationFailed)
	assert.Equal(t, 1, h.bridge.Logins())
	assert.Equal(t, 0, h.bridge.OpenClients())
}

func TestAcquireChallenge(t *testing.T) {
	h := newHarness(t)
	h.bridge.RequireChallenge("bob")

	_, err := h.orch.Acquire(context.Background(), Request{Username: "bob", Password: "hunter2"})
	assert.ErrorIs(t, err, errs.ErrChallengeRequired)
	assert.Equal(t, 1, h.bridge.Logins())
}

func TestAcquireRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "alice", h.bridge.Settings("alice"), "p1:6969", ""))

	for i := 0; i < 5; i++ {
		lease, err := h.orch.Acquire(ctx, Request{Username: "alice"})
		require.NoError(t, err)
		lease.Close()
	}

	_, err := h.orch.Acquire(ctx, Request{Username: "alice"})
	assert.ErrorIs(t, err, errs.ErrRateLimited)
	assert.Equal(t, 5, h.bridge.Probes())

	h.clock.Advance(61 * time.Second)
	lease, err := h.orch.Acquire(ctx, Request{Username: "alice"})
	require.NoError(t, err)
	lease.Close()
}

func TestAcquireProxyConnectFailureMovesUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "alice", h.bridge.Settings("alice"), "p1:6969", "secret"))
	h.bridge.FailProxy("http://p1:6969")

	_, err := h.orch.Acquire(ctx, Request{Username: "alice", Password: "secret"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrProxyConnect)
	assert.Equal(t, 0, h.bridge.Logins())

	addr, _, err := h.store.GetProxyFor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "p2:6969", addr)

	_, ok, err := h.store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	lease, err := h.orch.Acquire(ctx, Request{Username: "alice"})
	require.NoError(t, err)
	defer lease.Close()
	assert.Equal(t, SessionValid, lease.State)
	assert.Equal(t, "p2:6969", lease.Proxy)
}

func TestAcquireUpstreamThrottled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "alice", h.bridge.Settings("alice"), "p1:6969", "secret"))
	h.bridge.SetThrottled(true)

	_, err := h.orch.Acquire(ctx, Request{Username: "alice", Password: "secret"})
	assert.ErrorIs(t, err, errs.ErrUpstreamThrottled)
	assert.Equal(t, 0, h.bridge.Logins())
}

func TestAcquireNoWorkingProxy(t *testing.T) {
	h := newHarness(t)
	for _, c := range candidates {
		h.setDown(c)
	}

	_, err := h.orch.Acquire(context.Background(), Request{Username: "bob", Password: "hunter2"})
	assert.ErrorIs(t, err, errs.ErrNoWorkingProxy)
	assert.Equal(t, 0, h.backend.Puts())
}

func TestAcquireNoAvailableProxy(t *testing.T) {
	h := newHarness(t, session.WithCapacity(1))
	ctx := context.Background()
	h.bridge.AddAccount("carol", "pw")
	h.bridge.AddAccount("dave", "pw")

	for _, u := range []string{"alice", "bob", "carol"} {
		pw := map[string]string{"alice": "secret", "bob": "hunter2", "carol": "pw"}[u]
		lease, err := h.orch.Acquire(ctx, Request{Username: u, Password: pw})
		require.NoError(t, err, u)
		lease.Close()
	}

	_, err := h.orch.Acquire(ctx, Request{Username: "dave", Password: "pw"})
	assert.ErrorIs(t, err, errs.ErrNoAvailableProxy)

	load, err := h.store.ProxyLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"p1:6969": 1, "p2:6969": 1, "p3:6969": 1}, load)
}

func TestAcquireInvalidUsername(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Acquire(context.Background(), Request{Username: "../etc", Password: "x"})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestAcquireCancelled(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save(context.Background(), "alice", h.bridge.Settings("alice"), "p1:6969", ""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Acquire(ctx, Request{Username: "alice"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.bridge.OpenClients())
}

func TestLoginRehashesPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "alice", h.bridge.Settings("alice"), "p3:6969", "old-password"))

	lease, err := h.orch.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	defer lease.Close()

	assert.Equal(t, "p3:6969", lease.Proxy)
	ok, err := h.store.VerifyPassword(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "login", h.lastOutcome().operation)
}

func TestLoginRequiresPassword(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Login(context.Background(), "alice", "")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestLogoutKeepsProxy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lease, err := h.orch.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	lease.Close()

	require.NoError(t, h.orch.Logout(ctx, "alice"))
	assert.Equal(t, 1, h.bridge.Logouts())

	_, ok, err := h.store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	addr, bound, err := h.store.GetProxyFor(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, bound)
	assert.Equal(t, lease.Proxy, addr)

	_, err = h.orch.Acquire(ctx, Request{Username: "alice"})
	assert.ErrorIs(t, err, errs.ErrAuthenticationRequired)
}

func TestLogoutUpstreamFailureStillClears(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "alice", h.bridge.Settings("alice"), "p1:6969", ""))
	h.bridge.FailProxy("http://p1:6969")

	require.NoError(t, h.orch.Logout(ctx, "alice"))
	_, ok, err := h.store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, h.log.HasMessage("Upstream logout failed"))
}

func TestLogoutUnknownUser(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Logout(context.Background(), "nobody"))
	assert.Equal(t, 0, h.backend.Puts())
}

func TestConcurrentAcquireSameUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	proxies := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := h.orch.Acquire(ctx, Request{Username: "alice", Password: "secret"})
			if !assert.NoError(t, err) {
				return
			}
			proxies[i] = lease.Proxy
			lease.Close()
		}(i)
	}
	wg.Wait()

	for _, p := range proxies {
		assert.Equal(t, "p1:6969", p)
	}
	load, err := h.store.ProxyLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"p1:6969": 1}, load)
	assert.Equal(t, 0, h.bridge.OpenClients())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "SessionRestoring", SessionRestoring.String())
	assert.Equal(t, "Unknown", State(42).String())
	assert.True(t, ReloggedIn.Terminal())
	assert.False(t, SessionInvalid.Terminal())
}
