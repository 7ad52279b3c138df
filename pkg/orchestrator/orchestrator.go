package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	errs "igsession/pkg/errors"
	"igsession/pkg/instagram"
	"igsession/pkg/logger"
	"igsession/pkg/session"
)

// SessionStore is the part of session.Store the orchestrator needs
type SessionStore interface {
	Get(ctx context.Context, username string) (session.State, bool, error)
	Save(ctx context.Context, username string, state session.State, proxy, password string) error
	Clear(ctx context.Context, username, proxy string) error
	GetProxyFor(ctx context.Context, username string) (string, bool, error)
	AssignProxy(ctx context.Context, username string, candidates []string) (string, error)
	Available(ctx context.Context, candidates []string) ([]string, error)
	VerifyPassword(ctx context.Context, username, password string) (bool, error)
	HasPassword(ctx context.Context, username string) (bool, error)
}

// ProxyPool is the part of proxy.Pool the orchestrator needs
type ProxyPool interface {
	Candidates() []string
	GetWorkingProxyFrom(ctx context.Context, candidates []string) (string, error)
	URLFor(address string) string
}

// RateLimiter admits or rejects a request for a user
type RateLimiter interface {
	CheckRateLimit(username string) error
}

// OutcomeFunc observes every finished operation
type OutcomeFunc func(operation, state string, err error, elapsed time.Duration)

const (
	DefaultProbeTimeout = 10 * time.Second
	DefaultLoginTimeout = 30 * time.Second
)

// Orchestrator turns a username into a ready, authenticated client. It
// owns no state of its own.
type Orchestrator struct {
	store   SessionStore
	pool    ProxyPool
	limiter RateLimiter
	factory instagram.Factory

	probeTimeout time.Duration
	loginTimeout time.Duration
	onOutcome    OutcomeFunc
	log          logger.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithProbeTimeout bounds session restore and probe
func WithProbeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.probeTimeout = d }
}

// WithLoginTimeout bounds password login
func WithLoginTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.loginTimeout = d }
}

// WithOutcomeHook registers a metrics hook
func WithOutcomeHook(fn OutcomeFunc) Option {
	return func(o *Orchestrator) { o.onOutcome = fn }
}

// WithLogger sets the orchestrator logger
func WithLogger(log logger.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New creates an orchestrator over explicitly constructed components
func New(store SessionStore, pool ProxyPool, limiter RateLimiter, factory instagram.Factory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		pool:         pool,
		limiter:      limiter,
		factory:      factory,
		probeTimeout: DefaultProbeTimeout,
		loginTimeout: DefaultLoginTimeout,
		log:          logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request identifies the user an orchestration runs for
type Request struct {
	Username string
	Password string
}

// Lease is a ready client bound to a proxy. Close must be called once the
// caller is done with it.
type Lease struct {
	Client instagram.Client
	Proxy  string
	State  State

	once sync.Once
	err  error
}

// Close releases the client
func (l *Lease) Close() error {
	l.once.Do(func() {
		l.err = l.Client.Close()
	})
	return l.err
}

// Acquire returns a client for req.Username, reusing the stored session
// when it still probes fine and falling back to password login otherwise.
func (o *Orchestrator) Acquire(ctx context.Context, req Request) (lease *Lease, err error) {
	start := time.Now()
	state := NoProxy
	req.Username = session.NormalizeUsername(req.Username)
	defer func() { o.observe(ctx, "acquire", req.Username, state, err, start) }()

	if err = session.ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if err = o.limiter.CheckRateLimit(req.Username); err != nil {
		return nil, err
	}

	stored, hasSession, err := o.store.Get(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if !hasSession && req.Password == "" {
		return nil, errs.New(errs.ErrorTypeAuthRequired, "no stored session and no password supplied")
	}

	addr, err := o.resolveProxy(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	state = ProxyAssigned

	client, err := o.newClient(addr)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			client.Close()
		}
	}()

	if hasSession {
		state = SessionRestoring
		err = o.restore(ctx, client, stored)
		switch {
		case err == nil:
			state = SessionValid
			return &Lease{Client: client, Proxy: addr, State: state}, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, errs.ErrProxyConnect):
			o.rebind(ctx, req.Username, addr)
			return nil, err
		case errors.Is(err, errs.ErrUpstreamThrottled):
			return nil, err
		}

		state = SessionInvalid
		o.log.WithContext(ctx).WithFields(map[string]interface{}{
			"username": req.Username,
			"reason":   string(errs.TypeOf(err)),
		}).Info("Stored session rejected, logging in again")
	}

	if err = o.relogin(ctx, client, req.Username, req.Password, addr); err != nil {
		state = LoginFailed
		if errors.Is(err, errs.ErrProxyConnect) {
			o.rebind(ctx, req.Username, addr)
		}
		return nil, err
	}
	state = ReloggedIn
	return &Lease{Client: client, Proxy: addr, State: state}, nil
}

// Login performs an unconditional password login and stores the result
// together with a fresh password hash.
func (o *Orchestrator) Login(ctx context.Context, username, password string) (lease *Lease, err error) {
	start := time.Now()
	state := NoProxy
	username = session.NormalizeUsername(username)
	defer func() { o.observe(ctx, "login", username, state, err, start) }()

	if err = session.ValidateUsername(username); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, errs.New(errs.ErrorTypeInvalidInput, "password is required")
	}
	if err = o.limiter.CheckRateLimit(username); err != nil {
		return nil, err
	}

	addr, err := o.resolveProxy(ctx, username)
	if err != nil {
		return nil, err
	}
	state = ProxyAssigned

	client, err := o.newClient(addr)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			client.Close()
		}
	}()

	if err = o.login(ctx, client, username, password, addr); err != nil {
		state = LoginFailed
		if errors.Is(err, errs.ErrProxyConnect) {
			o.rebind(ctx, username, addr)
		}
		return nil, err
	}
	state = ReloggedIn
	return &Lease{Client: client, Proxy: addr, State: state}, nil
}

// Logout ends the upstream session when one is stored and clears it
// locally. The proxy binding is kept. Upstream failures are logged only.
func (o *Orchestrator) Logout(ctx context.Context, username string) (err error) {
	start := time.Now()
	state := NoProxy
	username = session.NormalizeUsername(username)
	defer func() { o.observe(ctx, "logout", username, state, err, start) }()

	if err = session.ValidateUsername(username); err != nil {
		return err
	}
	if err = o.limiter.CheckRateLimit(username); err != nil {
		return err
	}

	addr, bound, err := o.store.GetProxyFor(ctx, username)
	if err != nil {
		return err
	}
	if bound {
		state = ProxyAssigned
	}
	stored, hasSession, err := o.store.Get(ctx, username)
	if err != nil {
		return err
	}

	if bound && hasSession {
		o.logoutUpstream(ctx, username, addr, stored)
	}

	return o.store.Clear(ctx, username, addr)
}

func (o *Orchestrator) logoutUpstream(ctx context.Context, username, addr string, stored session.State) {
	client, err := o.newClient(addr)
	if err != nil {
		return
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()

	err = client.SetSettings(stored)
	if err == nil {
		err = client.Logout(ctx)
	}
	if err == nil {
		return
	}
	o.log.WithContext(ctx).WithField("username", username).WithError(err).Warn("Upstream logout failed")
}

// resolveProxy returns the bound proxy, or probes the candidates that still
// have room and binds the first healthy one.
func (o *Orchestrator) resolveProxy(ctx context.Context, username string) (string, error) {
	candidates := o.pool.Candidates()

	addr, bound, err := o.store.GetProxyFor(ctx, username)
	if err != nil {
		return "", err
	}
	if bound && contains(candidates, addr) {
		return addr, nil
	}

	return o.pickAndAssign(ctx, username, candidates)
}

// pickAndAssign binds username to the first healthy candidate with room.
// A concurrent request may fill the chosen proxy between the health check
// and the bind; the scan then restarts over what is still available.
func (o *Orchestrator) pickAndAssign(ctx context.Context, username string, candidates []string) (string, error) {
	lastErr := error(errs.New(errs.ErrorTypeNoAvailableProxy, "no proxy candidates"))
	for attempt := 0; attempt < len(candidates); attempt++ {
		available, err := o.store.Available(ctx, candidates)
		if err != nil {
			return "", err
		}
		if len(available) == 0 {
			return "", errs.New(errs.ErrorTypeNoAvailableProxy, "every proxy is at capacity")
		}

		chosen, err := o.pool.GetWorkingProxyFrom(ctx, available)
		if err != nil {
			return "", err
		}
		addr, err := o.store.AssignProxy(ctx, username, []string{chosen})
		if !errors.Is(err, errs.ErrNoAvailableProxy) {
			return addr, err
		}
		lastErr = err
		o.log.WithContext(ctx).WithFields(map[string]interface{}{
			"username": username,
			"proxy":    logger.MaskProxy(chosen),
		}).Debug("Proxy filled up before bind, picking again")
	}
	return "", lastErr
}

// rebind moves username off a proxy that failed to connect so the next
// attempt starts from a healthy one. The current request still fails.
func (o *Orchestrator) rebind(ctx context.Context, username, failed string) {
	var rest []string
	for _, c := range o.pool.Candidates() {
		if c != failed {
			rest = append(rest, c)
		}
	}
	if len(rest) == 0 {
		return
	}

	log := o.log.WithContext(ctx).WithFields(map[string]interface{}{
		"username": username,
		"from":     logger.MaskProxy(failed),
	})
	next, err := o.pickAndAssign(ctx, username, rest)
	if err != nil {
		log.WithError(err).Warn("Could not move user off failing proxy")
		return
	}
	log.WithField("to", logger.MaskProxy(next)).Info("User moved off failing proxy")
}

func (o *Orchestrator) newClient(addr string) (instagram.Client, error) {
	client := o.factory()
	if err := client.SetProxy(o.pool.URLFor(addr)); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// restore loads stored settings into client and probes them
func (o *Orchestrator) restore(ctx context.Context, client instagram.Client, stored session.State) error {
	if err := client.SetSettings(stored); err != nil {
		return errs.Wrap(errs.ErrorTypeSessionProbe, "stored session could not be restored", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()

	err := client.Probe(probeCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errs.Wrap(errs.ErrorTypeProxyConnect, "session probe timed out", err)
	}
	return err
}

// relogin logs in again after a missing or stale session. A stored hash
// must match the supplied password before the upstream is contacted.
func (o *Orchestrator) relogin(ctx context.Context, client instagram.Client, username, password, addr string) error {
	if password == "" {
		return errs.New(errs.ErrorTypeAuthRequired, "session expired and no password supplied")
	}

	hasHash, err := o.store.HasPassword(ctx, username)
	if err != nil {
		return err
	}
	if hasHash {
		ok, err := o.store.VerifyPassword(ctx, username, password)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New(errs.ErrorTypeAuthFailed, "password does not match stored credential")
		}
	}

	return o.login(ctx, client, username, password, addr)
}

// login runs the upstream password login and persists the new settings
func (o *Orchestrator) login(ctx context.Context, client instagram.Client, username, password, addr string) error {
	loginCtx, cancel := context.WithTimeout(ctx, o.loginTimeout)
	defer cancel()

	if err := client.Login(loginCtx, username, password); err != nil {
		return classifyLoginError(ctx, err)
	}

	settings, err := client.GetSettings()
	if err != nil {
		return errs.Wrap(errs.ErrorTypeAuthFailed, "login returned no session", err)
	}
	return o.store.Save(ctx, username, settings, addr, password)
}

func classifyLoginError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch errs.TypeOf(err) {
	case errs.ErrorTypeAuthFailed, errs.ErrorTypeChallenge,
		errs.ErrorTypeProxyConnect, errs.ErrorTypeUpstreamThrottled:
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.ErrorTypeProxyConnect, "login timed out", err)
	}
	return errs.Wrap(errs.ErrorTypeAuthFailed, "login failed", err)
}

func (o *Orchestrator) observe(ctx context.Context, operation, username string, state State, err error, start time.Time) {
	elapsed := time.Since(start)
	if o.onOutcome != nil {
		o.onOutcome(operation, state.String(), err, elapsed)
	}

	log := o.log.WithContext(ctx).WithFields(map[string]interface{}{
		"operation": operation,
		"username":  username,
		"state":     state.String(),
		"duration":  elapsed,
	})
	if err != nil {
		log.WithField("error_type", string(errs.TypeOf(err))).Warn("Orchestration failed")
		return
	}
	log.Debug("Orchestration finished")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
