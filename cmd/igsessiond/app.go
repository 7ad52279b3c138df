package main

import (
	"context"
	"fmt"

	"igsession/internal/jobs"
	"igsession/internal/metrics"
	"igsession/internal/server"
	"igsession/pkg/auth"
	"igsession/pkg/config"
	"igsession/pkg/instagram"
	"igsession/pkg/logger"
	"igsession/pkg/media"
	"igsession/pkg/orchestrator"
	"igsession/pkg/proxy"
	"igsession/pkg/ratelimit"
	"igsession/pkg/retry"
	"igsession/pkg/session"
)

// app holds every wired component of a running process
type app struct {
	cfg       *config.Config
	log       logger.Logger
	metrics   *metrics.Metrics
	store     *session.Store
	pool      *proxy.Pool
	limiter   *ratelimit.UserLimiter
	ipLimiter *server.IPLimiter
	orch      *orchestrator.Orchestrator
	ledger    media.Ledger
}

// buildApp wires storage, proxies, limiters and the orchestrator from cfg
func buildApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	backend, locker, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	storeOpts := []session.Option{
		session.WithTTL(cfg.Session.TTL),
		session.WithCapacity(cfg.Proxy.CapacityPerProxy),
		session.WithLogger(log),
	}
	if locker != nil {
		storeOpts = append(storeOpts, session.WithLocker(locker))
	}
	if cfg.Session.EncryptAtRest {
		sealer, err := newSealer(cfg.Session, log)
		if err != nil {
			backend.Close()
			return nil, err
		}
		storeOpts = append(storeOpts, session.WithSealer(sealer))
	}
	a.store = session.NewStore(backend, storeOpts...)

	if cfg.Storage.Backend == "sqlite" {
		ledger, err := media.NewSQLiteLedger(cfg.Storage.SQLitePath)
		if err != nil {
			a.store.Close()
			return nil, fmt.Errorf("failed to open media ledger: %w", err)
		}
		a.ledger = ledger
	} else {
		a.ledger = media.NewMemoryLedger()
	}

	poolOpts := []proxy.Option{
		proxy.WithScheme(cfg.Proxy.Scheme),
		proxy.WithSelection(proxy.Selection(cfg.Proxy.Selection)),
		proxy.WithCheckURL(cfg.Proxy.HealthCheckURL),
		proxy.WithTimeout(cfg.Proxy.HealthCheckTimeout),
		proxy.WithSweepWorkers(cfg.Proxy.SweepWorkers),
		proxy.WithLogger(log),
	}
	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(log)}
	orchOpts := []orchestrator.Option{
		orchestrator.WithProbeTimeout(cfg.Session.ProbeTimeout),
		orchestrator.WithLoginTimeout(cfg.Session.LoginTimeout),
		orchestrator.WithLogger(log),
	}
	if a.metrics != nil {
		poolOpts = append(poolOpts, proxy.WithCheckHook(a.metrics.ObserveProxyCheck))
		limiterOpts = append(limiterOpts, ratelimit.WithRejectHook(a.metrics.ObserveRateLimited))
		orchOpts = append(orchOpts, orchestrator.WithOutcomeHook(a.metrics.ObserveOutcome))
	}

	a.pool = proxy.NewPool(cfg.Proxy.Endpoints(), poolOpts...)
	a.limiter = ratelimit.NewUserLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Window, limiterOpts...)
	if cfg.Server.PerIPRequestsPerSecond > 0 {
		a.ipLimiter = server.NewIPLimiter(cfg.Server.PerIPRequestsPerSecond, cfg.Server.PerIPBurst)
	}

	factory := instagram.NewFactory(upstreamOptions(cfg.Upstream, log))
	a.orch = orchestrator.New(a.store, a.pool, a.limiter, factory, orchOpts...)

	return a, nil
}

func upstreamOptions(cfg config.UpstreamConfig, log logger.Logger) instagram.Options {
	opts := instagram.Options{
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.Timeout,
		UserAgent: cfg.UserAgent,
		DelayMin:  cfg.DelayMin,
		DelayMax:  cfg.DelayMax,
		Logger:    log,
	}
	if cfg.AuthToken != "" {
		opts.Headers = map[string]string{"Authorization": "Bearer " + cfg.AuthToken}
	}
	return opts
}

// openBackend opens the configured storage backend and waits until it
// answers a ping. The returned locker is nil unless the backend is shared
// between processes.
func openBackend(ctx context.Context, cfg *config.Config, log logger.Logger) (session.Backend, session.Locker, error) {
	var (
		backend session.Backend
		locker  session.Locker
		err     error
	)

	st := cfg.Storage
	switch st.Backend {
	case "memory":
		backend = session.NewMemoryBackend()
	case "file":
		backend, err = session.NewFileBackend(st.Directory, log)
	case "sqlite":
		backend, err = session.NewSQLiteBackend(st.SQLitePath)
	case "redis":
		rb := session.NewRedisBackend(st.Redis.Address, st.Redis.Username, st.Redis.Password, st.Redis.DB, st.Redis.Prefix)
		backend = rb
		locker = session.NewRedisLocker(rb.Client(), st.Redis.Prefix, st.Redis.LockTTL)
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", st.Backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s backend: %w", st.Backend, err)
	}

	rc := cfg.Retry
	err = retry.Do(ctx, &retry.Config{
		MaxAttempts: rc.MaxAttempts,
		Backoff:     retry.FromSettings(rc.BaseDelay, rc.MaxDelay, rc.Multiplier, rc.JitterFactor),
		RetryIf:     retry.DefaultRetryIf,
		Logger:      log,
		Operation:   "storage ping",
	}, backend.Ping)
	if err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("storage backend %s is unreachable: %w", st.Backend, err)
	}

	log.WithFields(map[string]interface{}{
		"backend": st.Backend,
	}).Info("Storage backend ready")

	return backend, locker, nil
}

func newSealer(cfg config.SessionConfig, log logger.Logger) (*auth.Sealer, error) {
	sources := []auth.PassphraseSource{auth.EnvSource{Var: auth.PassphraseEnv}}
	if cfg.UseKeyring {
		sources = append(sources, auth.KeyringSource{})
	}
	path := cfg.PassphraseFile
	if path == "" {
		var err error
		if path, err = auth.DefaultPassphraseFile(); err != nil {
			return nil, err
		}
	}
	sources = append(sources, auth.FileSource{Path: path})

	pass, source, err := auth.ResolvePassphrase(sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session passphrase: %w", err)
	}
	log.WithField("source", source).Info("Session sealing enabled")

	return auth.NewSealer(pass)
}

// sweepers returns the limiters that hold idle state
func (a *app) sweepers() []jobs.Sweeper {
	out := []jobs.Sweeper{a.limiter}
	if a.ipLimiter != nil {
		out = append(out, a.ipLimiter)
	}
	return out
}

func (a *app) Close() error {
	if err := a.ledger.Close(); err != nil {
		a.store.Close()
		return err
	}
	return a.store.Close()
}
