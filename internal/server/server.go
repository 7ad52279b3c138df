package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"igsession/internal/metrics"
	"igsession/pkg/config"
	"igsession/pkg/logger"
	"igsession/pkg/media"
	"igsession/pkg/orchestrator"
)

// Orchestrator is what the routes call into
type Orchestrator interface {
	Acquire(ctx context.Context, req orchestrator.Request) (*orchestrator.Lease, error)
	Login(ctx context.Context, username, password string) (*orchestrator.Lease, error)
	Logout(ctx context.Context, username string) error
}

// Pinger reports backend reachability for /healthz
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the orchestrator over HTTP
type Server struct {
	cfg         config.ServerConfig
	metricsPath string
	orch        Orchestrator
	health      Pinger
	metrics     *metrics.Metrics
	ipLimiter   *IPLimiter
	ledger      media.Ledger
	now         func() time.Time
	log         logger.Logger
}

// Option configures a Server
type Option func(*Server)

// WithMetrics serves m on path and records HTTP metrics into it
func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsPath = path
	}
}

// WithIPLimiter puts l in front of every route except health and metrics
func WithIPLimiter(l *IPLimiter) Option {
	return func(s *Server) { s.ipLimiter = l }
}

// WithMediaLedger records handed-out highlight media in l
func WithMediaLedger(l media.Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// WithLogger sets the server logger
func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New creates a server
func New(cfg config.ServerConfig, orch Orchestrator, health Pinger, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		orch:   orch,
		health: health,
		now:    time.Now,
		log:    logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ledger == nil {
		s.ledger = media.NewMemoryLedger()
	}
	if s.metricsPath == "" {
		s.metricsPath = "/metrics"
	}
	return s
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logging)
	r.Use(s.recovery)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.ipLimiter != nil {
			r.Use(s.rateLimit)
		}
		r.Post("/auth/login/{username}", s.handleLogin)
		r.Post("/auth/logout/{username}", s.handleLogout)
		r.Get("/profiles/{username}", s.handleProfile)
		r.Get("/profiles/{username}/highlight_media", s.handleHighlightMedia)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "Not found"})
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.LogComponentStart(s.log, "http", map[string]interface{}{"address": s.cfg.Address})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	logger.LogComponentStop(s.log, "http", "shutdown")
	return err
}
