package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"igsession/internal/jobs"
	"igsession/internal/server"
	"igsession/pkg/logger"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	Long: `Run the HTTP service exposing login, logout and profile routes.

Maintenance jobs sweep proxy health and idle rate limit windows in the
background on the schedules from the jobs section of the configuration.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address (default :8000)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(map[string]interface{}{"listen": listenAddr})
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("Failed to close storage backend")
		}
	}()

	log.WithFields(map[string]interface{}{
		"proxies":  len(a.pool.Candidates()),
		"scheme":   a.pool.Scheme(),
		"capacity": a.store.Capacity(),
		"upstream": cfg.Upstream.BaseURL,
	}).Info("Service configured")
	for _, addr := range a.pool.Candidates() {
		log.WithField("proxy", logger.MaskProxy(addr)).Debug("Proxy candidate")
	}

	scheduler := jobs.New(log, cfg.Proxy.HealthCheckTimeout*time.Duration(len(a.pool.Candidates())+1))
	if err := scheduler.Add("proxy-sweep", cfg.Jobs.ProxySweep, jobs.ProxySweep(a.pool, a.store, a.metrics, log)); err != nil {
		return err
	}
	limiterSweep := jobs.LimiterSweep(log, a.sweepers()...)
	err = scheduler.Add("limiter-sweep", cfg.Jobs.LimiterSweep, func(ctx context.Context) {
		limiterSweep(ctx)
		if a.metrics != nil {
			a.metrics.LimiterTrackedUsers.Set(float64(a.limiter.Tracked()))
		}
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		scheduler.Stop(stopCtx)
	}()

	opts := []server.Option{server.WithLogger(log), server.WithMediaLedger(a.ledger)}
	if a.metrics != nil {
		opts = append(opts, server.WithMetrics(a.metrics, cfg.Metrics.Path))
	}
	if a.ipLimiter != nil {
		opts = append(opts, server.WithIPLimiter(a.ipLimiter))
	}
	srv := server.New(cfg.Server, a.orch, a.store, opts...)

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}
