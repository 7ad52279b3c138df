package jobs

import (
	"context"

	"igsession/internal/metrics"
	"igsession/pkg/logger"
	"igsession/pkg/proxy"
)

// Sweeper drops idle state and reports how much it removed
type Sweeper interface {
	Sweep() int
}

// LoadSource reports how many users are bound to each proxy
type LoadSource interface {
	ProxyLoad(ctx context.Context) (map[string]int, error)
}

// ProxySweep checks every candidate and publishes health and load gauges.
// m may be nil.
func ProxySweep(pool *proxy.Pool, load LoadSource, m *metrics.Metrics, log logger.Logger) Func {
	return func(ctx context.Context) {
		results := pool.Sweep(ctx)
		healthy := proxy.Healthy(results)
		if m != nil {
			m.ProxiesHealthy.Set(float64(healthy))
		}
		if healthy == 0 && len(results) > 0 {
			log.WithField("candidates", len(results)).Error("No healthy proxy left")
		}

		current, err := load.ProxyLoad(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to read proxy load")
			return
		}
		if m != nil {
			m.SetProxyLoad(current)
		}
	}
}

// LimiterSweep drops idle rate limit windows from every sweeper
func LimiterSweep(log logger.Logger, sweepers ...Sweeper) Func {
	return func(ctx context.Context) {
		removed := 0
		for _, s := range sweepers {
			if s == nil {
				continue
			}
			removed += s.Sweep()
		}
		if removed > 0 {
			log.WithField("removed", removed).Debug("Idle rate limit windows dropped")
		}
	}
}
