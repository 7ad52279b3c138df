package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errs "igsession/pkg/errors"
)

const namespace = "igsession"

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	registry *prometheus.Registry

	// Orchestration metrics
	OrchestrationsTotal   *prometheus.CounterVec
	OrchestrationDuration *prometheus.HistogramVec
	RateLimitedTotal      prometheus.Counter

	// Proxy metrics
	ProxyChecksTotal    *prometheus.CounterVec
	ProxyCheckDuration  prometheus.Histogram
	ProxiesHealthy      prometheus.Gauge
	ProxyAssignedUsers  *prometheus.GaugeVec
	LimiterTrackedUsers prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		OrchestrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orchestrations_total",
				Help:      "Orchestrations by operation, final state and result",
			},
			[]string{"operation", "state", "result"},
		),
		OrchestrationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "orchestration_duration_seconds",
				Help:      "Duration of orchestrations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-user rate limiter",
			},
		),

		ProxyChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_checks_total",
				Help:      "Proxy health checks by result",
			},
			[]string{"result"},
		),
		ProxyCheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_check_duration_seconds",
				Help:      "Duration of proxy health checks in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		ProxiesHealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxies_healthy",
				Help:      "Healthy proxies seen by the last sweep",
			},
		),
		ProxyAssignedUsers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxy_assigned_users",
				Help:      "Users bound to each proxy",
			},
			[]string{"proxy"},
		),
		LimiterTrackedUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "limiter_tracked_users",
				Help:      "Users with a live rate limit window",
			},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registerMetrics()
	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.OrchestrationsTotal,
		m.OrchestrationDuration,
		m.RateLimitedTotal,
		m.ProxyChecksTotal,
		m.ProxyCheckDuration,
		m.ProxiesHealthy,
		m.ProxyAssignedUsers,
		m.LimiterTrackedUsers,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
}

// ObserveOutcome records one finished orchestration
func (m *Metrics) ObserveOutcome(operation, state string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = string(errs.TypeOf(err))
	}
	m.OrchestrationsTotal.WithLabelValues(operation, state, result).Inc()
	m.OrchestrationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveProxyCheck records one proxy health check
func (m *Metrics) ObserveProxyCheck(_ string, healthy bool, elapsed time.Duration) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.ProxyChecksTotal.WithLabelValues(result).Inc()
	m.ProxyCheckDuration.Observe(elapsed.Seconds())
}

// ObserveRateLimited counts a rejected request
func (m *Metrics) ObserveRateLimited(string) {
	m.RateLimitedTotal.Inc()
}

// SetProxyLoad replaces the per-proxy binding gauges
func (m *Metrics) SetProxyLoad(load map[string]int) {
	m.ProxyAssignedUsers.Reset()
	for addr, n := range load {
		m.ProxyAssignedUsers.WithLabelValues(addr).Set(float64(n))
	}
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
