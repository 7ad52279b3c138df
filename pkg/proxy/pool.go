package proxy

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	errs "igsession/pkg/errors"
	"igsession/pkg/logger"
)

// Selection decides the order in which candidates are probed
type Selection string

const (
	// SelectionOrdered probes candidates in configuration order
	SelectionOrdered Selection = "ordered"
	// SelectionShuffled probes candidates in random order
	SelectionShuffled Selection = "shuffled"
)

// DefaultCheckURL is fetched through a proxy to decide whether it works
const DefaultCheckURL = "https://www.instagram.com/"

// ProbeFunc checks one proxy and returns nil when it is usable
type ProbeFunc func(ctx context.Context, address string) error

// Pool owns the candidate list and decides which endpoints are healthy.
// The candidate list is never mutated after construction.
type Pool struct {
	candidates []string
	scheme     string
	selection  Selection
	checkURL   string
	timeout    time.Duration
	workers    int
	probe      ProbeFunc
	onCheck    func(address string, healthy bool, latency time.Duration)
	log        logger.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Pool
type Option func(*Pool)

// WithScheme sets the proxy scheme (http, https or socks5)
func WithScheme(scheme string) Option {
	return func(p *Pool) { p.scheme = scheme }
}

// WithSelection sets the scan order policy
func WithSelection(s Selection) Option {
	return func(p *Pool) { p.selection = s }
}

// WithCheckURL sets the target fetched through each proxy
func WithCheckURL(u string) Option {
	return func(p *Pool) { p.checkURL = u }
}

// WithTimeout bounds each health check
func WithTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// WithSweepWorkers sets the concurrency of Sweep
func WithSweepWorkers(n int) Option {
	return func(p *Pool) { p.workers = n }
}

// WithProbe replaces the HTTP health check
func WithProbe(fn ProbeFunc) Option {
	return func(p *Pool) { p.probe = fn }
}

// WithCheckHook is called after every health check
func WithCheckHook(fn func(address string, healthy bool, latency time.Duration)) Option {
	return func(p *Pool) { p.onCheck = fn }
}

// WithLogger sets the pool logger
func WithLogger(log logger.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithSeed makes shuffled selection deterministic
func WithSeed(seed int64) Option {
	return func(p *Pool) { p.rng = rand.New(rand.NewSource(seed)) }
}

// NewPool creates a pool over a copy of candidates
func NewPool(candidates []string, opts ...Option) *Pool {
	p := &Pool{
		candidates: append([]string(nil), candidates...),
		scheme:     "http",
		selection:  SelectionOrdered,
		checkURL:   DefaultCheckURL,
		timeout:    10 * time.Second,
		workers:    4,
		log:        logger.NewNopLogger(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.probe == nil {
		p.probe = p.httpProbe
	}
	if p.workers < 1 {
		p.workers = 1
	}
	return p
}

// Candidates returns a copy of the configured endpoints
func (p *Pool) Candidates() []string {
	return append([]string(nil), p.candidates...)
}

// Scheme returns the proxy scheme
func (p *Pool) Scheme() string {
	return p.scheme
}

// URLFor returns the proxy URL a client should use for address
func (p *Pool) URLFor(address string) string {
	return URL(p.scheme, address)
}

// CheckHealth reports whether address can reach the check URL within the
// configured timeout. Failures are logged, never returned.
func (p *Pool) CheckHealth(ctx context.Context, address string) bool {
	return p.check(ctx, address).Healthy
}

// GetWorkingProxy returns the first healthy candidate
func (p *Pool) GetWorkingProxy(ctx context.Context) (string, error) {
	return p.GetWorkingProxyFrom(ctx, p.candidates)
}

// GetWorkingProxyFrom returns the first healthy entry of candidates under
// the pool's selection policy. candidates is not modified.
func (p *Pool) GetWorkingProxyFrom(ctx context.Context, candidates []string) (string, error) {
	order := append([]string(nil), candidates...)
	if p.selection == SelectionShuffled {
		p.rngMu.Lock()
		p.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		p.rngMu.Unlock()
	}

	for _, addr := range order {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if p.CheckHealth(ctx, addr) {
			return addr, nil
		}
	}

	return "", errs.New(errs.ErrorTypeNoWorkingProxy,
		fmt.Sprintf("none of %d candidate proxies is reachable", len(order)))
}

// Health is the outcome of one health check
type Health struct {
	Address   string        `json:"address"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (p *Pool) check(ctx context.Context, address string) Health {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.probe(ctx, address)
	h := Health{
		Address:   address,
		Healthy:   err == nil,
		Latency:   time.Since(start),
		CheckedAt: start,
	}
	if err != nil {
		h.Error = err.Error()
		p.log.WithFields(map[string]interface{}{
			"proxy":   logger.MaskProxy(address),
			"latency": h.Latency,
		}).WithError(err).Warn("Proxy health check failed")
	} else {
		p.log.WithFields(map[string]interface{}{
			"proxy":   logger.MaskProxy(address),
			"latency": h.Latency,
		}).Debug("Proxy healthy")
	}

	if p.onCheck != nil {
		p.onCheck(address, h.Healthy, h.Latency)
	}
	return h
}

// httpProbe fetches the check URL through the proxy. Any 2xx or 3xx
// response counts as healthy; redirects are not followed.
func (p *Pool) httpProbe(ctx context.Context, address string) error {
	transport, err := NewTransport(p.URLFor(address), p.timeout)
	if err != nil {
		return err
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   p.timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.checkURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("check returned status %d", resp.StatusCode)
	}
	return nil
}
