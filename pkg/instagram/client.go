package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	errs "igsession/pkg/errors"
	"igsession/pkg/logger"
	"igsession/pkg/proxy"
	"igsession/pkg/retry"
)

// Client is the account automation client the orchestrator drives.
// Instances are per request and never shared.
type Client interface {
	Login(ctx context.Context, username, password string) error
	SetSettings(settings []byte) error
	GetSettings() ([]byte, error)
	SetProxy(proxyURL string) error
	Probe(ctx context.Context) error
	Logout(ctx context.Context) error
	GetProfile(ctx context.Context, username string) (*Profile, error)
	GetHighlights(ctx context.Context, username string) ([]Highlight, error)
	Close() error
}

// Factory creates a fresh Client
type Factory func() Client

// Options configures an HTTPClient
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	DelayMin  time.Duration
	DelayMax  time.Duration
	// Headers are added to every bridge request
	Headers   map[string]string
	Logger    logger.Logger
}

// HTTPClient talks to the automation bridge over HTTP
type HTTPClient struct {
	opts       Options
	httpClient *http.Client
	headers    map[string]string
	logger     logger.Logger

	mu        sync.Mutex
	settings  []byte
	proxyURL  string
	transport *http.Transport
}

// NewHTTPClient creates a client without a proxy
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "igsession/1.0"
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	c := &HTTPClient{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		headers: map[string]string{
			"User-Agent":   opts.UserAgent,
			"Accept":       "application/json",
			"Content-Type": "application/json",
		},
		logger: log,
	}
	for key, value := range opts.Headers {
		c.SetHeader(key, value)
	}
	return c
}

// NewFactory returns a Factory producing HTTPClients with opts
func NewFactory(opts Options) Factory {
	return func() Client {
		return NewHTTPClient(opts)
	}
}

// SetHeader sets a custom header for every request
func (c *HTTPClient) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

// SetProxy routes all further requests through proxyURL
func (c *HTTPClient) SetProxy(proxyURL string) error {
	transport, err := proxy.NewTransport(proxyURL, c.opts.Timeout)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeInvalidInput, "invalid proxy", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	c.transport = transport
	c.proxyURL = proxyURL
	c.httpClient = &http.Client{Timeout: c.opts.Timeout, Transport: transport}
	return nil
}

// SetSettings restores previously persisted session settings
func (c *HTTPClient) SetSettings(settings []byte) error {
	if len(settings) > 0 && !json.Valid(settings) {
		return errs.New(errs.ErrorTypeInvalidInput, "session settings are not valid JSON")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = append([]byte(nil), settings...)
	return nil
}

// GetSettings returns the current session settings
func (c *HTTPClient) GetSettings() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.settings) == 0 {
		return nil, errs.New(errs.ErrorTypeLoginRequired, "client holds no session")
	}
	return append([]byte(nil), c.settings...), nil
}

// Login authenticates with a password and keeps the returned settings
func (c *HTTPClient) Login(ctx context.Context, username, password string) error {
	var out settingsEnvelope
	if err := c.doJSON(ctx, LoginEndpoint, loginRequest{Username: username, Password: password}, &out); err != nil {
		return err
	}
	if len(out.Settings) == 0 {
		return errs.New(errs.ErrorTypeAuthFailed, "login returned no session")
	}

	c.logger.InfoWithFields("Logged in upstream", map[string]interface{}{
		"username": username,
	})
	return c.SetSettings(out.Settings)
}

// Probe runs a cheap authenticated call to test the restored session
func (c *HTTPClient) Probe(ctx context.Context) error {
	settings, err := c.GetSettings()
	if err != nil {
		return err
	}
	var out settingsEnvelope
	if err := c.doJSON(ctx, ProbeEndpoint, settingsEnvelope{Settings: settings}, &out); err != nil {
		return err
	}
	if len(out.Settings) > 0 {
		return c.SetSettings(out.Settings)
	}
	return nil
}

// Logout invalidates the upstream session and forgets the local settings
func (c *HTTPClient) Logout(ctx context.Context) error {
	settings, err := c.GetSettings()
	if err != nil {
		return err
	}
	if err := c.doJSON(ctx, LogoutEndpoint, settingsEnvelope{Settings: settings}, nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.settings = nil
	c.mu.Unlock()
	return nil
}

// GetProfile fetches the public statistics of username
func (c *HTTPClient) GetProfile(ctx context.Context, username string) (*Profile, error) {
	settings, err := c.GetSettings()
	if err != nil {
		return nil, err
	}

	var out ProfileResponse
	if err := c.doJSON(ctx, GetProfilePath(username), settingsEnvelope{Settings: settings}, &out); err != nil {
		return nil, err
	}
	if out.RequiresToLogin {
		c.logger.WarnWithFields("Authentication required for profile", map[string]interface{}{
			"target": username,
		})
		return nil, errs.New(errs.ErrorTypeLoginRequired, "session is no longer accepted")
	}
	if len(out.Settings) > 0 {
		if err := c.SetSettings(out.Settings); err != nil {
			return nil, err
		}
	}
	if out.User.Username == "" {
		out.User.Username = username
	}
	return &out.User, nil
}

// GetHighlights lists the story highlights of username
func (c *HTTPClient) GetHighlights(ctx context.Context, username string) ([]Highlight, error) {
	settings, err := c.GetSettings()
	if err != nil {
		return nil, err
	}

	var out HighlightsResponse
	if err := c.doJSON(ctx, GetHighlightsPath(username), settingsEnvelope{Settings: settings}, &out); err != nil {
		return nil, err
	}
	if out.RequiresToLogin {
		c.logger.WarnWithFields("Authentication required for highlights", map[string]interface{}{
			"target": username,
		})
		return nil, errs.New(errs.ErrorTypeLoginRequired, "session is no longer accepted")
	}
	if len(out.Settings) > 0 {
		if err := c.SetSettings(out.Settings); err != nil {
			return nil, err
		}
	}
	return out.Highlights, nil
}

// Close releases pooled connections
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

// doJSON posts in to path and decodes a 2xx reply into out
func (c *HTTPClient) doJSON(ctx context.Context, path string, in, out interface{}) error {
	if err := c.pause(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeUnknown, "failed to encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(c.opts.BaseURL, path), bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.ErrorTypeUnknown, "failed to create request", err)
	}

	resp, err := c.doRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.Wrap(errs.ErrorTypeProxyConnect, "failed to read response body", err)
	}
	if err := c.checkResponseStatus(resp, data); err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		preview := string(data)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		c.logger.ErrorWithFields("Failed to parse bridge response", map[string]interface{}{
			"path":         path,
			"status":       resp.StatusCode,
			"error":        err.Error(),
			"body_preview": preview,
		})
		return errs.Wrap(errs.ErrorTypeUnknown, "failed to parse response", err)
	}
	return nil
}

// doRequest performs an HTTP request with the configured headers
func (c *HTTPClient) doRequest(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	client := c.httpClient
	proxyURL := c.proxyURL
	c.mu.Unlock()

	start := time.Now()
	c.logger.DebugWithFields("Sending bridge request", map[string]interface{}{
		"method": req.Method,
		"path":   req.URL.Path,
	})

	resp, err := client.Do(req)
	duration := time.Since(start)

	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.ErrorWithFields("Bridge request failed", map[string]interface{}{
			"method":   req.Method,
			"path":     req.URL.Path,
			"proxy":    logger.MaskProxy(proxyURL),
			"error":    err.Error(),
			"duration": duration,
		})
		return nil, errs.Wrap(errs.ErrorTypeProxyConnect, "request through proxy failed", err)
	}

	c.logger.DebugWithFields("Bridge request completed", map[string]interface{}{
		"method":   req.Method,
		"path":     req.URL.Path,
		"status":   resp.StatusCode,
		"duration": duration,
	})
	return resp, nil
}

// checkResponseStatus maps bridge replies to typed errors
func (c *HTTPClient) checkResponseStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var detail errorResponse
	_ = json.Unmarshal(body, &detail)
	fields := map[string]interface{}{
		"status":     resp.StatusCode,
		"path":       resp.Request.URL.Path,
		"error_type": detail.ErrorType,
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		c.logger.WarnWithFields("Upstream login required", fields)
		return errs.New(errs.ErrorTypeLoginRequired, "upstream session is not valid")
	case http.StatusBadRequest, http.StatusForbidden:
		c.logger.WarnWithFields("Upstream rejected request", fields)
		switch detail.ErrorType {
		case bridgeChallengeRequired:
			return errs.New(errs.ErrorTypeChallenge, "verification challenge required")
		case bridgeLoginRequired:
			return errs.New(errs.ErrorTypeLoginRequired, "upstream session is not valid")
		case bridgeBadPassword:
			return errs.New(errs.ErrorTypeAuthFailed, "credentials rejected")
		default:
			return errs.New(errs.ErrorTypeAuthFailed, fmt.Sprintf("request rejected with status %d", resp.StatusCode))
		}
	case http.StatusNotFound:
		c.logger.WarnWithFields("Resource not found", fields)
		return errs.New(errs.ErrorTypeInvalidInput, "profile not found")
	case http.StatusTooManyRequests:
		c.logger.WarnWithFields("Upstream throttled", fields)
		return errs.New(errs.ErrorTypeUpstreamThrottled, "upstream rate limit")
	case http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusProxyAuthRequired:
		c.logger.ErrorWithFields("Proxy gateway error", fields)
		return errs.New(errs.ErrorTypeProxyConnect, fmt.Sprintf("proxy returned status %d", resp.StatusCode))
	default:
		c.logger.ErrorWithFields("Unexpected bridge error", fields)
		return errs.New(errs.ErrorTypeUnknown, fmt.Sprintf("unexpected status code: %d", resp.StatusCode))
	}
}

// pause waits a random delay in [DelayMin, DelayMax] before a request
func (c *HTTPClient) pause(ctx context.Context) error {
	lo, hi := c.opts.DelayMin, c.opts.DelayMax
	if hi <= 0 {
		return nil
	}
	d := lo
	if hi > lo {
		d += time.Duration(rand.Int63n(int64(hi - lo)))
	}
	return retry.Wait(ctx, d)
}
