package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the session gateway
type Config struct {
	// HTTP listener
	Server ServerConfig `yaml:"server" json:"server"`

	// Outbound proxy candidates and health checking
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// Session lifetime and probing
	Session SessionConfig `yaml:"session" json:"session"`

	// Persistence backend
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Per-user admission control
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Automation bridge the per-request clients talk to
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// Backoff used when connecting to the storage backend
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Prometheus metrics
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Scheduled maintenance jobs
	Jobs JobsConfig `yaml:"jobs" json:"jobs"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// PerIPRequestsPerSecond enables an additional per-client-IP limiter
	// in front of the routes. Zero disables it.
	PerIPRequestsPerSecond float64 `yaml:"per_ip_requests_per_second" json:"per_ip_requests_per_second"`
	PerIPBurst             int     `yaml:"per_ip_burst" json:"per_ip_burst"`
}

// ProxyConfig holds proxy pool configuration
type ProxyConfig struct {
	Addresses          []string      `yaml:"addresses" json:"addresses"`
	DefaultPort        int           `yaml:"default_port" json:"default_port"`
	Scheme             string        `yaml:"scheme" json:"scheme"`
	Selection          string        `yaml:"selection" json:"selection"`
	HealthCheckURL     string        `yaml:"health_check_url" json:"health_check_url"`
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout" json:"health_check_timeout"`
	CapacityPerProxy   int           `yaml:"capacity_per_proxy" json:"capacity_per_proxy"`
	SweepWorkers       int           `yaml:"sweep_workers" json:"sweep_workers"`
}

// SessionConfig holds session lifetime configuration
type SessionConfig struct {
	TTL            time.Duration `yaml:"ttl" json:"ttl"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	LoginTimeout   time.Duration `yaml:"login_timeout" json:"login_timeout"`
	EncryptAtRest  bool          `yaml:"encrypt_at_rest" json:"encrypt_at_rest"`
	PassphraseFile string        `yaml:"passphrase_file" json:"passphrase_file"`
	UseKeyring     bool          `yaml:"use_keyring" json:"use_keyring"`
}

// StorageConfig holds persistence backend configuration
type StorageConfig struct {
	Backend    string      `yaml:"backend" json:"backend"`
	Directory  string      `yaml:"directory" json:"directory"`
	SQLitePath string      `yaml:"sqlite_path" json:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string        `yaml:"address" json:"address"`
	Username string        `yaml:"username" json:"username"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	Prefix   string        `yaml:"prefix" json:"prefix"`
	LockTTL  time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	Window            time.Duration `yaml:"window" json:"window"`
}

// UpstreamConfig holds the automation bridge settings
type UpstreamConfig struct {
	BaseURL   string        `yaml:"base_url" json:"base_url"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	UserAgent string        `yaml:"user_agent" json:"user_agent"`
	DelayMin  time.Duration `yaml:"delay_min" json:"delay_min"`
	DelayMax  time.Duration `yaml:"delay_max" json:"delay_max"`
	// AuthToken is sent as a bearer token on every bridge request
	AuthToken string        `yaml:"auth_token,omitempty" json:"auth_token,omitempty"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	JitterFactor float64       `yaml:"jitter_factor" json:"jitter_factor"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// JobsConfig holds cron schedules for maintenance jobs. Empty disables a job.
type JobsConfig struct {
	ProxySweep   string `yaml:"proxy_sweep" json:"proxy_sweep"`
	LimiterSweep string `yaml:"limiter_sweep" json:"limiter_sweep"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			PerIPBurst:      20,
		},
		Proxy: ProxyConfig{
			DefaultPort:        6969,
			Scheme:             "http",
			Selection:          "ordered",
			HealthCheckURL:     "https://www.instagram.com/",
			HealthCheckTimeout: 10 * time.Second,
			CapacityPerProxy:   5,
			SweepWorkers:       4,
		},
		Session: SessionConfig{
			TTL:          24 * time.Hour,
			ProbeTimeout: 10 * time.Second,
			LoginTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:    "file",
			Directory:  "sessions",
			SQLitePath: "igsession.db",
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "igsession:",
				LockTTL: 30 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 5,
			Window:            time.Minute,
		},
		Upstream: UpstreamConfig{
			BaseURL:   "http://localhost:8081",
			Timeout:   30 * time.Second,
			UserAgent: "igsession/1.0",
		},
		Retry: RetryConfig{
			MaxAttempts:  5,
			BaseDelay:    500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Jobs: JobsConfig{
			ProxySweep:   "@every 5m",
			LimiterSweep: "@every 1m",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error

	if addr := os.Getenv("IGSESSION_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}

	// PROXY_IPS is the historical name; IGSESSION_PROXY_ADDRESSES wins when both are set
	if ips := os.Getenv("PROXY_IPS"); ips != "" {
		c.Proxy.Addresses = splitList(ips)
	}
	if addrs := os.Getenv("IGSESSION_PROXY_ADDRESSES"); addrs != "" {
		c.Proxy.Addresses = splitList(addrs)
	}
	if sel := os.Getenv("IGSESSION_PROXY_SELECTION"); sel != "" {
		c.Proxy.Selection = sel
	}
	if scheme := os.Getenv("IGSESSION_PROXY_SCHEME"); scheme != "" {
		c.Proxy.Scheme = scheme
	}

	if backend := os.Getenv("IGSESSION_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if dir := os.Getenv("IGSESSION_STORAGE_DIR"); dir != "" {
		c.Storage.Directory = dir
	}
	if path := os.Getenv("IGSESSION_SQLITE_PATH"); path != "" {
		c.Storage.SQLitePath = path
	}
	if addr := os.Getenv("IGSESSION_REDIS_ADDRESS"); addr != "" {
		c.Storage.Redis.Address = addr
	}
	if pass := os.Getenv("IGSESSION_REDIS_PASSWORD"); pass != "" {
		c.Storage.Redis.Password = pass
	}

	if rpm := os.Getenv("IGSESSION_REQUESTS_PER_MINUTE"); rpm != "" {
		val, err := strconv.Atoi(rpm)
		if err != nil {
			errs = append(errs, fmt.Errorf("IGSESSION_REQUESTS_PER_MINUTE: %w", err))
		} else {
			c.RateLimit.RequestsPerMinute = val
		}
	}
	if ttl := os.Getenv("IGSESSION_SESSION_TTL"); ttl != "" {
		val, err := time.ParseDuration(ttl)
		if err != nil {
			errs = append(errs, fmt.Errorf("IGSESSION_SESSION_TTL: %w", err))
		} else {
			c.Session.TTL = val
		}
	}
	if enc := os.Getenv("IGSESSION_ENCRYPT_AT_REST"); enc != "" {
		c.Session.EncryptAtRest = strings.ToLower(enc) == "true"
	}

	if upstream := os.Getenv("IGSESSION_UPSTREAM_URL"); upstream != "" {
		c.Upstream.BaseURL = upstream
	}
	if token := os.Getenv("IGSESSION_UPSTREAM_TOKEN"); token != "" {
		c.Upstream.AuthToken = token
	}

	if logLevel := os.Getenv("IGSESSION_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("IGSESSION_LOG_FORMAT"); logFormat != "" {
		c.Logging.Format = logFormat
	}

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".igsession.yaml",
		".igsession.yml",
		filepath.Join(home, ".config", "igsession", "config.yaml"),
		filepath.Join(home, ".config", "igsession", "config.yml"),
		"/etc/igsession/config.yaml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Address == "" {
		errs = append(errs, errors.New("server address is required"))
	}
	if c.Server.PerIPRequestsPerSecond < 0 {
		errs = append(errs, errors.New("per-IP requests per second cannot be negative"))
	}
	if c.Server.PerIPRequestsPerSecond > 0 && c.Server.PerIPBurst <= 0 {
		errs = append(errs, errors.New("per-IP burst must be positive when per-IP limiting is enabled"))
	}

	// Proxies
	if len(c.Proxy.Addresses) == 0 {
		errs = append(errs, errors.New("at least one proxy address is required"))
	}
	for _, addr := range c.Proxy.Endpoints() {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("invalid proxy address %q: %w", addr, err))
		}
	}
	switch strings.ToLower(c.Proxy.Scheme) {
	case "http", "https", "socks5":
	default:
		errs = append(errs, fmt.Errorf("unsupported proxy scheme %q", c.Proxy.Scheme))
	}
	switch strings.ToLower(c.Proxy.Selection) {
	case "ordered", "shuffled":
	default:
		errs = append(errs, fmt.Errorf("proxy selection must be ordered or shuffled, got %q", c.Proxy.Selection))
	}
	if u, err := url.Parse(c.Proxy.HealthCheckURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errors.New("proxy health check URL must be absolute"))
	}
	if c.Proxy.HealthCheckTimeout < time.Second || c.Proxy.HealthCheckTimeout > 30*time.Second {
		errs = append(errs, errors.New("proxy health check timeout must be between 1s and 30s"))
	}
	if c.Proxy.CapacityPerProxy <= 0 {
		errs = append(errs, errors.New("proxy capacity must be positive"))
	}
	if c.Proxy.SweepWorkers <= 0 {
		errs = append(errs, errors.New("sweep workers must be positive"))
	}

	// Sessions
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session TTL must be positive"))
	}
	if c.Session.ProbeTimeout <= 0 || c.Session.ProbeTimeout > 30*time.Second {
		errs = append(errs, errors.New("session probe timeout must be between 0 and 30s"))
	}
	if c.Session.LoginTimeout <= 0 {
		errs = append(errs, errors.New("login timeout must be positive"))
	}

	// Storage
	switch strings.ToLower(c.Storage.Backend) {
	case "memory":
	case "file":
		if c.Storage.Directory == "" {
			errs = append(errs, errors.New("storage directory is required for the file backend"))
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite path is required for the sqlite backend"))
		}
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("redis address is required for the redis backend"))
		}
		if c.Storage.Redis.LockTTL <= 0 {
			errs = append(errs, errors.New("redis lock TTL must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	// Rate limiting
	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}

	// Upstream
	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errors.New("upstream base URL must be absolute"))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream timeout must be positive"))
	}
	if c.Upstream.DelayMin < 0 || c.Upstream.DelayMax < c.Upstream.DelayMin {
		errs = append(errs, errors.New("upstream delay range is invalid"))
	}

	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("max retries cannot be negative"))
	}

	// Logging
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}
	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, errors.New("invalid log format"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Endpoints returns the proxy addresses as host:port, applying the default
// port to bare hosts.
func (p ProxyConfig) Endpoints() []string {
	out := make([]string, 0, len(p.Addresses))
	for _, addr := range p.Addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil && p.DefaultPort > 0 {
			addr = net.JoinHostPort(addr, strconv.Itoa(p.DefaultPort))
		}
		out = append(out, addr)
	}
	return out
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if addr, ok := flags["listen"].(string); ok && addr != "" {
		c.Server.Address = addr
	}
	if proxies, ok := flags["proxies"].([]string); ok && len(proxies) > 0 {
		c.Proxy.Addresses = proxies
	}
	if backend, ok := flags["storage"].(string); ok && backend != "" {
		c.Storage.Backend = backend
	}
	if upstream, ok := flags["upstream"].(string); ok && upstream != "" {
		c.Upstream.BaseURL = upstream
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat, ok := flags["log-format"].(string); ok && logFormat != "" {
		c.Logging.Format = logFormat
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".igsession.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Override with environment variables (includes values from .env)
	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
