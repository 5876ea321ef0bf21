// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/apifetch-gateway/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	SiteURL  string `kong:"name='site-url',help='Site URL (overrides config).',env='SITE_URL'"`
	Nonce    string `kong:"help='Initial REST nonce (overrides config).',env='WP_NONCE'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Serve ServeCmd `kong:"cmd,default='1',help='Run the gateway server.'"`
	Fetch FetchCmd `kong:"cmd,help='Send one request through the pipeline and print the response.'"`
}

// ServeCmd runs the gateway. It takes no arguments of its own.
type ServeCmd struct{}

// FetchCmd describes a one-shot request.
type FetchCmd struct {
	Path    string   `kong:"arg,help='API path, e.g. /wp/v2/posts?per_page=-1.'"`
	Method  string   `kong:"short='X',default='GET',help='HTTP method.'"`
	Data    string   `kong:"short='d',help='JSON request body.'"`
	Header  []string `kong:"short='H',help='Extra header as Name: value. Repeatable.'"`
	BatchAs string   `kong:"name='batch-as',help='Batch group for mutating requests.'"`
	Raw     bool     `kong:"help='Print the upstream response without decoding it.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Site    SiteConfig    `toml:"site"`
	Fetch   FetchConfig   `toml:"fetch"`
	Batch   BatchConfig   `toml:"batch"`
	Media   MediaConfig   `toml:"media"`
	Preload PreloadConfig `toml:"preload"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// SiteConfig describes the REST API the pipeline talks to.
type SiteConfig struct {
	URL string `toml:"url"`
	// RootURL is the API root; defaults to URL + "/wp-json/".
	RootURL string `toml:"root_url"`
	Nonce   string `toml:"nonce"`
	// NonceEndpoint returns a fresh nonce as plain text. Relative values
	// resolve against URL. Empty disables nonce refresh.
	NonceEndpoint    string            `toml:"nonce_endpoint"`
	ThemePreviewPath string            `toml:"theme_preview_path"`
	PreloadFile      string            `toml:"preload_file"`
	Cookies          map[string]string `toml:"cookies"`
}

// FetchConfig holds outbound pipeline settings.
type FetchConfig struct {
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	IdleConnections   int     `toml:"idle_connections"`
	RequestsPerSecond float64 `toml:"requests_per_second"` // 0 disables outbound limiting
	Burst             int     `toml:"burst"`
	MaxNonceRetries   int     `toml:"max_nonce_retries"`
}

// BatchConfig controls request batching.
type BatchConfig struct {
	Enabled  bool     `toml:"enabled"`
	Endpoint string   `toml:"endpoint"`
	WindowMS int      `toml:"window_ms"`
	MaxSize  int      `toml:"max_size"`
	Paths    []string `toml:"paths"`
}

// MediaConfig controls media upload recovery.
type MediaConfig struct {
	Disabled     bool `toml:"disabled"`
	MaxRetries   int  `toml:"max_retries"`
	RetryDelayMS int  `toml:"retry_delay_ms"`
}

// PreloadConfig controls the preloaded response cache.
type PreloadConfig struct {
	TTLSeconds int `toml:"ttl_seconds"` // 0 keeps entries until used
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/apifetch-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.SiteURL != "" {
		c.Site.URL = cli.SiteURL
	}
	if cli.Nonce != "" {
		c.Site.Nonce = cli.Nonce
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Site.Nonce == "YOUR_NONCE_HERE" {
		return fmt.Errorf("site.nonce contains placeholder value; set a real nonce or leave empty and configure site.nonce_endpoint")
	}

	// Site URL: required and absolute.
	if c.Site.URL == "" {
		return fmt.Errorf("site.url is required")
	}
	if err := checkHTTPURL("site.url", c.Site.URL); err != nil {
		return err
	}
	if c.Site.RootURL != "" {
		if err := checkHTTPURL("site.root_url", c.Site.RootURL); err != nil {
			return err
		}
	}
	if c.Site.NonceEndpoint != "" {
		if _, err := url.Parse(c.Site.NonceEndpoint); err != nil {
			return fmt.Errorf("site.nonce_endpoint is not a valid URL: %w", err)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit.burst must be non-negative; got %d", c.Server.RateLimit.Burst)
	}
	if c.Fetch.TimeoutSeconds < 0 {
		return fmt.Errorf("fetch.timeout_seconds must be non-negative; got %d", c.Fetch.TimeoutSeconds)
	}
	if c.Fetch.IdleConnections < 0 {
		return fmt.Errorf("fetch.idle_connections must be non-negative; got %d", c.Fetch.IdleConnections)
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return fmt.Errorf("fetch.requests_per_second must be non-negative; got %v", c.Fetch.RequestsPerSecond)
	}
	if c.Fetch.Burst < 0 {
		return fmt.Errorf("fetch.burst must be non-negative; got %d", c.Fetch.Burst)
	}
	if c.Fetch.MaxNonceRetries < 0 {
		return fmt.Errorf("fetch.max_nonce_retries must be non-negative; got %d", c.Fetch.MaxNonceRetries)
	}
	if c.Batch.WindowMS < 0 {
		return fmt.Errorf("batch.window_ms must be non-negative; got %d", c.Batch.WindowMS)
	}
	if c.Batch.MaxSize < 0 {
		return fmt.Errorf("batch.max_size must be non-negative; got %d", c.Batch.MaxSize)
	}
	if c.Batch.Endpoint != "" && !strings.HasPrefix(c.Batch.Endpoint, "/") {
		return fmt.Errorf("batch.endpoint must be an API path starting with '/'; got %q", c.Batch.Endpoint)
	}
	if c.Media.MaxRetries < 0 {
		return fmt.Errorf("media.max_retries must be non-negative; got %d", c.Media.MaxRetries)
	}
	if c.Media.RetryDelayMS < 0 {
		return fmt.Errorf("media.retry_delay_ms must be non-negative; got %d", c.Media.RetryDelayMS)
	}
	if c.Preload.TTLSeconds < 0 {
		return fmt.Errorf("preload.ttl_seconds must be non-negative; got %d", c.Preload.TTLSeconds)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/wp-json", "/fetch", "/healthz", "/gateway/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func checkHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%s must use http or https; got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Site.RootURL == "" {
		c.Site.RootURL = strings.TrimSuffix(c.Site.URL, "/") + "/wp-json/"
	}
	if c.Fetch.TimeoutSeconds == 0 {
		c.Fetch.TimeoutSeconds = 30
	}
	if c.Fetch.IdleConnections == 0 {
		c.Fetch.IdleConnections = 100
	}
	if c.Fetch.RequestsPerSecond > 0 && c.Fetch.Burst == 0 {
		c.Fetch.Burst = 1
	}
	if c.Fetch.MaxNonceRetries == 0 {
		c.Fetch.MaxNonceRetries = 1
	}
	if c.Batch.Endpoint == "" {
		c.Batch.Endpoint = "/batch/v1"
	}
	if c.Batch.WindowMS == 0 {
		c.Batch.WindowMS = 1000
	}
	if c.Batch.MaxSize == 0 {
		c.Batch.MaxSize = 20
	}
	if c.Media.MaxRetries == 0 {
		c.Media.MaxRetries = 5
	}
	if c.Media.RetryDelayMS == 0 {
		c.Media.RetryDelayMS = 500
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the per-request upstream timeout.
func (c *FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Window returns how long a batch stays open.
func (c *BatchConfig) Window() time.Duration {
	return time.Duration(c.WindowMS) * time.Millisecond
}

// RetryDelay returns the pause between post-processing attempts.
func (c *MediaConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// TTL returns how long preloaded responses stay valid.
func (c *PreloadConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// NonceURL resolves the nonce endpoint against the site URL.
func (c *SiteConfig) NonceURL() string {
	if c.NonceEndpoint == "" {
		return ""
	}
	ref, err := url.Parse(c.NonceEndpoint)
	if err != nil {
		return c.NonceEndpoint
	}
	base, err := url.Parse(c.URL)
	if err != nil {
		return c.NonceEndpoint
	}
	return base.ResolveReference(ref).String()
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may hold a nonce and session cookies.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
