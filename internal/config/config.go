// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ErrNoConfig is returned by Load when no config file exists at any search
// path and none was given explicitly. Callers with a sensible fallback (the
// installer) test for it with errors.Is; every other Load failure means a
// config file exists but is unusable.
var ErrNoConfig = errors.New("no config file found")

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/s3front/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Serve   ServeCmd   `kong:"cmd,default='withargs',help='Run the proxy (default).'"`
	Install InstallCmd `kong:"cmd,help='Provision the proxy onto this host.'"`
}

// ServeCmd runs the proxy server. It has no flags of its own.
type ServeCmd struct{}

// InstallCmd provisions config, run scripts and the engine package. No flags.
type InstallCmd struct{}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	AccessLog AccessLogConfig `toml:"access_log"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                 string          `toml:"host"`
	Port                 int             `toml:"port"` // 0 means "use default" (39998); TOML cannot distinguish 0 from unset
	BodyMaxBytes         int64           `toml:"body_max_bytes"`
	ShutdownGraceSeconds int             `toml:"shutdown_grace_seconds"`
	RateLimit            RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds the storage-worker upstream and the path rewrite rule.
type UpstreamConfig struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"` // 0 means "use default" (39999)
	PathPrefix            string `toml:"path_prefix"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	SendTimeoutSeconds    int    `toml:"send_timeout_seconds"`
	ReadTimeoutSeconds    int    `toml:"read_timeout_seconds"`
	IdleConnections       int    `toml:"idle_connections"`
}

// AccessLogConfig holds the per-request access log settings.
type AccessLogConfig struct {
	// Path is the access log file. Empty disables the access log.
	Path string `toml:"path"`
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
// /etc/s3front/config.toml then configs/config.toml.
//
// Load is deterministic for a given file content and CLI: it returns either
// a fully validated config or an error, never a partial config.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: %w (searched %v)", ErrNoConfig, configSearchPaths)
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with every field at its default value. Used by
// the installer when no config file exists yet.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Ports. The listen and upstream ports must differ or the proxy
	// would forward to itself.
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1–65535; got %d", c.Server.Port)
	}
	if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port must be 1–65535; got %d", c.Upstream.Port)
	}
	if c.Server.Port == c.Upstream.Port {
		return fmt.Errorf("server.port and upstream.port must differ; both are %d", c.Server.Port)
	}

	// Upstream host and rewrite rule.
	if strings.ContainsAny(c.Upstream.Host, " /:") {
		return fmt.Errorf("upstream.host must be a bare hostname or IP; got %q", c.Upstream.Host)
	}
	if c.Upstream.PathPrefix[0] != '/' {
		return fmt.Errorf("upstream.path_prefix must start with '/'; got %q", c.Upstream.PathPrefix)
	}

	// Numeric bounds.
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("server.shutdown_grace_seconds must be non-negative; got %d", c.Server.ShutdownGraceSeconds)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.SendTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.send_timeout_seconds must be non-negative; got %d", c.Upstream.SendTimeoutSeconds)
	}
	if c.Upstream.ReadTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.read_timeout_seconds must be non-negative; got %d", c.Upstream.ReadTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
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
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (39998).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 39998
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024 * 1024 // 64 MB, sized for multipart S3 uploads
	}
	if c.Server.ShutdownGraceSeconds == 0 {
		c.Server.ShutdownGraceSeconds = 30
	}
	if c.Upstream.Host == "" {
		c.Upstream.Host = "127.0.0.1"
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = 39999
	}
	if c.Upstream.PathPrefix == "" {
		c.Upstream.PathPrefix = "/api/v1/s3"
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.SendTimeoutSeconds == 0 {
		c.Upstream.SendTimeoutSeconds = 60
	}
	if c.Upstream.ReadTimeoutSeconds == 0 {
		c.Upstream.ReadTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
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

// ShutdownGrace returns the drain deadline used when stopping the server.
func (c *ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Addr returns the upstream address as host:port.
func (c *UpstreamConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectTimeout bounds upstream connection establishment.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// SendTimeout bounds writing the request to the upstream.
func (c *UpstreamConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// ReadTimeout bounds waiting for the first byte of the upstream response.
func (c *UpstreamConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
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
