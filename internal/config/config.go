// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// RefererOrigin as upstream.referer sends the target's own origin as Referer.
const RefererOrigin = "origin"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/media-relay/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	UserAgent string `kong:"help='User-Agent sent upstream (overrides config).',env='RELAY_USER_AGENT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Relay    RelayConfig    `toml:"relay"`
	Stream   StreamConfig   `toml:"stream"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// UpstreamConfig holds outbound connection settings and the header set sent to origins.
type UpstreamConfig struct {
	TimeoutSeconds       int    `toml:"timeout_seconds"` // time to response headers, not total transfer
	IdleConnections      int    `toml:"idle_connections"`
	MaxRedirects         int    `toml:"max_redirects"`
	UserAgent            string `toml:"user_agent"`
	Accept               string `toml:"accept"`
	Referer              string `toml:"referer"` // "origin" means the target's own origin
	AllowPrivateNetworks bool   `toml:"allow_private_networks"`
}

// RelayConfig controls the response the relay builds for its clients.
type RelayConfig struct {
	DefaultFilename    string `toml:"default_filename"`
	DefaultContentType string `toml:"default_content_type"`
	CacheMaxAgeSeconds int    `toml:"cache_max_age_seconds"`
	// BufferThresholdBytes is the largest declared length served in buffered mode.
	// Negative disables buffering entirely.
	BufferThresholdBytes int64 `toml:"buffer_threshold_bytes"`
	// HeadFallbackLength is the Content-Length advertised when a HEAD probe fails.
	// Zero omits the header.
	HeadFallbackLength int64 `toml:"head_fallback_length"`
}

// StreamConfig tunes the stream pump.
type StreamConfig struct {
	ChunkSizeBytes int `toml:"chunk_size_bytes"`
	Depth          int `toml:"depth"`
	// StallTimeoutSeconds bounds a single upstream read. Negative disables it.
	StallTimeoutSeconds int `toml:"stall_timeout_seconds"`
}

// RewriteConfig toggles share-link rewriting.
type RewriteConfig struct {
	Disabled bool `toml:"disabled"`
}

// CORSConfig holds cross-origin settings.
type CORSConfig struct {
	AllowOrigin string `toml:"allow_origin"`
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
// /etc/media-relay/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.UserAgent != "" {
		c.Upstream.UserAgent = cli.UserAgent
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Relay.CacheMaxAgeSeconds < 0 {
		return fmt.Errorf("relay.cache_max_age_seconds must be non-negative; got %d", c.Relay.CacheMaxAgeSeconds)
	}
	if c.Relay.HeadFallbackLength < 0 {
		return fmt.Errorf("relay.head_fallback_length must be non-negative; got %d", c.Relay.HeadFallbackLength)
	}
	if c.Stream.ChunkSizeBytes < 0 {
		return fmt.Errorf("stream.chunk_size_bytes must be non-negative; got %d", c.Stream.ChunkSizeBytes)
	}
	if c.Stream.Depth < 0 {
		return fmt.Errorf("stream.depth must be non-negative; got %d", c.Stream.Depth)
	}

	if c.Upstream.Referer != "" && c.Upstream.Referer != RefererOrigin {
		u, err := url.Parse(c.Upstream.Referer)
		if err != nil {
			return fmt.Errorf("upstream.referer is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream.referer must be an http(s) URL; got %q", c.Upstream.Referer)
		}
	}

	if strings.ContainsAny(c.Relay.DefaultFilename, "\"\r\n") {
		return errors.New("relay.default_filename must not contain quotes or line breaks")
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
		for _, reserved := range []string{"/relay", "/api", "/healthz"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 10
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "WhatsApp/2.0"
	}
	if c.Upstream.Accept == "" {
		c.Upstream.Accept = "video/mp4,*/*;q=0.8"
	}
	if c.Upstream.Referer == "" {
		c.Upstream.Referer = "https://whatsapp.com/"
	}
	if c.Relay.DefaultFilename == "" {
		c.Relay.DefaultFilename = "movie.mp4"
	}
	if c.Relay.DefaultContentType == "" {
		c.Relay.DefaultContentType = "video/mp4"
	}
	if c.Relay.CacheMaxAgeSeconds == 0 {
		c.Relay.CacheMaxAgeSeconds = 86400
	}
	if c.Relay.BufferThresholdBytes == 0 {
		c.Relay.BufferThresholdBytes = 64 * 1024
	}
	if c.Stream.ChunkSizeBytes == 0 {
		c.Stream.ChunkSizeBytes = 32 * 1024
	}
	if c.Stream.Depth == 0 {
		c.Stream.Depth = 4
	}
	if c.Stream.StallTimeoutSeconds == 0 {
		c.Stream.StallTimeoutSeconds = 60
	}
	if c.CORS.AllowOrigin == "" {
		c.CORS.AllowOrigin = "*"
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

// FirstByteTimeout is the liveness bound for receiving upstream response headers.
func (c *UpstreamConfig) FirstByteTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StallTimeout returns the per-read stall bound, or 0 when disabled.
func (c *StreamConfig) StallTimeout() time.Duration {
	if c.StallTimeoutSeconds < 0 {
		return 0
	}
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// BufferingEnabled reports whether small payloads may be served in buffered mode.
func (c *RelayConfig) BufferingEnabled() bool {
	return c.BufferThresholdBytes > 0
}

// FilePath returns the config file the configuration was read from, if any.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
