// Package config provides configuration loading and validation for the
// streaming proxy, per spec section 6.5.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure loaded from proxy.yaml.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Secret  string        `yaml:"secret"`
	Allowlist []string    `yaml:"allowlist"`
	Stream  StreamConfig  `yaml:"stream"`
	Pipe    PipeConfig    `yaml:"pipe"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the proxy's HTTP listener. Changing these fields
// requires a process restart; they are not part of the hot-reloadable
// Dynamic set.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig configures the append-only store the proxy writes frames to.
type StoreConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// StreamConfig configures stream and capability lifetimes, per spec
// section 6.5. Holder.Reload swaps all three fields into Dynamic, but the
// HTTP handler reads TTLSeconds and URLTTLSeconds once at startup, so a
// change to them takes effect only after a restart; MaxResponseBytes is
// applied to the pipe on reload.
type StreamConfig struct {
	TTLSeconds        int64 `yaml:"ttl_seconds"`
	URLTTLSeconds     int64 `yaml:"url_ttl_seconds"`
	MaxResponseBytes  int64 `yaml:"max_response_bytes"`
}

// PipeConfig configures the upstream pipe's batching and timeout policy,
// per spec section 4.D / 5. All fields are hot-reloadable.
type PipeConfig struct {
	BatchSizeBytes    int   `yaml:"batch_size_bytes"`
	BatchTimeMs       int64 `yaml:"batch_time_ms"`
	InactivityMs      int64 `yaml:"inactivity_ms"`
	StartupTimeoutMs  int64 `yaml:"startup_timeout_ms"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Environment variable names for bootstrap-only overrides (spec section
// 1.1): these are read once at startup and never hot-reloaded.
const (
	EnvListenAddr = "STREAMPROXY_LISTEN_ADDR"
	EnvSecret     = "STREAMPROXY_SECRET"
	EnvStoreURL   = "STREAMPROXY_STORE_URL"
	EnvLogLevel   = "STREAMPROXY_LOG_LEVEL"
)

// Load reads, expands, defaults, and validates a proxy.yaml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		host, port, err := splitHostPort(v)
		if err == nil {
			cfg.Server.Host = host
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv(EnvSecret); v != "" {
		cfg.Secret = v
	}
	if v := os.Getenv(EnvStoreURL); v != "" {
		cfg.Store.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Store.Timeout == 0 {
		cfg.Store.Timeout = 30 * time.Second
	}
	if cfg.Store.DialTimeout == 0 {
		cfg.Store.DialTimeout = 10 * time.Second
	}
	if cfg.Store.IdleConnTimeout == 0 {
		cfg.Store.IdleConnTimeout = 90 * time.Second
	}

	if cfg.Stream.TTLSeconds == 0 {
		cfg.Stream.TTLSeconds = 86400
	}
	if cfg.Stream.URLTTLSeconds == 0 {
		cfg.Stream.URLTTLSeconds = 604800
	}
	if cfg.Stream.MaxResponseBytes == 0 {
		cfg.Stream.MaxResponseBytes = 100 * 1024 * 1024
	}

	if cfg.Pipe.BatchSizeBytes == 0 {
		cfg.Pipe.BatchSizeBytes = 4096
	}
	if cfg.Pipe.BatchTimeMs == 0 {
		cfg.Pipe.BatchTimeMs = 50
	}
	if cfg.Pipe.InactivityMs == 0 {
		cfg.Pipe.InactivityMs = 600000
	}
	if cfg.Pipe.StartupTimeoutMs == 0 {
		cfg.Pipe.StartupTimeoutMs = 60000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

func validate(cfg *Config) error {
	if cfg.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if cfg.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if cfg.Stream.TTLSeconds <= 0 {
		return fmt.Errorf("stream.ttl_seconds must be positive")
	}
	if cfg.Stream.URLTTLSeconds <= 0 {
		return fmt.Errorf("stream.url_ttl_seconds must be positive")
	}
	if cfg.Pipe.BatchSizeBytes <= 0 {
		return fmt.Errorf("pipe.batch_size_bytes must be positive")
	}
	if cfg.Pipe.BatchTimeMs <= 0 {
		return fmt.Errorf("pipe.batch_time_ms must be positive")
	}
	if cfg.Pipe.InactivityMs <= 0 {
		return fmt.Errorf("pipe.inactivity_ms must be positive")
	}
	if cfg.Pipe.StartupTimeoutMs <= 0 {
		return fmt.Errorf("pipe.startup_timeout_ms must be positive")
	}
	for i, pattern := range cfg.Allowlist {
		if pattern == "" {
			return fmt.Errorf("allowlist[%d] must not be empty", i)
		}
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := splitLastColon(addr)
	if err != nil {
		return "", 0, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}

func splitLastColon(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("missing port in address %q", addr)
}

// BatchInterval returns Pipe.BatchTimeMs as a time.Duration.
func (c PipeConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchTimeMs) * time.Millisecond
}

// InactivityTimeout returns Pipe.InactivityMs as a time.Duration.
func (c PipeConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityMs) * time.Millisecond
}

// StartupTimeout returns Pipe.StartupTimeoutMs as a time.Duration.
func (c PipeConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutMs) * time.Millisecond
}

// TTL returns Stream.TTLSeconds as a time.Duration.
func (c StreamConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// URLTTL returns Stream.URLTTLSeconds as a time.Duration.
func (c StreamConfig) URLTTL() time.Duration {
	return time.Duration(c.URLTTLSeconds) * time.Second
}

// Addr returns the "host:port" listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
