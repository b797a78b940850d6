// Package config loads the socket transport configuration from YAML.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete transport configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Socket  SocketConfig  `yaml:"socket"`
	Backoff BackoffConfig `yaml:"backoff_ms"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// ServerConfig locates the messaging backend.
type ServerConfig struct {
	URL       string `yaml:"url"`        // https:// or wss:// base URL
	Proxy     string `yaml:"proxy"`      // optional CONNECT proxy URL
	UserAgent string `yaml:"user_agent"` // sent on every handshake
}

// SocketConfig tunes connection and request handling.
type SocketConfig struct {
	ConnectTimeoutMS          int   `yaml:"connect_timeout_ms"`           // handshake ceiling
	RequestTimeoutMS          int   `yaml:"request_timeout_ms"`           // default per-call ceiling
	KeepAliveIntervalMS       int   `yaml:"keepalive_interval_ms"`        // idle probe period
	KeepAliveTimeoutMS        int   `yaml:"keepalive_timeout_ms"`         // probe answer ceiling
	UnauthExpiryMS            int   `yaml:"unauth_expiry_ms"`             // unauthenticated socket rotation
	ReconnectOnAmbiguousClose *bool `yaml:"reconnect_on_ambiguous_close"` // nil means true
}

// BackoffConfig shapes the reconnect delay sequence.
type BackoffConfig struct {
	Base int `yaml:"base"` // first delay in milliseconds
	Max  int `yaml:"max"`  // sequence ceiling in milliseconds
}

// BreakerConfig tunes the circuit breaker guarding demand-driven dials.
type BreakerConfig struct {
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"` // failures to open
	CooldownMS          int    `yaml:"cooldown_ms"`          // open state duration
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			UserAgent: "Courier/1.0",
		},
		Socket: SocketConfig{
			ConnectTimeoutMS:    10_000,
			RequestTimeoutMS:    10_000,
			KeepAliveIntervalMS: 55_000,
			KeepAliveTimeoutMS:  30_000,
			UnauthExpiryMS:      int((5 * time.Minute).Milliseconds()),
		},
		Backoff: BackoffConfig{Base: 1_000, Max: 60_000},
		Breaker: BreakerConfig{ConsecutiveFailures: 5, CooldownMS: 30_000},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server url cannot be empty")
	}
	if _, err := url.Parse(c.Server.URL); err != nil {
		return fmt.Errorf("server url: %w", err)
	}
	if c.Server.Proxy != "" {
		if _, err := url.Parse(c.Server.Proxy); err != nil {
			return fmt.Errorf("server proxy: %w", err)
		}
	}
	if c.Socket.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("connect_timeout_ms must be positive, got %d", c.Socket.ConnectTimeoutMS)
	}
	if c.Socket.RequestTimeoutMS <= 0 {
		return fmt.Errorf("request_timeout_ms must be positive, got %d", c.Socket.RequestTimeoutMS)
	}
	if c.Socket.UnauthExpiryMS <= 0 {
		return fmt.Errorf("unauth_expiry_ms must be positive, got %d", c.Socket.UnauthExpiryMS)
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		return fmt.Errorf("backoff_ms base/max out of order: base=%d max=%d", c.Backoff.Base, c.Backoff.Max)
	}
	return nil
}

// ReconnectOnAmbiguousCloseEnabled resolves the optional policy knob; unset
// means reconnect, the historical default.
func (s SocketConfig) ReconnectOnAmbiguousCloseEnabled() bool {
	if s.ReconnectOnAmbiguousClose == nil {
		return true
	}
	return *s.ReconnectOnAmbiguousClose
}

// Duration helpers.

func (s SocketConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutMS) * time.Millisecond
}

func (s SocketConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

func (s SocketConfig) KeepAliveInterval() time.Duration {
	return time.Duration(s.KeepAliveIntervalMS) * time.Millisecond
}

func (s SocketConfig) KeepAliveTimeout() time.Duration {
	return time.Duration(s.KeepAliveTimeoutMS) * time.Millisecond
}

func (s SocketConfig) UnauthExpiry() time.Duration {
	return time.Duration(s.UnauthExpiryMS) * time.Millisecond
}

func (b BackoffConfig) BaseDuration() time.Duration {
	return time.Duration(b.Base) * time.Millisecond
}

func (b BackoffConfig) MaxDuration() time.Duration {
	return time.Duration(b.Max) * time.Millisecond
}

func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownMS) * time.Millisecond
}
