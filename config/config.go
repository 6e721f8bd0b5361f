// Package config loads and validates the TOML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kitemail/kite/logger"
)

// Config is the root of the configuration file.
type Config struct {
	Logging  logger.Config  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Limits   LimitsConfig   `toml:"limits"`
	POP3     POP3Config     `toml:"pop3"`
	Delivery DeliveryConfig `toml:"delivery"`
	Status   StatusConfig   `toml:"status"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Name         string `toml:"name"`
	TLSMode      bool   `toml:"tls"`
	MaxConns     int    `toml:"max_conns"`
	MinConns     int    `toml:"min_conns"`
	QueryTimeout string `toml:"query_timeout"` // e.g. "30s"
}

// GetQueryTimeout parses the per-query timeout, defaulting to 30s.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	return parseDuration(d.QueryTimeout, 30*time.Second)
}

// URL builds a pgx connection string from the endpoint settings.
func (d *DatabaseConfig) URL() string {
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, port, d.Name, sslMode)
}

// AuthConfig holds the authentication pipeline settings shared by every
// protocol front-end.
type AuthConfig struct {
	// Result cache. TTLs are deliberately short (seconds) so that
	// revocation and scope changes propagate promptly.
	CachePositiveTTL string `toml:"cache_positive_ttl"` // default "30s"
	CacheNegativeTTL string `toml:"cache_negative_ttl"` // default "15s"
	CacheMaxSize     int    `toml:"cache_max_size"`     // default 10000

	// Rate limiter, tracked per (client address, protocol).
	MaxFailures   int    `toml:"max_failures"`   // default 10
	FailureWindow string `toml:"failure_window"` // default "15m"
	BlockDuration string `toml:"block_duration"` // default "5m"

	// Background task queue draining non-critical store writes.
	TaskQueueSize int `toml:"task_queue_size"` // default 1024
}

func (a *AuthConfig) GetCachePositiveTTL() (time.Duration, error) {
	return parseDuration(a.CachePositiveTTL, 30*time.Second)
}

func (a *AuthConfig) GetCacheNegativeTTL() (time.Duration, error) {
	return parseDuration(a.CacheNegativeTTL, 15*time.Second)
}

func (a *AuthConfig) GetFailureWindow() (time.Duration, error) {
	return parseDuration(a.FailureWindow, 15*time.Minute)
}

func (a *AuthConfig) GetBlockDuration() (time.Duration, error) {
	return parseDuration(a.BlockDuration, 5*time.Minute)
}

// LimitsConfig bounds per-connection resources.
type LimitsConfig struct {
	MaxConnectionsPerUser int    `toml:"max_connections_per_user"` // default 10
	MaxLineLength         int    `toml:"max_line_length"`          // default 8192
	IdleTimeout           string `toml:"idle_timeout"`             // default "5m"
}

func (l *LimitsConfig) GetIdleTimeout() (time.Duration, error) {
	return parseDuration(l.IdleTimeout, 5*time.Minute)
}

// POP3Config holds POP3 session settings.
type POP3Config struct {
	// MaxDeletions bounds the per-session deletion mark set. Marks past
	// the bound are rejected per-command, not silently dropped.
	MaxDeletions int `toml:"max_deletions"` // default 4096
}

// DeliveryConfig drives the outbound delivery processor.
type DeliveryConfig struct {
	Hostname       string `toml:"hostname"`        // HELO/Message-ID hostname
	Interval       string `toml:"interval"`        // default "30s"
	BatchSize      int    `toml:"batch_size"`      // default 50
	Concurrency    int    `toml:"concurrency"`     // default 5
	MaxRetries     int    `toml:"max_retries"`     // default 8
	RetryBase      string `toml:"retry_base"`      // default "1m"
	RetryMax       string `toml:"retry_max"`       // default "1h"
	StallThreshold string `toml:"stall_threshold"` // default "15m"
	ConnectTimeout string `toml:"connect_timeout"` // default "1m"

	// Smarthost relays all outbound mail through one host instead of
	// resolving MX records. Credentials enable AUTH PLAIN.
	Smarthost         string `toml:"smarthost"` // host:port, empty = direct MX
	SmarthostUser     string `toml:"smarthost_user"`
	SmarthostPassword string `toml:"smarthost_password"`

	// Nameservers override /etc/resolv.conf for MX lookups.
	Nameservers []string `toml:"nameservers"`
}

func (d *DeliveryConfig) GetInterval() (time.Duration, error) {
	return parseDuration(d.Interval, 30*time.Second)
}

func (d *DeliveryConfig) GetRetryBase() (time.Duration, error) {
	return parseDuration(d.RetryBase, time.Minute)
}

func (d *DeliveryConfig) GetRetryMax() (time.Duration, error) {
	return parseDuration(d.RetryMax, time.Hour)
}

func (d *DeliveryConfig) GetStallThreshold() (time.Duration, error) {
	return parseDuration(d.StallThreshold, 15*time.Minute)
}

func (d *DeliveryConfig) GetConnectTimeout() (time.Duration, error) {
	return parseDuration(d.ConnectTimeout, time.Minute)
}

// StatusConfig configures the HTTP status/metrics listener.
type StatusConfig struct {
	Addr string `toml:"addr"` // e.g. ":9090", empty disables the listener
}

// Default returns a configuration with every default applied.
func Default() Config {
	return Config{
		Logging: logger.Config{Output: "stdout", Level: "info", Format: "console"},
		Auth: AuthConfig{
			CacheMaxSize:  10000,
			MaxFailures:   10,
			TaskQueueSize: 1024,
		},
		Limits: LimitsConfig{
			MaxConnectionsPerUser: 10,
			MaxLineLength:         8192,
		},
		POP3: POP3Config{MaxDeletions: 4096},
		Delivery: DeliveryConfig{
			BatchSize:   50,
			Concurrency: 5,
			MaxRetries:  8,
		},
	}
}

// Load reads and validates the configuration file at path. Missing
// values fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := Parse(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML data over cfg and validates the result.
func Parse(data string, cfg *Config) error {
	meta, err := toml.Decode(data, cfg)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown configuration keys: %v", undecoded)
	}
	return cfg.Validate()
}

// Validate checks settings that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.Limits.MaxLineLength < 0 {
		return fmt.Errorf("limits.max_line_length must not be negative")
	}
	if c.Delivery.BatchSize <= 0 {
		return fmt.Errorf("delivery.batch_size must be positive")
	}
	if c.Delivery.Concurrency <= 0 {
		return fmt.Errorf("delivery.concurrency must be positive")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must not be negative")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"auth.cache_positive_ttl", c.Auth.CachePositiveTTL},
		{"auth.cache_negative_ttl", c.Auth.CacheNegativeTTL},
		{"auth.failure_window", c.Auth.FailureWindow},
		{"auth.block_duration", c.Auth.BlockDuration},
		{"limits.idle_timeout", c.Limits.IdleTimeout},
		{"delivery.interval", c.Delivery.Interval},
		{"delivery.retry_base", c.Delivery.RetryBase},
		{"delivery.retry_max", c.Delivery.RetryMax},
		{"delivery.stall_threshold", c.Delivery.StallThreshold},
		{"delivery.connect_timeout", c.Delivery.ConnectTimeout},
		{"database.query_timeout", c.Database.QueryTimeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", field.name, err)
		}
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
