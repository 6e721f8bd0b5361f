package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10, cfg.Limits.MaxConnectionsPerUser)
	assert.Equal(t, 8192, cfg.Limits.MaxLineLength)
	assert.Equal(t, 4096, cfg.POP3.MaxDeletions)
	assert.Equal(t, 50, cfg.Delivery.BatchSize)
	assert.Equal(t, 8, cfg.Delivery.MaxRetries)

	positiveTTL, err := cfg.Auth.GetCachePositiveTTL()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, positiveTTL)

	retryBase, err := cfg.Delivery.GetRetryBase()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, retryBase)

	stall, err := cfg.Delivery.GetStallThreshold()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, stall)
}

func TestParseOverridesDefaults(t *testing.T) {
	data := `
[logging]
level = "debug"
format = "json"

[database]
host = "db.internal"
user = "kite"
password = "pw"
name = "kite"

[auth]
max_failures = 5
block_duration = "10m"

[limits]
max_line_length = 2048

[delivery]
hostname = "mail.kite.test"
interval = "10s"
smarthost = "relay.kite.test:587"
smarthost_user = "relay"
smarthost_password = "pw"

[status]
addr = ":9090"
`
	cfg := Default()
	require.NoError(t, Parse(data, &cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Auth.MaxFailures)
	assert.Equal(t, 2048, cfg.Limits.MaxLineLength)
	assert.Equal(t, "relay.kite.test:587", cfg.Delivery.Smarthost)
	assert.Equal(t, ":9090", cfg.Status.Addr)

	// Untouched sections keep their defaults.
	assert.Equal(t, 4096, cfg.POP3.MaxDeletions)
	assert.Equal(t, 50, cfg.Delivery.BatchSize)

	interval, err := cfg.Delivery.GetInterval()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, interval)

	blockDuration, err := cfg.Auth.GetBlockDuration()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, blockDuration)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	err := Parse("[delivery]\nbatchsize = 10\n", &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown configuration keys")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"negative line length", "[limits]\nmax_line_length = -1\n"},
		{"zero batch size", "[delivery]\nbatch_size = 0\n"},
		{"zero concurrency", "[delivery]\nconcurrency = 0\n"},
		{"negative retries", "[delivery]\nmax_retries = -1\n"},
		{"bad duration", "[delivery]\ninterval = \"soon\"\n"},
		{"bad auth duration", "[auth]\nfailure_window = \"often\"\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			assert.Error(t, Parse(tc.data, &cfg))
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	d := DatabaseConfig{Host: "db.internal", User: "kite", Password: "pw", Name: "kitedb"}
	assert.Equal(t, "postgres://kite:pw@db.internal:5432/kitedb?sslmode=disable", d.URL())

	d.TLSMode = true
	d.Port = 5433
	assert.Equal(t, "postgres://kite:pw@db.internal:5433/kitedb?sslmode=require", d.URL())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pop3]\nmax_deletions = 100\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.POP3.MaxDeletions)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
