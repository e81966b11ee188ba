package tracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
server:
  name: tracker-test
  transport: http
  address: ":9090"
database:
  enabled: true
  dsn: postgres://localhost/tracker?sslmode=disable
  max_open_conns: 25
sweeper:
  interval: 15s
  idle_timeout: 5m
  aging_fraction: 0.4
reconnect:
  default_ttl: 10m
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tracker-test", cfg.Server.Name)
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 15*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.IdleTimeout)
	assert.Equal(t, 0.4, cfg.Sweeper.AgingFraction)
	assert.Equal(t, 10*time.Minute, cfg.Reconnect.DefaultTTL)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfigFile(t, "server:\n  name: minimal\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Sweeper.IdleTimeout)
	assert.Equal(t, 0.5, cfg.Sweeper.AgingFraction)
	assert.Equal(t, 5*time.Minute, cfg.Reconnect.DefaultTTL)
	assert.False(t, cfg.Database.Enabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("TRACKER_TEST_DSN", "postgres://fromenv/tracker")

	path := writeConfigFile(t, `
database:
  enabled: true
  dsn: ${TRACKER_TEST_DSN}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://fromenv/tracker", cfg.Database.DSN)
}

func TestLoadConfig_FileMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not a map")

	_, err := LoadConfig(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name: "database without dsn",
			mutate: func(c *Config) {
				c.Database.Enabled = true
			},
			wantErr: "dsn is empty",
		},
		{
			name: "database and redis together",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.DSN = "postgres://localhost/t"
				c.Redis.Enabled = true
				c.Redis.Addr = "localhost:6379"
			},
			wantErr: "mutually exclusive",
		},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
			},
			wantErr: "addr is empty",
		},
		{
			name: "aging fraction out of range",
			mutate: func(c *Config) {
				c.Sweeper.AgingFraction = 1.5
			},
			wantErr: "aging_fraction",
		},
		{
			name: "unknown transport",
			mutate: func(c *Config) {
				c.Server.Transport = "websocket"
			},
			wantErr: "unknown transport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
