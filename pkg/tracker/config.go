package tracker

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete tracker configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Transport string `yaml:"transport"` // "stdio", "http"
	Address   string `yaml:"address"`
}

// DatabaseConfig configures the PostgreSQL backend.
type DatabaseConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// RedisConfig configures the Redis backend, used when PostgreSQL is
// disabled.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SweeperConfig configures the lifecycle sweeper.
type SweeperConfig struct {
	Interval      time.Duration `yaml:"interval"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	AgingFraction float64       `yaml:"aging_fraction"`
	ExpireAfter   time.Duration `yaml:"expire_after"`
}

// ReconnectConfig configures reconnection credentials.
type ReconnectConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// LoadConfig reads, expands, and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns a config with all defaults applied and no backends
// enabled.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-session-tracker"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "dev"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = "stdio"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.StoreTimeout == 0 {
		cfg.Database.StoreTimeout = 5 * time.Second
	}
	if cfg.Sweeper.Interval == 0 {
		cfg.Sweeper.Interval = 30 * time.Second
	}
	if cfg.Sweeper.IdleTimeout == 0 {
		cfg.Sweeper.IdleTimeout = 10 * time.Minute
	}
	if cfg.Sweeper.AgingFraction == 0 {
		cfg.Sweeper.AgingFraction = 0.5
	}
	if cfg.Reconnect.DefaultTTL == 0 {
		cfg.Reconnect.DefaultTTL = 5 * time.Minute
	}
}

// Validate checks the config for contradictions.
func (c *Config) Validate() error {
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database enabled but dsn is empty")
	}
	if c.Database.Enabled && c.Redis.Enabled {
		return fmt.Errorf("database and redis backends are mutually exclusive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis enabled but addr is empty")
	}
	if c.Sweeper.AgingFraction < 0 || c.Sweeper.AgingFraction >= 1 {
		return fmt.Errorf("sweeper aging_fraction must be in (0, 1)")
	}
	switch c.Server.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("unknown transport %q", c.Server.Transport)
	}
	return nil
}
