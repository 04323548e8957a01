package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Custody   CustodyConfig   `yaml:"custody"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	NATS      NATSConfig      `yaml:"nats"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// RateLimit is requests per second allowed per client IP; Burst caps spikes.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory, postgres
	DatabaseURL string `yaml:"database_url"`
	Migrate     bool   `yaml:"migrate"`
}

type CustodyConfig struct {
	Custodian string        `yaml:"custodian"`
	Lock      string        `yaml:"lock"` // local, redis
	RedisAddr string        `yaml:"redis_addr"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver"` // memory
}

type NATSConfig struct {
	Enabled   bool          `yaml:"enabled"`
	URL       string        `yaml:"url"`
	Stream    string        `yaml:"stream"`
	Prefix    string        `yaml:"prefix"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type TelemetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Exporter    string        `yaml:"exporter"`
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
}

// Load reads the YAML file at path, applies defaults and then environment
// overrides. A missing file is not an error: defaults and environment apply.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 20
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 40
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Store.Driver == "" {
		if c.Store.DatabaseURL != "" {
			c.Store.Driver = "postgres"
		} else {
			c.Store.Driver = "memory"
		}
	}
	if c.Custody.Custodian == "" {
		c.Custody.Custodian = "0x00000000000000000000000000000000000e5c40"
	}
	if c.Custody.Lock == "" {
		if c.Custody.RedisAddr != "" {
			c.Custody.Lock = "redis"
		} else {
			c.Custody.Lock = "local"
		}
	}
	if c.Custody.LockTTL == 0 {
		c.Custody.LockTTL = 30 * time.Second
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "ESCROW"
	}
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = "escrow"
	}
	if c.NATS.Interval == 0 {
		c.NATS.Interval = time.Second
	}
	if c.NATS.BatchSize == 0 {
		c.NATS.BatchSize = 100
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Telemetry.Interval == 0 {
		c.Telemetry.Interval = 30 * time.Second
	}
	if c.Telemetry.Exporter == "" {
		if c.Telemetry.Endpoint != "" {
			c.Telemetry.Exporter = "otlp"
		} else {
			c.Telemetry.Exporter = "log"
		}
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "milestoneescrow"
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Custody.RedisAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: HTTP_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return errors.New("config: store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch c.Custody.Lock {
	case "local":
	case "redis":
		if c.Custody.RedisAddr == "" {
			return errors.New("config: custody.redis_addr is required for the redis lock")
		}
	default:
		return fmt.Errorf("config: unknown custody lock %q", c.Custody.Lock)
	}
	if c.Ledger.Driver != "memory" {
		return fmt.Errorf("config: unknown ledger driver %q", c.Ledger.Driver)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("config: nats.url is required when nats is enabled")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret (or JWT_SECRET) is required")
	}
	switch c.Telemetry.Exporter {
	case "log":
	case "otlp":
		if c.Telemetry.Endpoint == "" {
			return errors.New("config: telemetry.endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("config: unknown telemetry exporter %q", c.Telemetry.Exporter)
	}
	return nil
}
