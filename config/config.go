// Package config loads and validates engine configuration from a YAML file
// and APPROVAL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config is the root configuration.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Engine        EngineConfig        `yaml:"engine"`
	Directory     string              `yaml:"directory" env:"APPROVAL_DIRECTORY"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StorageConfig selects and configures the persistence adapter.
type StorageConfig struct {
	Driver   string         `yaml:"driver" env:"APPROVAL_STORAGE_DRIVER"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`
}

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"APPROVAL_REDIS_ADDR"`
	Password     string        `yaml:"password" env:"APPROVAL_REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"APPROVAL_REDIS_DB"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// PostgresConfig describes the PostgreSQL connection.
type PostgresConfig struct {
	DSN     string `yaml:"dsn" env:"APPROVAL_POSTGRES_DSN"`
	Migrate bool   `yaml:"migrate" env:"APPROVAL_POSTGRES_MIGRATE"`
}

// MongoConfig describes the MongoDB connection.
type MongoConfig struct {
	URI      string `yaml:"uri" env:"APPROVAL_MONGO_URI"`
	Database string `yaml:"database" env:"APPROVAL_MONGO_DATABASE"`
}

// EngineConfig tunes the approval engine.
type EngineConfig struct {
	EventBufferSize int           `yaml:"event_buffer_size" env:"APPROVAL_EVENT_BUFFER_SIZE"`
	ConflictRetries int           `yaml:"conflict_retries" env:"APPROVAL_CONFLICT_RETRIES"`
	ConflictBackoff time.Duration `yaml:"conflict_backoff" env:"APPROVAL_CONFLICT_BACKOFF"`
}

// ObservabilityConfig describes logging and metrics.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level" env:"APPROVAL_LOG_LEVEL"`
	LogFormat      string `yaml:"log_format" env:"APPROVAL_LOG_FORMAT"`
	LogFile        string `yaml:"log_file" env:"APPROVAL_LOG_FILE"`
	LogMaxSizeMB   int    `yaml:"log_max_size_mb"`
	LogMaxBackups  int    `yaml:"log_max_backups"`
	LogMaxAgeDays  int    `yaml:"log_max_age_days"`
	MetricsEnabled bool   `yaml:"metrics_enabled" env:"APPROVAL_METRICS_ENABLED"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: DriverMemory,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				MinIdleConns: 2,
				IdleTimeout:  5 * time.Minute,
			},
			Mongo: MongoConfig{Database: "approval"},
		},
		Engine: EngineConfig{
			EventBufferSize: 100,
			ConflictRetries: 3,
			ConflictBackoff: 50 * time.Millisecond,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			LogMaxSizeMB:   100,
			LogMaxBackups:  5,
			LogMaxAgeDays:  28,
			MetricsEnabled: true,
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr is required")
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, "storage.postgres.dsn is required")
		}
	case DriverMongo:
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, "storage.mongo.uri is required")
		}
		if c.Storage.Mongo.Database == "" {
			errs = append(errs, "storage.mongo.database is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not one of memory, redis, postgres, mongo", c.Storage.Driver))
	}

	if c.Engine.EventBufferSize < 1 {
		errs = append(errs, "engine.event_buffer_size must be positive")
	}
	if c.Engine.ConflictRetries < 0 {
		errs = append(errs, "engine.conflict_retries cannot be negative")
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, "observability.log_format must be json or console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
