package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig
	DB          DBConfig
	KV          KVConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	Breaker     BreakerConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            string `envconfig:"SERVER_PORT" default:"3000"`
	ShutdownTimeout int    `envconfig:"SHUTDOWN_TIMEOUT" default:"30"` // seconds
}

// DBConfig holds database-related configuration.
// WARNING: Default password is for local development only.
// In production, always set DB_PASSWORD via environment variable.
// In production, set DB_SSLMODE to "require" or "verify-full".
type DBConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" default:"postgres"` // CHANGE IN PRODUCTION
	Name     string `envconfig:"DB_NAME" default:"voucher_db"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"` // Use "require" in production
	MaxConns int    `envconfig:"DB_MAX_CONNS" default:"25"`
	MinConns int    `envconfig:"DB_MIN_CONNS" default:"5"`
}

// DSN returns the PostgreSQL connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d&pool_min_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode, c.MaxConns, c.MinConns)
}

// KVConfig holds the key/value (Redis-compatible) gateway's connection
// settings (spec C2).
type KVConfig struct {
	Host     string `envconfig:"KV_HOST" default:"localhost"`
	Port     int    `envconfig:"KV_PORT" default:"6379"`
	Password string `envconfig:"KV_PASSWORD" default:""`
	DB       int    `envconfig:"KV_DB" default:"0"`
}

// Addr returns the host:port pair go-redis expects.
func (c KVConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QueueConfig holds the durable FIFO's backing store settings (spec C6).
// Separated from KVConfig because a deployment may point the job queue at
// a different Redis instance than the cache/rate-limiter traffic.
type QueueConfig struct {
	KVHost string `envconfig:"QUEUE_KV_HOST" default:"localhost"`
	KVPort int    `envconfig:"QUEUE_KV_PORT" default:"6379"`
}

// Addr returns the host:port pair go-redis expects.
func (c QueueConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.KVHost, c.KVPort)
}

// WorkerConfig holds the claim worker pool's throughput bounds (spec §4.7).
type WorkerConfig struct {
	Concurrency   int `envconfig:"WORKER_CONCURRENCY" default:"50"`
	RatePerSecond int `envconfig:"WORKER_RATE_PER_SECOND" default:"100"`
}

// BreakerConfig holds the premium-path circuit breaker's thresholds
// (spec §4.3).
type BreakerConfig struct {
	FailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	SuccessThreshold int           `envconfig:"BREAKER_SUCCESS_THRESHOLD" default:"2"`
	OpenDuration     time.Duration `envconfig:"BREAKER_OPEN_DURATION" default:"30s"`
	CallTimeout      time.Duration `envconfig:"BREAKER_CALL_TIMEOUT" default:"60s"`
}

// RateLimitConfig holds the admission limiter's window sizes (spec §4.4).
type RateLimitConfig struct {
	UserMax    int           `envconfig:"RATE_LIMIT_USER_MAX" default:"10"`
	UserWindow time.Duration `envconfig:"RATE_LIMIT_USER_WINDOW" default:"60s"`
	IPMax      int           `envconfig:"RATE_LIMIT_IP_MAX" default:"100"`
	IPWindow   time.Duration `envconfig:"RATE_LIMIT_IP_WINDOW" default:"60s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// Load parses environment variables into the Config struct and validates them.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	// Validate server port
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil {
		return fmt.Errorf("SERVER_PORT must be a valid number: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", port)
	}

	// Validate shutdown timeout
	if c.Server.ShutdownTimeout < 1 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be at least 1 second, got %d", c.Server.ShutdownTimeout)
	}
	if c.Server.ShutdownTimeout > 300 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must not exceed 300 seconds, got %d", c.Server.ShutdownTimeout)
	}

	// Validate DB identity fields
	if c.DB.Host == "" {
		return fmt.Errorf("DB_HOST cannot be empty")
	}
	if c.DB.User == "" {
		return fmt.Errorf("DB_USER cannot be empty")
	}
	if c.DB.Name == "" {
		return fmt.Errorf("DB_NAME cannot be empty")
	}

	// Validate DB port
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.DB.Port)
	}

	// Validate connection pool sizes
	if c.DB.MaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DB.MaxConns)
	}
	if c.DB.MinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be at least 0, got %d", c.DB.MinConns)
	}
	if c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DB.MinConns, c.DB.MaxConns)
	}

	// Validate SSL mode
	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[c.DB.SSLMode] {
		return fmt.Errorf("DB_SSLMODE must be one of: disable, allow, prefer, require, verify-ca, verify-full; got %q", c.DB.SSLMode)
	}

	// Validate worker bounds
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.RatePerSecond < 1 {
		return fmt.Errorf("WORKER_RATE_PER_SECOND must be at least 1, got %d", c.Worker.RatePerSecond)
	}

	if c.Environment != "development" && c.Environment != "production" {
		return fmt.Errorf("ENVIRONMENT must be one of: development, production; got %q", c.Environment)
	}

	return nil
}

// WarnIfDefaultCredentials returns human-readable warnings for any
// production-unsafe default still in effect, for the operator to surface
// at startup (never fails Validate — the defaults are legitimate for
// local development).
func (c *Config) WarnIfDefaultCredentials() []string {
	var warnings []string
	if c.DB.Password == "postgres" {
		warnings = append(warnings, "DB_PASSWORD is set to the insecure default; set a real password in production")
	}
	if c.DB.User == "postgres" {
		warnings = append(warnings, "DB_USER is set to the default superuser; use a scoped role in production")
	}
	if c.DB.SSLMode == "disable" {
		warnings = append(warnings, "DB_SSLMODE is disable; use require or verify-full in production")
	}
	return warnings
}
