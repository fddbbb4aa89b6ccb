// Package config provides configuration management for the lifecycle mailer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Loops     LoopsConfig
	Cache     CacheConfig
	Dispatch  DispatchConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the postgres:// connection URL used by migrations
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration.
// ClickHouse only backs the webhook event archive and is off by default.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// LoopsConfig holds email provider configuration
type LoopsConfig struct {
	// APIKey may be empty; sends then fail and are logged as failed
	APIKey         string
	BaseURL        string
	RequestsPerSec int
	Timeout        time.Duration
	BreakerFails   int
	BreakerTimeout time.Duration
	// SharedBudget splits RequestsPerSec across processes through Redis.
	// ReservedPerSec of it is kept for triggered and transactional sends.
	SharedBudget   bool
	ReservedPerSec int
}

// CacheConfig holds dashboard cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// DispatchConfig holds the deferred send queue configuration
type DispatchConfig struct {
	Workers   int
	QueueSize int
}

// SchedulerConfig holds cron specs for the lifecycle jobs
type SchedulerConfig struct {
	InactiveSpec   string
	TrialSpec      string
	OnboardingSpec string
	LockTTL        time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSec int
	Burst          int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "lifecycle_mailer"),
				User:           getEnv("POSTGRES_USER", "mailer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "lifecycle_mailer"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", true),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Loops: LoopsConfig{
			APIKey:         getEnv("LOOPS_API_KEY", ""),
			BaseURL:        strings.TrimRight(getEnv("LOOPS_BASE_URL", "https://app.loops.so/api/v1"), "/"),
			RequestsPerSec: getEnvAsInt("LOOPS_RATE_LIMIT_RPS", 10),
			Timeout:        getEnvAsDuration("LOOPS_TIMEOUT", 10*time.Second),
			BreakerFails:   getEnvAsInt("LOOPS_BREAKER_MAX_FAILURES", 10),
			BreakerTimeout: getEnvAsDuration("LOOPS_BREAKER_TIMEOUT", 30*time.Second),
			SharedBudget:   getEnvAsBool("LOOPS_SHARED_BUDGET", true),
			ReservedPerSec: getEnvAsInt("LOOPS_RESERVED_RPS", -1),
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 15*time.Second),
		},
		Dispatch: DispatchConfig{
			Workers:   getEnvAsInt("DISPATCH_WORKERS", 4),
			QueueSize: getEnvAsInt("DISPATCH_QUEUE_SIZE", 256),
		},
		Scheduler: SchedulerConfig{
			InactiveSpec:   getEnv("SCHEDULE_INACTIVE", "0 9 * * *"),
			TrialSpec:      getEnv("SCHEDULE_TRIAL", "0 10 * * *"),
			OnboardingSpec: getEnv("SCHEDULE_ONBOARDING", "0 8 * * 0"),
			LockTTL:        getEnvAsDuration("SCHEDULE_LOCK_TTL", 30*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSec: getEnvAsInt("RATE_LIMIT_RPS", 20),
			Burst:          getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// default reserve is 60% of the provider limit
	if config.Loops.ReservedPerSec < 0 {
		config.Loops.ReservedPerSec = config.Loops.RequestsPerSec * 6 / 10
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configuration the services cannot run with
func (c *Config) Validate() error {
	if c.Loops.RequestsPerSec <= 0 {
		return fmt.Errorf("LOOPS_RATE_LIMIT_RPS must be positive, got %d", c.Loops.RequestsPerSec)
	}
	if c.Loops.ReservedPerSec < 0 || c.Loops.ReservedPerSec >= c.Loops.RequestsPerSec {
		return fmt.Errorf("LOOPS_RESERVED_RPS must be at least 0 and below LOOPS_RATE_LIMIT_RPS, got %d", c.Loops.ReservedPerSec)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("DISPATCH_WORKERS must be positive, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.QueueSize < 0 {
		return fmt.Errorf("DISPATCH_QUEUE_SIZE cannot be negative, got %d", c.Dispatch.QueueSize)
	}
	if c.RateLimit.RequestsPerSec <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
