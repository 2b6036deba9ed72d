// Package config provides configuration management for the payment scheduler.
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

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Lifecycle LifecycleConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Sweeper   SweeperConfig
	Chain     ChainConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
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
	SSLMode        string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// ClickHouseConfig holds ClickHouse configuration. The archive is optional;
// an empty Host disables it.
type ClickHouseConfig struct {
	Host         string
	Port         string
	Database     string
	User         string
	Password     string
	DialTimeout  time.Duration
	MaxOpenConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// StoreConfig selects the schedule store backend
type StoreConfig struct {
	Backend string // postgres or memory
}

// LifecycleConfig holds the schedule state machine windows
type LifecycleConfig struct {
	ClaimLease        time.Duration
	ProcessingLease   time.Duration
	ExecutionDebounce time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	StuckAfter        time.Duration
	CompletionHorizon time.Duration
	ConflictRetries   int
}

// AuthConfig holds the shared secrets checked by the API
type AuthConfig struct {
	ExecutorToken string
	AdminToken    string
}

// RateLimitConfig holds per-executor API rate limits
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// SweeperConfig holds stuck-payment sweeper settings
type SweeperConfig struct {
	Interval    time.Duration
	Parallelism int
	OwnerBatch  int
	LockTTL     time.Duration
}

// ChainConfig holds the RPC endpoint used to verify execution receipts.
// An empty RPCURL disables verification.
type ChainConfig struct {
	RPCURL           string
	RequestTimeout   time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional, the environment may be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "payment_scheduler"),
				User:           getEnv("POSTGRES_USER", "scheduler"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 25),
			},
			ClickHouse: ClickHouseConfig{
				Host:         getEnv("CLICKHOUSE_HOST", ""),
				Port:         getEnv("CLICKHOUSE_PORT", "9000"),
				Database:     getEnv("CLICKHOUSE_DB", "payment_scheduler"),
				User:         getEnv("CLICKHOUSE_USER", "default"),
				Password:     getEnv("CLICKHOUSE_PASSWORD", ""),
				DialTimeout:  getEnvAsDuration("CLICKHOUSE_DIAL_TIMEOUT", 10*time.Second),
				MaxOpenConns: getEnvAsInt("CLICKHOUSE_MAX_OPEN_CONNS", 5),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", StorePostgres)),
		},
		Lifecycle: LifecycleConfig{
			ClaimLease:        getEnvAsDuration("CLAIM_LEASE", 60*time.Second),
			ProcessingLease:   getEnvAsDuration("PROCESSING_LEASE", 120*time.Second),
			ExecutionDebounce: getEnvAsDuration("EXECUTION_DEBOUNCE", 60*time.Second),
			MaxRetries:        getEnvAsInt("MAX_RETRIES", 3),
			RetryBackoff:      getEnvAsDuration("RETRY_BACKOFF", 5*time.Minute),
			StuckAfter:        getEnvAsDuration("STUCK_AFTER", 5*time.Minute),
			CompletionHorizon: getEnvAsDuration("COMPLETION_HORIZON", 50*365*24*time.Hour),
			ConflictRetries:   getEnvAsInt("CONFLICT_RETRIES", 3),
		},
		Auth: AuthConfig{
			ExecutorToken: getEnv("EXECUTOR_API_TOKEN", ""),
			AdminToken:    getEnv("ADMIN_API_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Sweeper: SweeperConfig{
			Interval:    getEnvAsDuration("SWEEPER_INTERVAL", time.Minute),
			Parallelism: getEnvAsInt("SWEEPER_PARALLELISM", 4),
			OwnerBatch:  getEnvAsInt("SWEEPER_OWNER_BATCH", 100),
			LockTTL:     getEnvAsDuration("SWEEPER_LOCK_TTL", 30*time.Second),
		},
		Chain: ChainConfig{
			RPCURL:           getEnv("CHAIN_RPC_URL", ""),
			RequestTimeout:   getEnvAsDuration("CHAIN_REQUEST_TIMEOUT", 10*time.Second),
			BreakerThreshold: getEnvAsInt("CHAIN_BREAKER_THRESHOLD", 5),
			BreakerTimeout:   getEnvAsDuration("CHAIN_BREAKER_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q: must be %s or %s", c.Store.Backend, StorePostgres, StoreMemory)
	}

	if c.Lifecycle.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.Lifecycle.MaxRetries)
	}
	if c.Lifecycle.ClaimLease <= 0 || c.Lifecycle.ProcessingLease <= 0 {
		return fmt.Errorf("lease windows must be positive")
	}
	if c.Lifecycle.CompletionHorizon <= 0 {
		return fmt.Errorf("COMPLETION_HORIZON must be positive, got %s", c.Lifecycle.CompletionHorizon)
	}
	if c.Sweeper.Parallelism < 1 {
		return fmt.Errorf("SWEEPER_PARALLELISM must be at least 1, got %d", c.Sweeper.Parallelism)
	}
	if c.Database.Postgres.MaxConnections < 1 {
		return fmt.Errorf("POSTGRES_MAX_CONNECTIONS must be at least 1, got %d", c.Database.Postgres.MaxConnections)
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

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
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
