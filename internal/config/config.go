// Package config provides configuration management for the payment
// engine. It loads configuration from environment variables and .env
// files. Confirmation depth, poll intervals, timeouts and the webhook
// secret are deliberately explicit knobs rather than hard-coded values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Lightning LightningConfig
	Ethereum  EthereumConfig
	Mint      MintConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
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

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration for the analytics sink
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// LightningConfig holds Lightning node configuration
type LightningConfig struct {
	RESTHost       string        // LND-style REST endpoint
	MacaroonHex    string        // hex-encoded macaroon for the invoice API
	InvoiceTTL     time.Duration // default invoice expiry
	PollInterval   time.Duration // per-invoice lookup interval
	SweepInterval  time.Duration // background expiry sweep interval
	WebhookSecret  string        // shared secret for webhook signature verification
	RequestsPerSec float64       // rail client rate limit
}

// EthereumConfig holds chain watcher configuration
type EthereumConfig struct {
	RPCURL            string
	ConfirmationDepth uint64        // blocks required after inclusion (default 6)
	PollInterval      time.Duration // receipt poll interval
	MaxAbsentCycles   int           // poll cycles without a receipt before FAILED
	TrackTimeout      time.Duration // overall bound on observing one payment
}

// MintConfig holds mint coordinator configuration
type MintConfig struct {
	ServiceURL      string // black-box minting service endpoint
	ContractAddress string
	MaxAttempts     int
	InitialBackoff  time.Duration
	QueueSize       int
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "zephyrpay"),
				User:           getEnv("POSTGRES_USER", "zephyr"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "zephyrpay"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
		},
		Lightning: LightningConfig{
			RESTHost:       getEnv("LND_REST_HOST", "https://localhost:8080"),
			MacaroonHex:    getEnv("LND_MACAROON_HEX", ""),
			InvoiceTTL:     getEnvAsDuration("LN_INVOICE_TTL", 15*time.Minute),
			PollInterval:   getEnvAsDuration("LN_POLL_INTERVAL", 5*time.Second),
			SweepInterval:  getEnvAsDuration("LN_SWEEP_INTERVAL", 30*time.Second),
			WebhookSecret:  getEnv("LN_WEBHOOK_SECRET", ""),
			RequestsPerSec: getEnvAsFloat("LN_REQUESTS_PER_SEC", 10),
		},
		Ethereum: EthereumConfig{
			RPCURL:            getEnv("ETH_RPC_URL", ""),
			ConfirmationDepth: uint64(getEnvAsInt("ETH_CONFIRMATION_DEPTH", 6)), // #nosec G115 - small positive config value
			PollInterval:      getEnvAsDuration("ETH_POLL_INTERVAL", 15*time.Second),
			MaxAbsentCycles:   getEnvAsInt("ETH_MAX_ABSENT_CYCLES", 20),
			TrackTimeout:      getEnvAsDuration("ETH_TRACK_TIMEOUT", 30*time.Minute),
		},
		Mint: MintConfig{
			ServiceURL:      getEnv("MINT_SERVICE_URL", ""),
			ContractAddress: getEnv("MINT_CONTRACT_ADDRESS", ""),
			MaxAttempts:     getEnvAsInt("MINT_MAX_ATTEMPTS", 5),
			InitialBackoff:  getEnvAsDuration("MINT_INITIAL_BACKOFF", 2*time.Second),
			QueueSize:       getEnvAsInt("MINT_QUEUE_SIZE", 256),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if config.Ethereum.ConfirmationDepth == 0 {
		return nil, fmt.Errorf("ETH_CONFIRMATION_DEPTH must be at least 1")
	}

	return config, nil
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
