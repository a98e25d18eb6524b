// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Host     string
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogFmt   string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Session-code cache (optional, uses in-memory if unreachable)

	// Zcash node
	ZcashRPCURL           string
	ZcashRPCUser          string
	ZcashRPCPassword      string
	ZcashServiceWallet    string // custodial address that receives permission funding
	ZcashMinConfirmations int64

	// Billing
	BillingIntervalSeconds int64
	DefaultDurationDays    int

	// Vendor directory
	VendorServiceURL   string
	VendorServiceToken string

	// Fallback EVM chain (optional; disabled when unset)
	RPCURL          string
	ContractAddress string
	PrivateKey      string // hex-encoded, with or without 0x prefix
	ChainID         int64

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFmt          = "text"
	DefaultRedisURL        = "redis://127.0.0.1:6379"
	DefaultZcashRPCURL     = "http://127.0.0.1:8232"
	DefaultMinConf         = 1
	DefaultBillingInterval = 60
	DefaultDurationDays    = 30
)

// Load reads configuration from environment variables.
// It loads .env first if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:                   getEnv("HOST", DefaultHost),
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENVIRONMENT", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFmt:                 getEnv("LOG_FORMAT", DefaultLogFmt),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               getEnv("REDIS_URL", DefaultRedisURL),
		ZcashRPCURL:            getEnv("ZCASH_RPC_URL", DefaultZcashRPCURL),
		ZcashRPCUser:           os.Getenv("ZCASH_RPC_USER"),
		ZcashRPCPassword:       os.Getenv("ZCASH_RPC_PASSWORD"),
		ZcashServiceWallet:     os.Getenv("ZCASH_SERVICE_WALLET"),
		ZcashMinConfirmations:  getEnvInt64("ZCASH_MIN_CONFIRMATIONS", DefaultMinConf),
		BillingIntervalSeconds: getEnvInt64("BILLING_INTERVAL_SECONDS", DefaultBillingInterval),
		DefaultDurationDays:    int(getEnvInt64("DEFAULT_PERMISSION_DURATION_DAYS", DefaultDurationDays)),
		VendorServiceURL:       os.Getenv("VENDOR_SERVICE_URL"),
		VendorServiceToken:     os.Getenv("VENDOR_SERVICE_TOKEN"),
		RPCURL:                 os.Getenv("RPC_URL"),
		ContractAddress:        os.Getenv("CONTRACT_ADDRESS"),
		PrivateKey:             os.Getenv("PRIVATE_KEY"),
		ChainID:                getEnvInt64("CHAIN_ID", 0),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency. Development tolerates a
// bare setup (loopback node, no custodial wallet); production does not.
func (c *Config) Validate() error {
	if c.BillingIntervalSeconds < 1 {
		return fmt.Errorf("BILLING_INTERVAL_SECONDS must be at least 1")
	}
	if c.DefaultDurationDays < 1 || c.DefaultDurationDays > 365 {
		return fmt.Errorf("DEFAULT_PERMISSION_DURATION_DAYS must be between 1 and 365")
	}

	if _, err := url.Parse(c.ZcashRPCURL); err != nil {
		return fmt.Errorf("ZCASH_RPC_URL is not a valid URL: %w", err)
	}

	if c.FallbackConfigured() {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.ChainID == 0 {
			return fmt.Errorf("CHAIN_ID is required when the fallback chain is configured")
		}
	}

	if c.IsProduction() {
		if c.ZcashServiceWallet == "" {
			return fmt.Errorf("ZCASH_SERVICE_WALLET is required in production")
		}
		if c.ZcashRPCURL == DefaultZcashRPCURL {
			return fmt.Errorf("ZCASH_RPC_URL must point at a real node in production")
		}
	}

	return nil
}

// FallbackConfigured reports whether the EVM fallback biller has
// enough configuration to operate.
func (c *Config) FallbackConfigured() bool {
	return c.RPCURL != "" && c.PrivateKey != "" && c.ContractAddress != ""
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
