// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/swifthaul/payhold/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fee structure (frozen onto each transaction at creation)
	FeeRate    float64 // fraction of the ride/delivery amount
	MinimumFee money.Cents
	MaximumFee money.Cents

	// Escrow timing
	FundingWindow time.Duration // initiated -> cancelled if unfunded
	DisputeWindow time.Duration // released transactions stay disputable this long

	// Security
	WebhookSecret       string // HMAC secret for the generic funding webhook
	StripeWebhookSecret string // Stripe endpoint signing secret
	AdminSecret         string // Admin API secret
	RateLimitPerMinute  int    // per-client request budget

	// Sessions
	SessionTTL time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultFeeRate       = 0.15
	DefaultMinimumFee    = money.Cents(100)  // $1.00
	DefaultMaximumFee    = money.Cents(2000) // $20.00
	DefaultFundingWindow = 15 * time.Minute
	DefaultDisputeWindow = 48 * time.Hour
	DefaultSessionTTL    = 24 * time.Hour
	DefaultRateLimit     = 300
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FeeRate:             getEnvFloat("FEE_RATE", DefaultFeeRate),
		MinimumFee:          money.Cents(getEnvInt64("MINIMUM_FEE_CENTS", int64(DefaultMinimumFee))),
		MaximumFee:          money.Cents(getEnvInt64("MAXIMUM_FEE_CENTS", int64(DefaultMaximumFee))),
		FundingWindow:       getEnvDuration("FUNDING_WINDOW", DefaultFundingWindow),
		DisputeWindow:       getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitPerMinute:  int(getEnvInt64("RATE_LIMIT_PER_MINUTE", int64(DefaultRateLimit))),
		SessionTTL:          getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.FeeRate <= 0 || c.FeeRate >= 1 {
		return fmt.Errorf("FEE_RATE must be between 0 and 1 exclusive, got %v", c.FeeRate)
	}
	if c.MinimumFee < 0 {
		return fmt.Errorf("MINIMUM_FEE_CENTS must not be negative")
	}
	if c.MaximumFee < c.MinimumFee {
		return fmt.Errorf("MAXIMUM_FEE_CENTS must be at least MINIMUM_FEE_CENTS")
	}
	if c.FundingWindow <= 0 {
		return fmt.Errorf("FUNDING_WINDOW must be positive")
	}
	if c.DisputeWindow <= 0 {
		return fmt.Errorf("DISPUTE_WINDOW must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// FeeStructure returns the configured fee calculator parameters.
func (c *Config) FeeStructure() money.FeeStructure {
	return money.FeeStructure{
		BaseRate:   c.FeeRate,
		MinimumFee: c.MinimumFee,
		MaximumFee: c.MaximumFee,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
