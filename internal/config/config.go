// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/ticketescrow/internal/escrow"
	"github.com/mbd888/ticketescrow/internal/fees"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment provider
	StripeSecretKey     string // Empty = in-memory provider (development only)
	StripeWebhookSecret string
	ProviderTimeout     time.Duration
	Currency            string

	// Fees
	SellerFeePercent       float64 // fraction, e.g. 0.05
	SellerFeeFixedCents    int64
	BuyerFeePerTicketCents int64
	FeeClampPolicy         string // "clamp" or "reject"
	PriceCapPercent        int64  // resale cap relative to face value, e.g. 115
	RequireFaceValue       bool

	// Escrow
	MaxQuantityPerOrder int
	EscrowWindow        time.Duration
	HoldAbandonAfter    time.Duration // 0 keeps unconfirmed holds indefinitely

	// Release scheduler
	CronSecret     string
	SweepInterval  time.Duration // 0 disables the in-process timer
	SweepMaxOps    int
	SweepPageSize  int
	OTLPEndpoint   string
	RateLimitRPM   int
	AllowedOrigins []string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultCurrency        = "usd"
	DefaultProviderTimeout = 8 * time.Second
	DefaultEscrowWindow    = 72 * time.Hour
	DefaultHoldAbandon     = 24 * time.Hour
	DefaultSweepInterval   = 15 * time.Minute
	DefaultSweepMaxOps     = 200
	DefaultSweepPageSize   = 100
	DefaultMaxQuantity     = 10
	DefaultRateLimit       = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		StripeSecretKey:        os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		ProviderTimeout:        getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		Currency:               strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		SellerFeePercent:       getEnvFloat("SELLER_FEE_PERCENT", 0.05),
		SellerFeeFixedCents:    getEnvInt64("SELLER_FEE_FIXED_CENTS", 75),
		BuyerFeePerTicketCents: getEnvInt64("BUYER_FEE_PER_TICKET_CENTS", 350),
		FeeClampPolicy:         getEnv("FEE_CLAMP_POLICY", string(fees.ClampSilently)),
		PriceCapPercent:        getEnvInt64("PRICE_CAP_PERCENT", 115),
		RequireFaceValue:       getEnvBool("REQUIRE_FACE_VALUE", false),
		MaxQuantityPerOrder:    int(getEnvInt64("MAX_QUANTITY_PER_ORDER", DefaultMaxQuantity)),
		EscrowWindow:           getEnvDuration("ESCROW_WINDOW", DefaultEscrowWindow),
		HoldAbandonAfter:       getEnvDuration("HOLD_ABANDON_AFTER", DefaultHoldAbandon),
		CronSecret:             os.Getenv("CRON_SECRET"),
		SweepInterval:          getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepMaxOps:            int(getEnvInt64("SWEEP_MAX_OPS", DefaultSweepMaxOps)),
		SweepPageSize:          int(getEnvInt64("SWEEP_PAGE_SIZE", DefaultSweepPageSize)),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AllowedOrigins:         getEnvList("ALLOWED_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	if c.SellerFeePercent < 0 || c.SellerFeePercent >= 1 {
		return fmt.Errorf("SELLER_FEE_PERCENT must be in [0, 1)")
	}
	if c.SellerFeeFixedCents < 0 || c.BuyerFeePerTicketCents < 0 {
		return fmt.Errorf("fee amounts must not be negative")
	}
	switch fees.ClampPolicy(c.FeeClampPolicy) {
	case fees.ClampSilently, fees.ClampReject:
	default:
		return fmt.Errorf("FEE_CLAMP_POLICY must be %q or %q", fees.ClampSilently, fees.ClampReject)
	}
	if c.PriceCapPercent < 100 {
		return fmt.Errorf("PRICE_CAP_PERCENT must be at least 100")
	}
	if c.MaxQuantityPerOrder <= 0 {
		return fmt.Errorf("MAX_QUANTITY_PER_ORDER must be positive")
	}
	if c.EscrowWindow <= 0 {
		return fmt.Errorf("ESCROW_WINDOW must be positive")
	}
	if c.HoldAbandonAfter < 0 {
		return fmt.Errorf("HOLD_ABANDON_AFTER must not be negative")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.SweepMaxOps <= 0 || c.SweepPageSize <= 0 {
		return fmt.Errorf("SWEEP_MAX_OPS and SWEEP_PAGE_SIZE must be positive")
	}
	return nil
}

// Fees returns the fee calculator configuration.
func (c *Config) Fees() fees.Config {
	return fees.Config{
		SellerFeeBasisPoints:   int64(math.Round(c.SellerFeePercent * 10000)),
		SellerFeeFixedCents:    c.SellerFeeFixedCents,
		BuyerFeePerTicketCents: c.BuyerFeePerTicketCents,
		PriceCapBasisPoints:    c.PriceCapPercent * 100,
		RequireFaceValue:       c.RequireFaceValue,
		ClampPolicy:            fees.ClampPolicy(c.FeeClampPolicy),
	}
}

// EscrowPolicy returns the state machine policy.
func (c *Config) EscrowPolicy() escrow.Policy {
	return escrow.Policy{
		EscrowWindow: c.EscrowWindow,
		AbandonAfter: c.HoldAbandonAfter,
		MaxQuantity:  c.MaxQuantityPerOrder,
		Currency:     c.Currency,
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
