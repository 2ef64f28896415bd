package config

import (
	"os"
	"testing"
	"time"

	"github.com/mbd888/ticketescrow/internal/fees"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultEscrowWindow, cfg.EscrowWindow)
	assert.Equal(t, DefaultHoldAbandon, cfg.HoldAbandonAfter)
	assert.Equal(t, DefaultHoldAbandon, cfg.EscrowPolicy().AbandonAfter)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, int64(115), cfg.PriceCapPercent)
	assert.Equal(t, "usd", cfg.Currency)
}

func TestLoad_ProductionRequiresStripeKey(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "STRIPE_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY is required")
}

func TestLoad_OverridesDurations(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "ESCROW_WINDOW", "48h")
	setEnv(t, "PROVIDER_TIMEOUT", "7s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.EscrowWindow)
	assert.Equal(t, 7*time.Second, cfg.ProviderTimeout)
}

func TestConfig_Fees(t *testing.T) {
	cfg := &Config{
		SellerFeePercent:       0.05,
		SellerFeeFixedCents:    75,
		BuyerFeePerTicketCents: 350,
		FeeClampPolicy:         "reject",
		PriceCapPercent:        115,
	}
	fc := cfg.Fees()
	assert.Equal(t, int64(500), fc.SellerFeeBasisPoints)
	assert.Equal(t, int64(11500), fc.PriceCapBasisPoints)
	assert.Equal(t, fees.ClampReject, fc.ClampPolicy)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                 "development",
			SellerFeePercent:    0.05,
			FeeClampPolicy:      "clamp",
			PriceCapPercent:     115,
			MaxQuantityPerOrder: 10,
			EscrowWindow:        time.Hour,
			ProviderTimeout:     time.Second,
			SweepMaxOps:         10,
			SweepPageSize:       10,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"fee percent out of range", func(c *Config) { c.SellerFeePercent = 1.5 }, "SELLER_FEE_PERCENT"},
		{"unknown clamp policy", func(c *Config) { c.FeeClampPolicy = "maybe" }, "FEE_CLAMP_POLICY"},
		{"cap below face", func(c *Config) { c.PriceCapPercent = 90 }, "PRICE_CAP_PERCENT"},
		{"zero window", func(c *Config) { c.EscrowWindow = 0 }, "ESCROW_WINDOW"},
		{"negative abandon cutoff", func(c *Config) { c.HoldAbandonAfter = -time.Hour }, "HOLD_ABANDON_AFTER"},
		{"zero quantity", func(c *Config) { c.MaxQuantityPerOrder = 0 }, "MAX_QUANTITY_PER_ORDER"},
		{"production without webhook secret", func(c *Config) {
			c.Env = "production"
			c.StripeSecretKey = "sk_live_x"
			c.DatabaseURL = "postgres://"
		}, "STRIPE_WEBHOOK_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
