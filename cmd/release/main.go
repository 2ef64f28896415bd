// Command release triggers one escrow release sweep on a running server.
// Schedule it (cron, Kubernetes CronJob) when SWEEP_INTERVAL=0.
//
// Usage:
//
//	CRON_SECRET=... go run ./cmd/release --url https://escrow.example.com --max 500
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/mbd888/ticketescrow/internal/cronclient"
	"github.com/mbd888/ticketescrow/internal/logging"
)

func main() {
	_ = godotenv.Load()

	apiURL := pflag.StringP("url", "u", envOrDefault("RELEASE_API_URL", "http://localhost:8080"), "escrow server base URL")
	maxOps := pflag.IntP("max", "m", 0, "max settlements this run (0 = server default)")
	attempts := pflag.Int("attempts", 3, "tries on 5xx or network errors")
	timeout := pflag.Duration("timeout", 10*time.Minute, "overall deadline")
	pflag.Parse()

	logger := logging.New(envOrDefault("LOG_LEVEL", "info"), "json")

	secret := os.Getenv("CRON_SECRET")
	if secret == "" {
		logger.Error("CRON_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	report, err := cronclient.New(cronclient.Config{APIURL: *apiURL, Secret: secret, Attempts: *attempts}).Release(ctx, *maxOps)
	if errors.Is(err, cronclient.ErrSweepInProgress) {
		logger.Info("sweep already running; nothing to do")
		return
	}
	if err != nil {
		logger.Error("release sweep failed", "error", err)
		os.Exit(1)
	}

	logger.Info("release sweep complete",
		"checked", report.Checked,
		"due", report.Due,
		"captured", report.Captured,
		"canceled", report.Canceled,
		"skipped", report.Skipped,
		"errors", len(report.Errors),
		"truncated", report.Truncated,
		"duration", report.Duration,
	)
	if len(report.Errors) > 0 {
		os.Exit(2)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
