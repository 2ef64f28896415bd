// Package cronclient triggers the release sweep over HTTP. It is what an
// external scheduler runs when the in-process timer is disabled.
package cronclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/ticketescrow/internal/escrow"
	"github.com/mbd888/ticketescrow/internal/retry"
)

// ErrSweepInProgress means another sweep was already running server-side.
var ErrSweepInProgress = errors.New("release sweep already in progress")

// Config holds the connection settings.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Secret string // CRON_SECRET
	// Attempts bounds retries on transport errors and 5xx responses.
	Attempts int
}

// Client calls POST /v1/cron/release.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client. The HTTP timeout covers a whole sweep.
func New(cfg Config) *Client {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type releaseResponse struct {
	OK     bool               `json:"ok"`
	Report escrow.SweepReport `json:"report"`
}

// Release runs one sweep. maxOps of 0 uses the server's default.
func (c *Client) Release(ctx context.Context, maxOps int) (*escrow.SweepReport, error) {
	u, err := url.Parse(c.cfg.APIURL + "/v1/cron/release")
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if maxOps > 0 {
		u.RawQuery = url.Values{"max": {strconv.Itoa(maxOps)}}.Encode()
	}

	var out releaseResponse
	err = retry.Do(ctx, c.cfg.Attempts, time.Second, func() error {
		return c.post(ctx, u.String(), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out.Report, nil
}

func (c *Client) post(ctx context.Context, target string, out *releaseResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		return retry.Permanent(ErrSweepInProgress)
	case resp.StatusCode >= 500:
		return apiErrorFrom(resp.StatusCode, body)
	default:
		return retry.Permanent(apiErrorFrom(resp.StatusCode, body))
	}
}

func apiErrorFrom(status int, body []byte) error {
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("API error (%d): %s", status, apiErr.Message)
	}
	return fmt.Errorf("API error (%d): %s", status, string(body))
}
