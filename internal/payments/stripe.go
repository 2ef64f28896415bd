package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProvider implements Provider with Stripe PaymentIntents
// (capture_method=manual) and Connect transfers.
type StripeProvider struct {
	api    *client.API
	logger *slog.Logger
}

// StripeOption configures a StripeProvider.
type StripeOption func(*stripe.BackendConfig)

// WithBaseURL points the client at a different API host (stripe-mock, tests).
func WithBaseURL(url string) StripeOption {
	return func(c *stripe.BackendConfig) { c.URL = stripe.String(url) }
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) StripeOption {
	return func(c *stripe.BackendConfig) { c.HTTPClient = hc }
}

// NewStripeProvider creates a Stripe-backed provider. Network retries inside
// stripe-go are disabled; retry policy belongs to the caller, which always
// reuses the idempotency key.
func NewStripeProvider(secretKey string, logger *slog.Logger, opts ...StripeOption) *StripeProvider {
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     slogAdapter{logger: logger},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	api := &client.API{}
	api.Init(secretKey, stripe.NewBackendsWithConfig(cfg))
	return &StripeProvider{api: api, logger: logger}
}

func (s *StripeProvider) Authorize(ctx context.Context, req AuthorizeRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
		params.Confirm = stripe.Bool(true)
		params.AutomaticPaymentMethods.AllowRedirects = stripe.String("never")
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify("authorize", err)
	}
	return IntentFromStripe(pi), nil
}

func (s *StripeProvider) Retrieve(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, classify("retrieve", err)
	}
	return IntentFromStripe(pi), nil
}

func (s *StripeProvider) Capture(ctx context.Context, id, idempotencyKey string, amountCents int64) (*Intent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	if amountCents > 0 {
		params.AmountToCapture = stripe.Int64(amountCents)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := s.api.PaymentIntents.Capture(id, params)
	if err != nil {
		return nil, classify("capture", err)
	}
	return IntentFromStripe(pi), nil
}

func (s *StripeProvider) Cancel(ctx context.Context, id, idempotencyKey, reason string) (*Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	if reason != "" {
		params.CancellationReason = stripe.String(reason)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := s.api.PaymentIntents.Cancel(id, params)
	if err != nil {
		return nil, classify("cancel", err)
	}
	return IntentFromStripe(pi), nil
}

func (s *StripeProvider) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.Destination),
	}
	if req.SourceChargeID != "" {
		params.SourceTransaction = stripe.String(req.SourceChargeID)
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, classify("transfer", err)
	}
	out := &Transfer{ID: tr.ID, AmountCents: tr.Amount}
	if tr.Destination != nil {
		out.Destination = tr.Destination.ID
	}
	return out, nil
}

func (s *StripeProvider) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error {
	params := &stripe.PaymentIntentParams{}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	if _, err := s.api.PaymentIntents.Update(id, params); err != nil {
		return classify("update_metadata", err)
	}
	return nil
}

// IntentFromStripe converts a Stripe PaymentIntent (API response or webhook
// payload) into an Intent.
func IntentFromStripe(pi *stripe.PaymentIntent) *Intent {
	in := &Intent{
		ID:            pi.ID,
		Status:        IntentStatus(pi.Status),
		AmountCents:   pi.Amount,
		CapturedCents: pi.AmountReceived,
		Currency:      string(pi.Currency),
		ClientSecret:  pi.ClientSecret,
		Metadata:      pi.Metadata,
	}
	if pi.LatestCharge != nil {
		in.ChargeID = pi.LatestCharge.ID
	}
	return in
}

// classify maps a stripe-go error onto the package sentinels while keeping
// the original error in the chain.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// No API response: network failure, context deadline, TLS.
		return fmt.Errorf("stripe %s: %w: %w", op, ErrTransient, err)
	}

	switch {
	case se.Code == stripe.ErrorCodePaymentIntentUnexpectedState:
		return fmt.Errorf("stripe %s: %w: %w", op, ErrStateConflict, err)
	case se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("stripe %s: %w: %w", op, ErrNotFound, err)
	case se.HTTPStatusCode == http.StatusConflict,
		se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= 500,
		se.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("stripe %s: %w: %w", op, ErrTransient, err)
	default:
		return fmt.Errorf("stripe %s: %w: %w", op, ErrRejected, err)
	}
}

// slogAdapter routes stripe-go's internal logging into slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Debugf(format string, v ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (a slogAdapter) Infof(format string, v ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (a slogAdapter) Warnf(format string, v ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, v...), "component", "stripe")
}

func (a slogAdapter) Errorf(format string, v ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, v...), "component", "stripe")
}

var _ Provider = (*StripeProvider)(nil)
