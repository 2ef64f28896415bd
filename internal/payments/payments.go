// Package payments is the contract with the external payment processor:
// authorize a held charge, capture or void it, transfer settled funds to a
// seller, and annotate the charge with mirror metadata.
//
// Amounts are integer cents. Every state-changing call takes an idempotency
// key so that retries never repeat a side effect upstream.
package payments

import (
	"context"
	"errors"
)

var (
	// ErrTransient means the outcome is unknown (timeout, network failure,
	// provider 5xx). The caller may retry with the same idempotency key and
	// must never compensate, since the action may have succeeded upstream.
	ErrTransient = errors.New("payment provider unavailable")

	// ErrStateConflict means the provider reports the authorization already
	// moved to another state (captured or voided by another actor).
	ErrStateConflict = errors.New("payment in unexpected state")

	// ErrNotFound means the provider has no record of the authorization.
	ErrNotFound = errors.New("payment not found")

	// ErrRejected is a definitive refusal (invalid request, declined card).
	ErrRejected = errors.New("payment request rejected")

	// ErrCircuitOpen is returned without calling the provider while the
	// circuit for the operation is open.
	ErrCircuitOpen = errors.New("payment provider circuit open")
)

// IsRetryable reports whether err is safe and sensible to retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrCircuitOpen)
}

// IntentStatus is the provider-side state of an authorization.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
)

// Cancellation reasons accepted by the provider.
const (
	ReasonRequestedByCustomer = "requested_by_customer"
	ReasonAbandoned           = "abandoned"
)

// Intent is a held (or settled) charge as seen by the provider.
type Intent struct {
	ID            string            `json:"id"`
	Status        IntentStatus      `json:"status"`
	AmountCents   int64             `json:"amountCents"`
	CapturedCents int64             `json:"capturedCents"`
	Currency      string            `json:"currency"`
	ChargeID      string            `json:"chargeId,omitempty"`
	ClientSecret  string            `json:"clientSecret,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AuthorizeRequest creates a manual-capture hold. With PaymentMethod set the
// hold is confirmed immediately; otherwise the buyer confirms client-side
// with the returned client secret.
type AuthorizeRequest struct {
	AmountCents    int64
	PaymentMethod  string
	Currency       string
	TransferGroup  string
	IdempotencyKey string
	Metadata       map[string]string
}

// TransferRequest moves settled funds to a seller's destination account.
type TransferRequest struct {
	AmountCents    int64
	Currency       string
	Destination    string
	SourceChargeID string
	TransferGroup  string
	IdempotencyKey string
	Metadata       map[string]string
}

// Transfer is a completed payout.
type Transfer struct {
	ID          string `json:"id"`
	AmountCents int64  `json:"amountCents"`
	Destination string `json:"destination"`
}

// Provider is the payment processor. Implementations must honour
// idempotency keys: the same key always yields the same result.
type Provider interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Intent, error)
	Retrieve(ctx context.Context, id string) (*Intent, error)
	// Capture settles a hold. amountCents 0 captures the full amount.
	Capture(ctx context.Context, id, idempotencyKey string, amountCents int64) (*Intent, error)
	Cancel(ctx context.Context, id, idempotencyKey, reason string) (*Intent, error)
	Transfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error
}
