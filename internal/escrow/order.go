// Package escrow holds buyer funds for ticket orders until the buyer confirms
// receipt or the confirmation window runs out.
//
// Flow:
//  1. Buyer places an order → provider authorizes (holds) the gross charge
//  2. Seller marks tickets sent (optional; blocks buyer cancellation)
//  3. Buyer confirms → hold captured, seller payout transferred
//  4. Buyer reports an issue → order on hold, canceled once the window ends
//  5. Window ends without action → hold captured automatically
//
// Every move into captured or canceled goes through the transition table in
// machine.go and is executed against the provider with deterministic
// idempotency keys.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/ticketescrow/internal/fees"
	"github.com/mbd888/ticketescrow/internal/pagination"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderExists      = errors.New("order already exists")
	ErrConcurrentUpdate = errors.New("order was modified concurrently")

	// Validation
	ErrMissingListing        = errors.New("listing id is required")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrInsufficientInventory = errors.New("not enough tickets remaining")

	// Preconditions
	ErrInvalidStatus   = errors.New("invalid order status for this operation")
	ErrDeadlineExpired = errors.New("confirmation deadline has passed")
	ErrOnHold          = errors.New("order is on hold")
	ErrAlreadySent     = errors.New("tickets already marked sent")
	ErrAlreadyCaptured = errors.New("order already captured")
	ErrNotDue          = errors.New("confirmation deadline has not passed")
	ErrHoldConfirmed   = errors.New("hold is confirmed and has a deadline")

	// ErrSettledElsewhere means the provider had already moved the hold to
	// the opposite terminal state (another actor, or hold expiry).
	ErrSettledElsewhere = errors.New("payment already settled by another actor")
)

// StateError is a precondition failure. It carries the order's current
// status so callers can reconcile their view.
type StateError struct {
	Err    error
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%v (current status: %s)", e.Err, e.Status)
}

func (e *StateError) Unwrap() error { return e.Err }

// Status represents the state of an order's escrow.
type Status string

const (
	StatusAuthorized Status = "authorized" // Funds held, awaiting confirmation
	StatusOnHold     Status = "on_hold"    // Buyer reported an issue
	StatusCaptured   Status = "captured"   // Funds settled
	StatusCanceled   Status = "canceled"   // Hold voided
)

// Resolution records which path finalized an order.
const (
	ResolutionBuyerConfirmed   = "buyer_confirmed"
	ResolutionAutoReleased     = "auto_released"
	ResolutionBuyerCanceled    = "buyer_canceled"
	ResolutionAutoCanceled     = "auto_canceled"
	ResolutionProviderCaptured = "provider_captured"
	ResolutionProviderCanceled = "provider_canceled"
	ResolutionAbandoned        = "abandoned"
)

// DefaultEscrowWindow is how long a buyer has to confirm or dispute.
const DefaultEscrowWindow = 72 * time.Hour

// DefaultAbandonAfter is how long a hold may stay unconfirmed before the
// sweep voids it.
const DefaultAbandonAfter = 24 * time.Hour

// Policy is the immutable escrow configuration passed in at construction.
type Policy struct {
	EscrowWindow time.Duration
	AbandonAfter time.Duration
	MaxQuantity  int
	Currency     string
}

// DefaultPolicy returns a 72h window and a 24h abandonment cutoff, up to 10
// tickets per order, in USD.
func DefaultPolicy() Policy {
	return Policy{
		EscrowWindow: DefaultEscrowWindow,
		AbandonAfter: DefaultAbandonAfter,
		MaxQuantity:  10,
		Currency:     "usd",
	}
}

// Order is one buyer purchase held in escrow. Its ID is the provider's
// authorization id. Fee fields are frozen at authorization.
type Order struct {
	ID                      string     `json:"id"`
	ListingID               string     `json:"listingId"`
	Quantity                int        `json:"quantity"`
	UnitPriceCents          int64      `json:"unitPriceCents"`
	FaceValueCents          *int64     `json:"faceValueCents,omitempty"`
	Currency                string     `json:"currency"`
	BuyerFeeCents           int64      `json:"buyerFeeCents"`
	SellerFeeCents          int64      `json:"sellerFeeCents"`
	PlatformTakeCents       int64      `json:"platformTakeCents"`
	GrossChargeCents        int64      `json:"grossChargeCents"`
	SellerPayoutCents       int64      `json:"sellerPayoutCents"`
	SellerPayoutDestination string     `json:"sellerPayoutDestination,omitempty"`
	Status                  Status     `json:"status"`
	Sent                    bool       `json:"sent"`
	SentAt                  *time.Time `json:"sentAt,omitempty"`
	IssueReason             string     `json:"issueReason,omitempty"`
	ConfirmDeadline         *time.Time `json:"confirmDeadline,omitempty"`
	CapturedAt              *time.Time `json:"capturedAt,omitempty"`
	CanceledAt              *time.Time `json:"canceledAt,omitempty"`
	ChargeID                string     `json:"chargeId,omitempty"`
	TransferID              string     `json:"transferId,omitempty"`
	TransferError           string     `json:"transferError,omitempty"`
	Resolution              string     `json:"resolution,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	LastTransitionAt        time.Time  `json:"lastTransitionAt"`

	// Version is the optimistic-lock counter maintained by the Store.
	Version int `json:"-"`
}

// IsTerminal returns true if the order is captured or canceled.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusCaptured || o.Status == StatusCanceled
}

// PastDeadline reports whether now is strictly after the confirm deadline.
// An order without a deadline (hold not yet confirmed) is never past it.
func (o *Order) PastDeadline(now time.Time) bool {
	return o.ConfirmDeadline != nil && now.After(*o.ConfirmDeadline)
}

// Abandoned reports whether the hold was never confirmed and is older than
// after. A zero after disables the cutoff.
func (o *Order) Abandoned(now time.Time, after time.Duration) bool {
	if o.ConfirmDeadline != nil || o.IsTerminal() || after <= 0 {
		return false
	}
	return now.After(o.CreatedAt.Add(after))
}

// NeedsPayout reports whether a captured order still owes the seller a transfer.
func (o *Order) NeedsPayout() bool {
	return o.Status == StatusCaptured && o.TransferID == "" &&
		o.SellerPayoutDestination != "" && o.SellerPayoutCents > 0
}

// Fees rebuilds the fee breakdown from the fields frozen at authorization.
func (o *Order) Fees() fees.Breakdown {
	b := fees.Breakdown{
		UnitPriceCents:    o.UnitPriceCents,
		Quantity:          o.Quantity,
		SubtotalCents:     o.UnitPriceCents * int64(o.Quantity),
		BuyerFeeCents:     o.BuyerFeeCents,
		SellerFeeCents:    o.SellerFeeCents,
		PlatformTakeCents: o.PlatformTakeCents,
		GrossChargeCents:  o.GrossChargeCents,
		SellerPayoutCents: o.SellerPayoutCents,
		Clamped:           o.PlatformTakeCents < o.BuyerFeeCents+o.SellerFeeCents,
	}
	if o.Quantity > 0 {
		b.SellerFeePerTicketCents = o.SellerFeeCents / int64(o.Quantity)
	}
	return b
}

func (o *Order) clone() *Order {
	cp := *o
	cp.FaceValueCents = clonePtr(o.FaceValueCents)
	cp.SentAt = clonePtr(o.SentAt)
	cp.ConfirmDeadline = clonePtr(o.ConfirmDeadline)
	cp.CapturedAt = clonePtr(o.CapturedAt)
	cp.CanceledAt = clonePtr(o.CanceledAt)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Store persists orders. Update is optimistic: it fails with
// ErrConcurrentUpdate unless o.Version matches the stored row, and bumps
// o.Version on success.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	// ListAwaiting pages through authorized and on_hold orders ordered by
	// (createdAt, id), starting after the cursor.
	ListAwaiting(ctx context.Context, after *pagination.Cursor, limit int) ([]*Order, error)
	ListByListing(ctx context.Context, listingID string, after *pagination.Cursor, limit int) ([]*Order, error)
}
