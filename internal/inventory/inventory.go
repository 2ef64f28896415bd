// Package inventory is the listing collaborator consumed by the escrow: read a
// listing, upsert one, and decrement remaining seats once per captured order.
package inventory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrInvalidListing  = errors.New("invalid listing")
)

// Listing is the subset of a marketplace listing the escrow needs.
type Listing struct {
	ID                string    `json:"id"`
	SellerDestination string    `json:"sellerDestination,omitempty"`
	UnitPriceCents    int64     `json:"unitPriceCents"`
	FaceValueCents    *int64    `json:"faceValueCents,omitempty"`
	Currency          string    `json:"currency"`
	Remaining         int       `json:"remaining"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Validate checks the fields an upsert must carry.
func (l *Listing) Validate() error {
	switch {
	case l.ID == "":
		return errors.Join(ErrInvalidListing, errors.New("id is required"))
	case l.UnitPriceCents < 0:
		return errors.Join(ErrInvalidListing, errors.New("unit price must not be negative"))
	case l.FaceValueCents != nil && *l.FaceValueCents < 0:
		return errors.Join(ErrInvalidListing, errors.New("face value must not be negative"))
	case l.Remaining < 0:
		return errors.Join(ErrInvalidListing, errors.New("remaining must not be negative"))
	}
	return nil
}

// DecrementResult reports the outcome of DecrementOnce.
type DecrementResult struct {
	// Applied is false when the order was already processed.
	Applied   bool `json:"applied"`
	Remaining int  `json:"remaining"`
}

// Store persists listings and the processed-order ledger.
type Store interface {
	Get(ctx context.Context, id string) (*Listing, error)
	Upsert(ctx context.Context, l *Listing) error
	// DecrementOnce reduces remaining seats by quantity (floored at zero)
	// the first time it sees orderID; later calls are no-ops.
	DecrementOnce(ctx context.Context, orderID, listingID string, quantity int) (*DecrementResult, error)
}
