// Package fees computes the buyer/seller/platform split for a ticket order.
//
// All amounts are integer cents. Percentages are carried as basis points
// (1/100 of a percent) so rounding is exact and reproducible.
package fees

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPrice      = errors.New("unit price must be positive")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrPriceCapExceeded  = errors.New("unit price exceeds resale cap")
	ErrFaceValueRequired = errors.New("face value is required")
	ErrFeeExceedsCharge  = errors.New("platform fee is not less than the charge amount")
)

// ClampPolicy decides what happens when the platform take would reach the
// gross charge (the provider requires the fee to be strictly smaller).
type ClampPolicy string

const (
	ClampSilently ClampPolicy = "clamp"  // reduce platform take to gross-1
	ClampReject   ClampPolicy = "reject" // refuse to create the order
)

// Config holds fee parameters. Immutable once constructed.
type Config struct {
	SellerFeeBasisPoints   int64 // 500 = 5%
	SellerFeeFixedCents    int64
	BuyerFeePerTicketCents int64
	PriceCapBasisPoints    int64 // 11500 = 115% of face value
	RequireFaceValue       bool
	ClampPolicy            ClampPolicy
}

// DefaultConfig returns the marketplace defaults: 5% + 75c seller fee,
// 350c buyer fee per ticket, 115% resale cap, silent clamping.
func DefaultConfig() Config {
	return Config{
		SellerFeeBasisPoints:   500,
		SellerFeeFixedCents:    75,
		BuyerFeePerTicketCents: 350,
		PriceCapBasisPoints:    11500,
		ClampPolicy:            ClampSilently,
	}
}

// Breakdown is the full fee split for one order.
type Breakdown struct {
	UnitPriceCents          int64 `json:"unitPriceCents"`
	Quantity                int   `json:"quantity"`
	SubtotalCents           int64 `json:"subtotalCents"`
	BuyerFeeCents           int64 `json:"buyerFeeCents"`
	SellerFeePerTicketCents int64 `json:"sellerFeePerTicketCents"`
	SellerFeeCents          int64 `json:"sellerFeeCents"`
	PlatformTakeCents       int64 `json:"platformTakeCents"`
	GrossChargeCents        int64 `json:"grossChargeCents"`
	SellerPayoutCents       int64 `json:"sellerPayoutCents"`
	Clamped                 bool  `json:"clamped,omitempty"`
}

// Compute returns the fee breakdown for quantity tickets at unitPriceCents.
func Compute(unitPriceCents int64, quantity int, cfg Config) (Breakdown, error) {
	if unitPriceCents <= 0 {
		return Breakdown{}, ErrInvalidPrice
	}
	if quantity <= 0 {
		return Breakdown{}, ErrInvalidQuantity
	}

	qty := int64(quantity)
	perTicket := roundBasisPoints(unitPriceCents, cfg.SellerFeeBasisPoints) + cfg.SellerFeeFixedCents

	b := Breakdown{
		UnitPriceCents:          unitPriceCents,
		Quantity:                quantity,
		SubtotalCents:           unitPriceCents * qty,
		BuyerFeeCents:           cfg.BuyerFeePerTicketCents * qty,
		SellerFeePerTicketCents: perTicket,
		SellerFeeCents:          perTicket * qty,
	}
	b.GrossChargeCents = b.SubtotalCents + b.BuyerFeeCents
	b.PlatformTakeCents = b.BuyerFeeCents + b.SellerFeeCents

	if b.PlatformTakeCents >= b.GrossChargeCents {
		if cfg.ClampPolicy == ClampReject {
			return Breakdown{}, fmt.Errorf("%w: take %d, charge %d", ErrFeeExceedsCharge, b.PlatformTakeCents, b.GrossChargeCents)
		}
		b.PlatformTakeCents = b.GrossChargeCents - 1
		b.Clamped = true
	}
	b.SellerPayoutCents = b.GrossChargeCents - b.PlatformTakeCents

	return b, nil
}

// CheckPriceCap rejects a unit price above the resale cap. A nil face value
// passes unless the config requires one.
func CheckPriceCap(unitPriceCents int64, faceValueCents *int64, cfg Config) error {
	if faceValueCents == nil {
		if cfg.RequireFaceValue {
			return ErrFaceValueRequired
		}
		return nil
	}
	limit := PriceCap(*faceValueCents, cfg.PriceCapBasisPoints)
	if unitPriceCents > limit {
		return fmt.Errorf("%w: %d > %d", ErrPriceCapExceeded, unitPriceCents, limit)
	}
	return nil
}

// PriceCap returns round(faceValueCents * capBasisPoints / 10000).
func PriceCap(faceValueCents, capBasisPoints int64) int64 {
	return roundBasisPoints(faceValueCents, capBasisPoints)
}

// roundBasisPoints computes round(amount * bps / 10000), half away from zero.
func roundBasisPoints(amount, bps int64) int64 {
	n := amount * bps
	if n < 0 {
		return -((-n + 5000) / 10000)
	}
	return (n + 5000) / 10000
}
