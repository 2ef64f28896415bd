package escrow

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/ticketescrow/internal/payments"
)

// Metadata keys mirrored onto the provider's authorization. The mirror is
// for display and crash recovery; the Store is authoritative.
const (
	mdListingID       = "listing_id"
	mdQuantity        = "quantity"
	mdUnitPrice       = "unit_price_cents"
	mdFaceValue       = "face_value_cents"
	mdBuyerFee        = "buyer_fee_cents"
	mdSellerFee       = "seller_fee_cents"
	mdPlatformTake    = "platform_take_cents"
	mdSellerPayout    = "seller_payout_cents"
	mdDestination     = "seller_destination"
	mdCreatedAt       = "created_at"
	mdConfirmDeadline = "confirm_deadline"
	mdEscrowStatus    = "escrow_status"
	mdCapturedAt      = "captured_at"
	mdCanceledAt      = "canceled_at"
	mdTransferID      = "transfer_id"
	mdTransferError   = "transfer_error"
)

// ErrIncompleteMirror means provider metadata lacks the fields needed to
// rebuild an order.
var ErrIncompleteMirror = errors.New("provider metadata is incomplete")

// mirrorMetadata renders the frozen order terms for the provider.
func mirrorMetadata(o *Order) map[string]string {
	md := map[string]string{
		mdListingID:    o.ListingID,
		mdQuantity:     strconv.Itoa(o.Quantity),
		mdUnitPrice:    strconv.FormatInt(o.UnitPriceCents, 10),
		mdBuyerFee:     strconv.FormatInt(o.BuyerFeeCents, 10),
		mdSellerFee:    strconv.FormatInt(o.SellerFeeCents, 10),
		mdPlatformTake: strconv.FormatInt(o.PlatformTakeCents, 10),
		mdSellerPayout: strconv.FormatInt(o.SellerPayoutCents, 10),
		mdCreatedAt:    o.CreatedAt.UTC().Format(time.RFC3339),
		mdEscrowStatus: string(o.Status),
	}
	if o.FaceValueCents != nil {
		md[mdFaceValue] = strconv.FormatInt(*o.FaceValueCents, 10)
	}
	if o.SellerPayoutDestination != "" {
		md[mdDestination] = o.SellerPayoutDestination
	}
	if o.ConfirmDeadline != nil {
		md[mdConfirmDeadline] = o.ConfirmDeadline.UTC().Format(time.RFC3339)
	}
	return md
}

// OrderFromIntent rebuilds an order from the provider's mirror. Used when an
// authorization exists upstream but never reached the Store.
func OrderFromIntent(in *payments.Intent) (*Order, error) {
	md := in.Metadata
	if md[mdListingID] == "" {
		return nil, fmt.Errorf("%w: %s missing", ErrIncompleteMirror, mdListingID)
	}

	var firstErr error
	num := func(key string) int64 {
		v, err := strconv.ParseInt(md[key], 10, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: %s: %v", ErrIncompleteMirror, key, err)
		}
		return v
	}

	o := &Order{
		ID:                      in.ID,
		ListingID:               md[mdListingID],
		Quantity:                int(num(mdQuantity)),
		UnitPriceCents:          num(mdUnitPrice),
		Currency:                in.Currency,
		BuyerFeeCents:           num(mdBuyerFee),
		SellerFeeCents:          num(mdSellerFee),
		PlatformTakeCents:       num(mdPlatformTake),
		GrossChargeCents:        in.AmountCents,
		SellerPayoutCents:       num(mdSellerPayout),
		SellerPayoutDestination: md[mdDestination],
		Status:                  StatusAuthorized,
		ChargeID:                in.ChargeID,
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if o.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %d", ErrIncompleteMirror, o.Quantity)
	}
	if v, ok := md[mdFaceValue]; ok {
		if fv, err := strconv.ParseInt(v, 10, 64); err == nil {
			o.FaceValueCents = &fv
		}
	}
	if t, err := time.Parse(time.RFC3339, md[mdCreatedAt]); err == nil {
		o.CreatedAt = t
		o.LastTransitionAt = t
	}
	if t, err := time.Parse(time.RFC3339, md[mdConfirmDeadline]); err == nil {
		o.ConfirmDeadline = &t
	}
	return o, nil
}
