//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/ticketescrow/internal/pagination"
	"github.com/mbd888/ticketescrow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pgOrder(id string, status Status, createdAt time.Time) *Order {
	face := int64(1000)
	return &Order{
		ID:                      id,
		ListingID:               "lst_pg",
		Quantity:                2,
		UnitPriceCents:          1000,
		FaceValueCents:          &face,
		Currency:                "usd",
		BuyerFeeCents:           700,
		SellerFeeCents:          250,
		PlatformTakeCents:       950,
		GrossChargeCents:        2700,
		SellerPayoutCents:       1750,
		SellerPayoutDestination: "acct_seller",
		Status:                  status,
		CreatedAt:               createdAt,
		LastTransitionAt:        createdAt,
	}
}

func TestPostgresStore_CreateGetUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := pgOrder("pi_pg1", StatusAuthorized, now)
	require.NoError(t, s.Create(ctx, o))
	assert.ErrorIs(t, s.Create(ctx, pgOrder("pi_pg1", StatusAuthorized, now)), ErrOrderExists)

	got, err := s.Get(ctx, "pi_pg1")
	require.NoError(t, err)
	assert.Equal(t, int64(1750), got.SellerPayoutCents)
	require.NotNil(t, got.FaceValueCents)
	assert.Nil(t, got.ConfirmDeadline)
	assert.Equal(t, 1, got.Version)

	stale, err := s.Get(ctx, "pi_pg1")
	require.NoError(t, err)

	deadline := now.Add(72 * time.Hour)
	got.ConfirmDeadline = &deadline
	got.Sent = true
	require.NoError(t, s.Update(ctx, got))
	assert.Equal(t, 2, got.Version)

	stale.Status = StatusCanceled
	assert.ErrorIs(t, s.Update(ctx, stale), ErrConcurrentUpdate)
	assert.ErrorIs(t, s.Update(ctx, pgOrder("pi_missing", StatusAuthorized, now)), ErrOrderNotFound)

	// The deadline survives a write that carries none.
	got.ConfirmDeadline = nil
	got.Status = StatusOnHold
	require.NoError(t, s.Update(ctx, got))
	reread, err := s.Get(ctx, "pi_pg1")
	require.NoError(t, err)
	require.NotNil(t, reread.ConfirmDeadline)
	assert.True(t, deadline.Equal(*reread.ConfirmDeadline))
	assert.Equal(t, StatusOnHold, reread.Status)
	assert.True(t, reread.Sent)

	_, err = s.Get(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPostgresStore_ListAwaiting(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	statuses := []Status{StatusAuthorized, StatusCaptured, StatusOnHold, StatusAuthorized}
	for i, st := range statuses {
		require.NoError(t, s.Create(ctx, pgOrder("pi_l"+string(rune('a'+i)), st, base.Add(time.Duration(i)*time.Second))))
	}

	page, err := s.ListAwaiting(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "pi_la", page[0].ID)
	assert.Equal(t, "pi_lc", page[1].ID)

	page, err = s.ListAwaiting(ctx, &pagination.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "pi_ld", page[0].ID)

	all, err := s.ListByListing(ctx, "lst_pg", nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
