package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ticketescrow/internal/pagination"
)

func TestMemoryStore_OptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, &Order{ID: "pi_1", Status: StatusAuthorized, CreatedAt: t0}))
	assert.ErrorIs(t, s.Create(ctx, &Order{ID: "pi_1"}), ErrOrderExists)

	a, err := s.Get(ctx, "pi_1")
	require.NoError(t, err)
	b, err := s.Get(ctx, "pi_1")
	require.NoError(t, err)

	a.Status = StatusOnHold
	require.NoError(t, s.Update(ctx, a))
	assert.Equal(t, 2, a.Version)

	b.Status = StatusCaptured
	assert.ErrorIs(t, s.Update(ctx, b), ErrConcurrentUpdate)

	got, err := s.Get(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnHold, got.Status)

	assert.ErrorIs(t, s.Update(ctx, &Order{ID: "pi_missing"}), ErrOrderNotFound)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	deadline := t0.Add(time.Hour)
	require.NoError(t, s.Create(ctx, &Order{ID: "pi_1", Status: StatusAuthorized, ConfirmDeadline: &deadline}))

	got, err := s.Get(ctx, "pi_1")
	require.NoError(t, err)
	*got.ConfirmDeadline = t0.Add(100 * time.Hour)
	got.Status = StatusCanceled

	again, err := s.Get(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, again.Status)
	assert.Equal(t, deadline, *again.ConfirmDeadline)
}

func TestMemoryStore_ListAwaitingPaginates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	statuses := []Status{StatusAuthorized, StatusCaptured, StatusOnHold, StatusCanceled, StatusAuthorized}
	for i, st := range statuses {
		require.NoError(t, s.Create(ctx, &Order{
			ID:        "pi_" + string(rune('a'+i)),
			ListingID: "lst_1",
			Status:    st,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := s.ListAwaiting(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "pi_a", page[0].ID)
	assert.Equal(t, "pi_c", page[1].ID)

	last := page[1]
	page, err = s.ListAwaiting(ctx, &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "pi_e", page[0].ID)

	all, err := s.ListByListing(ctx, "lst_1", nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
