package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/ticketescrow/internal/pagination"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return ErrOrderExists
	}
	o.Version = 1
	m.orders[o.ID] = o.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	// Callers mutate what they get back; never hand out the stored pointer.
	return o.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Version != o.Version {
		return ErrConcurrentUpdate
	}
	o.Version++
	m.orders[o.ID] = o.clone()
	return nil
}

func (m *MemoryStore) ListAwaiting(ctx context.Context, after *pagination.Cursor, limit int) ([]*Order, error) {
	return m.list(after, limit, func(o *Order) bool {
		return o.Status == StatusAuthorized || o.Status == StatusOnHold
	})
}

func (m *MemoryStore) ListByListing(ctx context.Context, listingID string, after *pagination.Cursor, limit int) ([]*Order, error) {
	return m.list(after, limit, func(o *Order) bool {
		return o.ListingID == listingID
	})
}

// list returns matching orders in (createdAt, id) order after the cursor.
func (m *MemoryStore) list(after *pagination.Cursor, limit int, match func(*Order) bool) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if !match(o) {
			continue
		}
		if after != nil && !after.Precedes(o.CreatedAt, o.ID) {
			continue
		}
		result = append(result, o.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
