package inventory

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	listings  map[string]*Listing
	processed map[string]struct{}
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:  make(map[string]*Listing),
		processed: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	return copyListing(l), nil
}

func (m *MemoryStore) Upsert(ctx context.Context, l *Listing) error {
	if err := l.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := copyListing(l)
	if prev, ok := m.listings[l.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.listings[l.ID] = cp
	return nil
}

func (m *MemoryStore) DecrementOnce(ctx context.Context, orderID, listingID string, quantity int) (*DecrementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[listingID]
	if !ok {
		return nil, ErrListingNotFound
	}
	if _, done := m.processed[orderID]; done {
		return &DecrementResult{Applied: false, Remaining: l.Remaining}, nil
	}

	l.Remaining -= quantity
	if l.Remaining < 0 {
		l.Remaining = 0
	}
	l.UpdatedAt = time.Now().UTC()
	m.processed[orderID] = struct{}{}
	return &DecrementResult{Applied: true, Remaining: l.Remaining}, nil
}

func copyListing(l *Listing) *Listing {
	cp := *l
	if l.FaceValueCents != nil {
		v := *l.FaceValueCents
		cp.FaceValueCents = &v
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
