package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MockOrderStore is a mock implementation of OrderStore for testing
type MockOrderStore struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
}

// NewMockOrderStore creates a new MockOrderStore
func NewMockOrderStore() *MockOrderStore {
	return &MockOrderStore{orders: make(map[string]*domain.Order)}
}

func (m *MockOrderStore) Upsert(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := *order
	m.orders[order.ID] = &o
	return nil
}

func (m *MockOrderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *o
	return &c, nil
}

func (m *MockOrderStore) ListByListing(ctx context.Context, listingID string) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Order
	for _, o := range m.orders {
		if o.ListingID == listingID {
			c := *o
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MockOrderStore) ListSince(ctx context.Context, since time.Time) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Order
	for _, o := range m.orders {
		if !o.CreatedAt.Before(since) {
			c := *o
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}
