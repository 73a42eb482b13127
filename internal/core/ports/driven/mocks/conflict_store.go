package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MockConflictStore is a mock implementation of ConflictStore for testing
type MockConflictStore struct {
	mu    sync.RWMutex
	cases map[string]*domain.ConflictCase
}

// NewMockConflictStore creates a new MockConflictStore
func NewMockConflictStore() *MockConflictStore {
	return &MockConflictStore{cases: make(map[string]*domain.ConflictCase)}
}

func (m *MockConflictStore) Save(ctx context.Context, c *domain.ConflictCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = domain.GenerateID()
	}
	cp := *c
	m.cases[c.ID] = &cp
	return nil
}

func (m *MockConflictStore) Get(ctx context.Context, id string) (*domain.ConflictCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockConflictStore) GetOpenByListing(ctx context.Context, listingID string) (*domain.ConflictCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.cases {
		if c.ListingID == listingID && c.IsOpen() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockConflictStore) List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.ConflictCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.ConflictCase
	for _, c := range m.cases {
		if filter.ListingID != "" && c.ListingID != filter.ListingID {
			continue
		}
		if filter.OpenOnly && !c.IsOpen() {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DetectedAt.After(result[j].DetectedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MockConflictStore) MarkResolved(ctx context.Context, id string, choice domain.Resolution, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !c.IsOpen() {
		return domain.ErrVersionConflict
	}
	c.ResolvedAt = &at
	c.ResolvedBy = by
	c.OperatorChoice = choice
	return nil
}
