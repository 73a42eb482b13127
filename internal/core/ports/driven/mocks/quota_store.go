package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MockQuotaStore is an in-memory fixed-window QuotaStore.
// Now can be replaced to drive window resets from a fake clock.
type MockQuotaStore struct {
	mu      sync.Mutex
	windows map[domain.EndpointCategory]*domain.QuotaWindow

	// Acquired counts tokens handed out per category
	Acquired map[domain.EndpointCategory]int

	Now func() time.Time
}

// NewMockQuotaStore creates a new MockQuotaStore
func NewMockQuotaStore() *MockQuotaStore {
	return &MockQuotaStore{
		windows:  make(map[domain.EndpointCategory]*domain.QuotaWindow),
		Acquired: make(map[domain.EndpointCategory]int),
		Now:      time.Now,
	}
}

func (m *MockQuotaStore) current(policy domain.QuotaPolicy) *domain.QuotaWindow {
	now := m.Now()
	w, ok := m.windows[policy.Category]
	if !ok || !now.Before(w.ResetAt) {
		w = &domain.QuotaWindow{
			Category:  policy.Category,
			Limit:     policy.Limit,
			Remaining: policy.Limit,
			ResetAt:   now.Add(policy.Window),
		}
		m.windows[policy.Category] = w
	}
	return w
}

func (m *MockQuotaStore) TryAcquire(ctx context.Context, policy domain.QuotaPolicy, n int) (domain.QuotaWindow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.current(policy)
	if w.Remaining < n {
		return *w, false, nil
	}
	w.Remaining -= n
	m.Acquired[policy.Category] += n
	return *w, true, nil
}

func (m *MockQuotaStore) Window(ctx context.Context, policy domain.QuotaPolicy) (domain.QuotaWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.current(policy), nil
}

func (m *MockQuotaStore) Exhaust(ctx context.Context, policy domain.QuotaPolicy, resetAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[policy.Category] = &domain.QuotaWindow{
		Category:  policy.Category,
		Limit:     policy.Limit,
		Remaining: 0,
		ResetAt:   resetAt,
	}
	return nil
}

// SetWindow forces the state of a category window (test setup).
func (m *MockQuotaStore) SetWindow(w domain.QuotaWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := w
	m.windows[w.Category] = &c
}
