package mocks

import (
	"context"
	"sync"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MockAuditStore is a mock implementation of AuditStore for testing
type MockAuditStore struct {
	mu          sync.Mutex
	invocations []*domain.ToolInvocation

	RecordFn func(inv *domain.ToolInvocation) error
}

// NewMockAuditStore creates a new MockAuditStore
func NewMockAuditStore() *MockAuditStore {
	return &MockAuditStore{}
}

func (m *MockAuditStore) Record(ctx context.Context, inv *domain.ToolInvocation) error {
	if m.RecordFn != nil {
		return m.RecordFn(inv)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *inv
	m.invocations = append(m.invocations, &c)
	return nil
}

func (m *MockAuditStore) ListRecent(ctx context.Context, tool domain.ToolName, limit int) ([]*domain.ToolInvocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.ToolInvocation
	for i := len(m.invocations) - 1; i >= 0; i-- {
		inv := m.invocations[i]
		if tool != "" && inv.Tool != tool {
			continue
		}
		c := *inv
		result = append(result, &c)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
