package mocks

import (
	"context"
	"sync"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MockAlerter records alerts for assertions.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

// NewMockAlerter creates a new MockAlerter
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) Alert(ctx context.Context, alert domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (m *MockAlerter) Alerts() []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Alert(nil), m.alerts...)
}
