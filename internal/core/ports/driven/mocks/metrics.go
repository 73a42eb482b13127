package mocks

import (
	"sync"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MockMetrics counts gateway and job observations.
type MockMetrics struct {
	mu         sync.Mutex
	Calls      map[domain.OperationKind]int
	Codes      map[domain.ErrorCode]int
	Retries    int
	Replays    int
	QuotaWaits int
	Jobs       map[domain.JobState]int
}

// NewMockMetrics creates a new MockMetrics
func NewMockMetrics() *MockMetrics {
	return &MockMetrics{
		Calls: make(map[domain.OperationKind]int),
		Codes: make(map[domain.ErrorCode]int),
		Jobs:  make(map[domain.JobState]int),
	}
}

func (m *MockMetrics) ObserveCall(op domain.OperationKind, code domain.ErrorCode, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[op]++
	m.Codes[code]++
}

func (m *MockMetrics) ObserveQuotaWait(category domain.EndpointCategory, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QuotaWaits++
}

func (m *MockMetrics) IncRetry(op domain.OperationKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retries++
}

func (m *MockMetrics) IncReplay(op domain.OperationKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replays++
}

func (m *MockMetrics) ObserveJob(kind domain.JobKind, state domain.JobState, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Jobs[state]++
}

// JobCount returns the number of jobs observed in a state.
func (m *MockMetrics) JobCount(state domain.JobState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Jobs[state]
}
