package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MockSchedulerStore is a mock implementation of SchedulerStore for testing
type MockSchedulerStore struct {
	mu        sync.RWMutex
	schedules map[string]*domain.ScheduledJob

	GetDueFn func() ([]*domain.ScheduledJob, error)
}

// NewMockSchedulerStore creates a new MockSchedulerStore
func NewMockSchedulerStore() *MockSchedulerStore {
	return &MockSchedulerStore{schedules: make(map[string]*domain.ScheduledJob)}
}

func (m *MockSchedulerStore) GetScheduledJob(ctx context.Context, id string) (*domain.ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MockSchedulerStore) ListScheduledJobs(ctx context.Context) ([]*domain.ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.ScheduledJob
	for _, s := range m.schedules {
		c := *s
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MockSchedulerStore) SaveScheduledJob(ctx context.Context, job *domain.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *job
	m.schedules[job.ID] = &c
	return nil
}

func (m *MockSchedulerStore) DeleteScheduledJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *MockSchedulerStore) GetDueScheduledJobs(ctx context.Context) ([]*domain.ScheduledJob, error) {
	if m.GetDueFn != nil {
		return m.GetDueFn()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var result []*domain.ScheduledJob
	for _, s := range m.schedules {
		if s.IsDue(now) {
			c := *s
			result = append(result, &c)
		}
	}
	return result, nil
}

func (m *MockSchedulerStore) UpdateLastRun(ctx context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.UpdateNextRun(time.Now())
	s.LastError = lastError
	return nil
}
