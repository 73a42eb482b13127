package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// MockJobQueue is an in-memory JobQueue with per-scope FIFO ordering.
// A scope's head job blocks later jobs of the same scope until it completes.
type MockJobQueue struct {
	mu     sync.Mutex
	jobs   map[string]*domain.SyncJob
	leases map[string]time.Time
	seq    int64

	// Lease is the claim granted by Dequeue (default: 2m)
	Lease time.Duration

	// Extensions counts successful ExtendLease calls
	Extensions int

	// Batches counts successful EnqueueBatch calls
	Batches int

	// Custom behavior hooks (optional)
	EnqueueFn func(job *domain.SyncJob) error
	PingFn    func() error
}

// NewMockJobQueue creates a new MockJobQueue
func NewMockJobQueue() *MockJobQueue {
	return &MockJobQueue{
		jobs:   make(map[string]*domain.SyncJob),
		leases: make(map[string]time.Time),
		Lease:  2 * time.Minute,
	}
}

func (m *MockJobQueue) Enqueue(ctx context.Context, job *domain.SyncJob) error {
	if m.EnqueueFn != nil {
		if err := m.EnqueueFn(job); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	job.Seq = m.seq
	c := copyJob(job)
	m.jobs[job.ID] = c
	return nil
}

func (m *MockJobQueue) EnqueueBatch(ctx context.Context, jobs []*domain.SyncJob) error {
	if m.EnqueueFn != nil {
		for _, job := range jobs {
			if err := m.EnqueueFn(job); err != nil {
				return err
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range jobs {
		m.seq++
		job.Seq = m.seq
		m.jobs[job.ID] = copyJob(job)
	}
	m.Batches++
	return nil
}

func (m *MockJobQueue) Dequeue(ctx context.Context) (*domain.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	running := make(map[string]bool)
	heads := make(map[string]*domain.SyncJob)
	for _, j := range m.jobs {
		switch j.State {
		case domain.JobStateRunning:
			if now.Before(m.leases[j.ID]) {
				running[j.Scope] = true
				continue
			}
			if h, ok := heads[j.Scope]; !ok || j.Seq < h.Seq {
				heads[j.Scope] = j
			}
		case domain.JobStateQueued, domain.JobStateRetrying:
			if h, ok := heads[j.Scope]; !ok || j.Seq < h.Seq {
				heads[j.Scope] = j
			}
		}
	}

	var next *domain.SyncJob
	for scope, j := range heads {
		if running[scope] {
			continue
		}
		if j.State != domain.JobStateRunning && !j.IsReady(now) {
			continue
		}
		if next == nil || j.Priority > next.Priority || (j.Priority == next.Priority && j.Seq < next.Seq) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	if next.State == domain.JobStateRunning && !next.CanRetry() {
		next.MarkFailed(fmt.Sprintf("lease expired after %d attempts", next.Attempts))
		delete(m.leases, next.ID)
		return nil, nil
	}
	next.MarkRunning()
	m.leases[next.ID] = now.Add(m.Lease)
	return copyJob(next), nil
}

func (m *MockJobQueue) DequeueWithTimeout(ctx context.Context, timeout int) (*domain.SyncJob, error) {
	deadline := time.Now().Add(time.Duration(timeout) * time.Second)
	for {
		job, err := m.Dequeue(ctx)
		if err != nil || job != nil {
			return job, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *MockJobQueue) Ack(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.MarkSucceeded()
	delete(m.leases, jobID)
	return nil
}

func (m *MockJobQueue) Nack(ctx context.Context, jobID string, reason string, retryable bool) (*domain.SyncJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	delete(m.leases, jobID)
	if retryable && j.CanRetry() {
		j.Retry(reason)
	} else {
		j.MarkFailed(reason)
	}
	return copyJob(j), nil
}

func (m *MockJobQueue) ExtendLease(ctx context.Context, jobID string, attempt int, lease time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.State != domain.JobStateRunning || j.Attempts != attempt {
		return domain.ErrJobLeaseLost
	}
	m.leases[jobID] = time.Now().Add(lease)
	m.Extensions++
	return nil
}

func (m *MockJobQueue) Requeue(ctx context.Context, jobID string, attempt int, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.State != domain.JobStateRunning || j.Attempts != attempt {
		return domain.ErrJobLeaseLost
	}
	now := time.Now()
	j.State = domain.JobStateRetrying
	if j.Attempts > 0 {
		j.Attempts--
	}
	j.Error = reason
	j.NextRetryAt = now
	j.UpdatedAt = now
	delete(m.leases, jobID)
	return nil
}

func (m *MockJobQueue) SaveProgress(ctx context.Context, jobID string, pageToken string, processed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.PageToken = pageToken
	j.Processed = processed
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MockJobQueue) GetJob(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyJob(j), nil
}

func (m *MockJobQueue) ListJobs(ctx context.Context, filter driven.JobFilter) ([]*domain.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.SyncJob
	for _, j := range m.jobs {
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		if filter.Scope != "" && j.Scope != filter.Scope {
			continue
		}
		result = append(result, copyJob(j))
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Seq > result[k].Seq })
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MockJobQueue) CancelJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State != domain.JobStateQueued && j.State != domain.JobStateRetrying {
		return domain.ErrJobNotCancellable
	}
	now := time.Now()
	j.State = domain.JobStateCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *MockJobQueue) PurgeJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	purged := 0
	for id, j := range m.jobs {
		if j.State.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MockJobQueue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &driven.QueueStats{}
	now := time.Now()
	for _, j := range m.jobs {
		switch j.State {
		case domain.JobStateQueued:
			stats.QueuedCount++
			if age := int64(now.Sub(j.CreatedAt).Seconds()); age > stats.OldestQueuedAge {
				stats.OldestQueuedAge = age
			}
		case domain.JobStateRunning:
			stats.RunningCount++
		case domain.JobStateRetrying:
			stats.RetryingCount++
		case domain.JobStateSucceeded:
			stats.SucceededCount++
		case domain.JobStateFailed:
			stats.FailedCount++
		case domain.JobStateCancelled:
			stats.CancelledCount++
		}
	}
	return stats, nil
}

func (m *MockJobQueue) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn()
	}
	return nil
}

func (m *MockJobQueue) Close() error {
	return nil
}

// ExpireLease makes a running job's claim lapse as if its worker died (test setup).
func (m *MockJobQueue) ExpireLease(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[jobID] = time.Now().Add(-time.Millisecond)
}

// LeaseExtensions returns how many heartbeats succeeded (for test assertions).
func (m *MockJobQueue) LeaseExtensions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Extensions
}

// MakeReady clears a job's retry delay (test setup).
func (m *MockJobQueue) MakeReady(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		j.NextRetryAt = time.Now().Add(-time.Millisecond)
	}
}

// Jobs returns every job in enqueue order (for test assertions).
func (m *MockJobQueue) Jobs() []*domain.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*domain.SyncJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		result = append(result, copyJob(j))
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Seq < result[k].Seq })
	return result
}

func copyJob(j *domain.SyncJob) *domain.SyncJob {
	c := *j
	if j.Payload != nil {
		c.Payload = make(map[string]string, len(j.Payload))
		for k, v := range j.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}
