package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MockIdempotencyLedger is an in-memory IdempotencyLedger with atomic claims.
type MockIdempotencyLedger struct {
	mu      sync.Mutex
	records map[string]*domain.IdempotencyRecord

	// Claims counts successful Begin claims
	Claims int

	// Extensions counts successful lease extensions
	Extensions int

	BeginFn func(rec *domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error)
}

// NewMockIdempotencyLedger creates a new MockIdempotencyLedger
func NewMockIdempotencyLedger() *MockIdempotencyLedger {
	return &MockIdempotencyLedger{records: make(map[string]*domain.IdempotencyRecord)}
}

func (m *MockIdempotencyLedger) Begin(ctx context.Context, rec *domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	if m.BeginFn != nil {
		return m.BeginFn(rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.Fingerprint]; ok && existing.IsLive(time.Now()) {
		c := *existing
		return &c, false, nil
	}
	c := *rec
	m.records[rec.Fingerprint] = &c
	m.Claims++
	return nil, true, nil
}

// held returns the in_progress record owner holds for fingerprint. Callers hold mu.
func (m *MockIdempotencyLedger) held(fingerprint, owner string) (*domain.IdempotencyRecord, bool) {
	existing, ok := m.records[fingerprint]
	if !ok || existing.Status != domain.IdempotencyInProgress || existing.Owner != owner {
		return nil, false
	}
	return existing, true
}

func (m *MockIdempotencyLedger) Extend(ctx context.Context, fingerprint, owner string, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.held(fingerprint, owner)
	if !ok {
		return domain.ErrClaimLost
	}
	existing.LeaseUntil = leaseUntil
	m.Extensions++
	return nil
}

func (m *MockIdempotencyLedger) Complete(ctx context.Context, rec *domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held(rec.Fingerprint, rec.Owner); !ok {
		return domain.ErrClaimLost
	}
	c := *rec
	m.records[rec.Fingerprint] = &c
	return nil
}

func (m *MockIdempotencyLedger) Release(ctx context.Context, fingerprint, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held(fingerprint, owner); !ok {
		return domain.ErrClaimLost
	}
	delete(m.records, fingerprint)
	return nil
}

func (m *MockIdempotencyLedger) Get(ctx context.Context, fingerprint string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fingerprint]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (m *MockIdempotencyLedger) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for fp, rec := range m.records {
		if !now.Before(rec.ExpiresAt) {
			delete(m.records, fp)
			purged++
		}
	}
	return purged, nil
}

// Put stores a record directly (test setup).
func (m *MockIdempotencyLedger) Put(rec *domain.IdempotencyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rec
	m.records[rec.Fingerprint] = &c
}

// MockIdempotencyCache is a mock implementation of IdempotencyCache for testing
type MockIdempotencyCache struct {
	mu      sync.Mutex
	records map[string]*domain.IdempotencyRecord
	Hits    int
}

// NewMockIdempotencyCache creates a new MockIdempotencyCache
func NewMockIdempotencyCache() *MockIdempotencyCache {
	return &MockIdempotencyCache{records: make(map[string]*domain.IdempotencyRecord)}
}

func (m *MockIdempotencyCache) Get(ctx context.Context, fingerprint string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fingerprint]
	if !ok {
		return nil, domain.ErrNotFound
	}
	m.Hits++
	c := *rec
	return &c, nil
}

func (m *MockIdempotencyCache) Put(ctx context.Context, rec *domain.IdempotencyRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rec
	m.records[rec.Fingerprint] = &c
	return nil
}
