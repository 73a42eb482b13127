package mocks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MockMirrorStore is an in-memory MirrorStore with the same compare-and-swap
// semantics as the Postgres store.
type MockMirrorStore struct {
	mu       sync.RWMutex
	listings map[string]*domain.Listing
	seen     map[string]map[string]bool

	// Upserts counts successful writes
	Upserts int

	// Custom behavior hooks (optional)
	UpsertFn func(listing *domain.Listing, expected int64, origin domain.WriteOrigin) (*domain.Listing, error)
	GetFn    func(id string) (*domain.Listing, error)
}

// NewMockMirrorStore creates a new MockMirrorStore
func NewMockMirrorStore() *MockMirrorStore {
	return &MockMirrorStore{
		listings: make(map[string]*domain.Listing),
		seen:     make(map[string]map[string]bool),
	}
}

// Seed stores a listing as-is, bypassing version checks (test setup).
func (m *MockMirrorStore) Seed(listing *domain.Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[listing.ID] = listing.Clone()
}

func (m *MockMirrorStore) Get(ctx context.Context, id string) (*domain.Listing, error) {
	if m.GetFn != nil {
		return m.GetFn(id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return l.Clone(), nil
}

func (m *MockMirrorStore) Upsert(ctx context.Context, listing *domain.Listing, expected int64, origin domain.WriteOrigin) (*domain.Listing, error) {
	if m.UpsertFn != nil {
		return m.UpsertFn(listing, expected, origin)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.listings[listing.ID]
	var current, synced int64
	createdAt := now
	if ok {
		current = existing.LocalVersion
		synced = existing.SyncedVersion
		createdAt = existing.CreatedAt
	}
	if current != expected {
		return nil, domain.ErrVersionConflict
	}

	stored := listing.Clone()
	stored.LocalVersion = expected + 1
	stored.SyncedVersion = synced
	stored.CreatedAt = createdAt
	stored.UpdatedAt = now
	switch origin {
	case domain.OriginRemote:
		stored.SyncedVersion = stored.LocalVersion
		stored.LastSyncedAt = &now
	case domain.OriginMerge:
		stored.LastSyncedAt = &now
	default:
		stored.LocalModifiedAt = &now
	}

	m.listings[stored.ID] = stored
	m.Upserts++
	return stored.Clone(), nil
}

func (m *MockMirrorStore) List(ctx context.Context, filter domain.ListingFilter) ([]*domain.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := m.match(filter)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *MockMirrorStore) Count(ctx context.Context, filter domain.ListingFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.match(filter)), nil
}

func (m *MockMirrorStore) match(filter domain.ListingFilter) []*domain.Listing {
	var result []*domain.Listing
	query := strings.ToLower(filter.Query)
	for _, l := range m.listings {
		if query != "" && !strings.Contains(strings.ToLower(l.Title), query) &&
			!strings.Contains(strings.ToLower(l.Description), query) &&
			!strings.EqualFold(l.SKU, filter.Query) {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		if filter.CategoryID != "" && l.CategoryID != filter.CategoryID {
			continue
		}
		if filter.MinPrice != nil && l.Price.LessThan(*filter.MinPrice) {
			continue
		}
		if filter.MaxPrice != nil && l.Price.GreaterThan(*filter.MaxPrice) {
			continue
		}
		if filter.Pending && !l.HasPendingMutation() {
			continue
		}
		result = append(result, l.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *MockMirrorStore) TrackSeen(ctx context.Context, runID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.seen[runID]
	if !ok {
		set = make(map[string]bool)
		m.seen[runID] = set
	}
	for _, id := range ids {
		set[id] = true
	}
	return nil
}

func (m *MockMirrorStore) ListAbsent(ctx context.Context, runID string, runStart time.Time) ([]*domain.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.seen[runID]
	var result []*domain.Listing
	for id, l := range m.listings {
		if set[id] || l.Status == domain.ListingStatusEnded {
			continue
		}
		synced := l.CreatedAt
		if l.LastSyncedAt != nil {
			synced = *l.LastSyncedAt
		}
		if !synced.Before(runStart) {
			continue
		}
		result = append(result, l.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MockMirrorStore) ClearSeen(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, runID)
	return nil
}

// SeenCount returns the number of ids tracked for a run (for test assertions).
func (m *MockMirrorStore) SeenCount(runID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seen[runID])
}
