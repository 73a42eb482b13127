package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

func newTestQuotaStore(t *testing.T) (*QuotaStore, *time.Time) {
	t.Helper()
	client, _ := setupTestRedis(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewQuotaStore(client)
	store.now = func() time.Time { return now }
	return store, &now
}

func TestQuotaStore_TryAcquire(t *testing.T) {
	store, now := newTestQuotaStore(t)
	ctx := context.Background()
	policy := domain.QuotaPolicy{Category: domain.CategoryListingsWrite, Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		w, ok, err := store.TryAcquire(ctx, policy, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("acquire %d: expected success", i)
		}
		if w.Remaining != 2-i {
			t.Errorf("acquire %d: expected remaining %d, got %d", i, 2-i, w.Remaining)
		}
		if !w.ResetAt.Equal(now.Add(time.Minute)) {
			t.Errorf("expected reset at %v, got %v", now.Add(time.Minute), w.ResetAt)
		}
	}

	w, ok, err := store.TryAcquire(ctx, policy, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected acquire to fail on an empty window")
	}
	if w.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", w.Remaining)
	}
}

func TestQuotaStore_TryAcquire_NotEnough(t *testing.T) {
	store, _ := newTestQuotaStore(t)
	ctx := context.Background()
	policy := domain.QuotaPolicy{Category: domain.CategoryOrders, Limit: 5, Window: time.Minute}

	if _, ok, _ := store.TryAcquire(ctx, policy, 4); !ok {
		t.Fatal("expected first acquire to succeed")
	}
	w, ok, err := store.TryAcquire(ctx, policy, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected acquire of 2 to fail with 1 remaining")
	}
	if w.Remaining != 1 {
		t.Errorf("expected nothing taken, remaining 1, got %d", w.Remaining)
	}
}

func TestQuotaStore_Rollover(t *testing.T) {
	store, now := newTestQuotaStore(t)
	ctx := context.Background()
	policy := domain.QuotaPolicy{Category: domain.CategoryListingsRead, Limit: 1, Window: time.Minute}

	if _, ok, _ := store.TryAcquire(ctx, policy, 1); !ok {
		t.Fatal("expected acquire to succeed")
	}
	if _, ok, _ := store.TryAcquire(ctx, policy, 1); ok {
		t.Fatal("expected window to be spent")
	}

	*now = now.Add(time.Minute)

	w, ok, err := store.TryAcquire(ctx, policy, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected acquire to succeed after reset")
	}
	if !w.ResetAt.Equal(now.Add(time.Minute)) {
		t.Errorf("expected new window ending %v, got %v", now.Add(time.Minute), w.ResetAt)
	}
}

func TestQuotaStore_Window_DoesNotConsume(t *testing.T) {
	store, _ := newTestQuotaStore(t)
	ctx := context.Background()
	policy := domain.QuotaPolicy{Category: domain.CategoryOrders, Limit: 10, Window: time.Hour}

	for i := 0; i < 3; i++ {
		w, err := store.Window(ctx, policy)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if w.Remaining != 10 {
			t.Errorf("expected remaining 10, got %d", w.Remaining)
		}
		if w.Limit != 10 || w.Category != domain.CategoryOrders {
			t.Errorf("unexpected window %+v", w)
		}
	}
}

func TestQuotaStore_Exhaust(t *testing.T) {
	store, now := newTestQuotaStore(t)
	ctx := context.Background()
	policy := domain.QuotaPolicy{Category: domain.CategoryListingsWrite, Limit: 100, Window: time.Hour}

	resetAt := now.Add(10 * time.Minute)
	if err := store.Exhaust(ctx, policy, resetAt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w, ok, err := store.TryAcquire(ctx, policy, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected exhausted window to refuse")
	}
	if !w.ResetAt.Equal(resetAt) {
		t.Errorf("expected reset at %v, got %v", resetAt, w.ResetAt)
	}

	*now = resetAt
	if _, ok, _ := store.TryAcquire(ctx, policy, 1); !ok {
		t.Error("expected acquire to succeed once the exhausted window reset")
	}
}

func TestQuotaStore_CategoriesIndependent(t *testing.T) {
	store, _ := newTestQuotaStore(t)
	ctx := context.Background()
	reads := domain.QuotaPolicy{Category: domain.CategoryListingsRead, Limit: 1, Window: time.Minute}
	writes := domain.QuotaPolicy{Category: domain.CategoryListingsWrite, Limit: 1, Window: time.Minute}

	if _, ok, _ := store.TryAcquire(ctx, reads, 1); !ok {
		t.Fatal("expected read acquire to succeed")
	}
	if _, ok, _ := store.TryAcquire(ctx, writes, 1); !ok {
		t.Error("expected write budget to be unaffected by reads")
	}
}

func TestQuotaStore_TryAcquire_ConcurrentCallersShareOneBudget(t *testing.T) {
	store, _ := newTestQuotaStore(t)
	ctx := context.Background()
	policy := domain.QuotaPolicy{Category: domain.CategoryListingsWrite, Limit: 25, Window: time.Minute}

	var (
		wg        sync.WaitGroup
		granted   atomic.Int32
		negatives atomic.Int32
		failures  atomic.Int32
	)
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				w, ok, err := store.TryAcquire(ctx, policy, 1)
				if err != nil {
					failures.Add(1)
					continue
				}
				if w.Remaining < 0 {
					negatives.Add(1)
				}
				if ok {
					granted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("expected no errors, got %d", failures.Load())
	}
	if negatives.Load() != 0 {
		t.Errorf("remaining went negative %d times", negatives.Load())
	}
	if granted.Load() != int32(policy.Limit) {
		t.Errorf("expected exactly %d grants, got %d", policy.Limit, granted.Load())
	}

	w, err := store.Window(ctx, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", w.Remaining)
	}
}
