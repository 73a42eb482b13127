package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven/mocks"
)

// fakeClock advances only when something sleeps on it.
type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.slept += d
	return nil
}

func (c *fakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// testEnv wires the services against in-memory fakes.
type testEnv struct {
	clock     *fakeClock
	client    *mocks.MockMarketplaceClient
	creds     *mocks.MockCredentialProvider
	quota     *mocks.MockQuotaStore
	ledger    *mocks.MockIdempotencyLedger
	metrics   *mocks.MockMetrics
	store     *mocks.MockMirrorStore
	orders    *mocks.MockOrderStore
	queue     *mocks.MockJobQueue
	conflicts *mocks.MockConflictStore
	alerter   *mocks.MockAlerter
	audit     *mocks.MockAuditStore

	gateway    *Gateway
	reconciler *Reconciler
	scheduler  *Scheduler
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:     newFakeClock(),
		client:    mocks.NewMockMarketplaceClient(),
		creds:     mocks.NewMockCredentialProvider("token"),
		quota:     mocks.NewMockQuotaStore(),
		ledger:    mocks.NewMockIdempotencyLedger(),
		metrics:   mocks.NewMockMetrics(),
		store:     mocks.NewMockMirrorStore(),
		orders:    mocks.NewMockOrderStore(),
		queue:     mocks.NewMockJobQueue(),
		conflicts: mocks.NewMockConflictStore(),
		alerter:   mocks.NewMockAlerter(),
		audit:     mocks.NewMockAuditStore(),
	}
	env.quota.Now = env.clock.Now

	env.gateway = NewGateway(GatewayConfig{
		Client:      env.client,
		Credentials: env.creds,
		Quota:       env.quota,
		Ledger:      env.ledger,
		Metrics:     env.metrics,
		Now:         env.clock.Now,
		Sleep:       env.clock.Sleep,
	})
	env.reconciler = NewReconciler(ReconcilerConfig{
		Store:     env.store,
		Gateway:   env.gateway,
		Queue:     env.queue,
		Conflicts: env.conflicts,
		Alerter:   env.alerter,
		PageSize:  2,
	})
	env.scheduler = NewScheduler(SchedulerConfig{
		Store:  mocks.NewMockSchedulerStore(),
		Queue:  env.queue,
		Ledger: env.ledger,
	})
	env.dispatcher = NewDispatcher(DispatcherConfig{
		Gateway:   env.gateway,
		Store:     env.store,
		Orders:    env.orders,
		Queue:     env.queue,
		Refresher: env.scheduler,
		Applier:   env.reconciler,
		Audit:     env.audit,
		Now:       env.clock.Now,
	})
	return env
}

// remoteListing builds a marketplace listing for test setup.
func remoteListing(id, price string, qty int, revision string) *domain.RemoteListing {
	return &domain.RemoteListing{
		ItemID:   id,
		SKU:      "sku-" + id,
		Title:    "Vintage camera " + id,
		Price:    decimal.RequireFromString(price),
		Currency: "USD",
		Quantity: qty,
		Status:   domain.ListingStatusActive,
		Revision: revision,
	}
}

// syncedListing builds a mirrored listing in sync with remote.
func syncedListing(remote *domain.RemoteListing, version int64) *domain.Listing {
	l := &domain.Listing{}
	l.ApplyRemote(remote)
	l.LocalVersion = version
	l.SyncedVersion = version
	return l
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intPtr(v int) *int {
	return &v
}
