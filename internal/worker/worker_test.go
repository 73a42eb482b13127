package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner records the jobs it runs and returns runFn's outcome.
// runCtxFn takes precedence when the outcome depends on the run context.
type fakeRunner struct {
	mu       sync.Mutex
	ran      []string
	runFn    func(job *domain.SyncJob) (*domain.JobResult, error)
	runCtxFn func(ctx context.Context, job *domain.SyncJob) (*domain.JobResult, error)
}

func (r *fakeRunner) Run(ctx context.Context, job *domain.SyncJob) (*domain.JobResult, error) {
	r.mu.Lock()
	r.ran = append(r.ran, job.ID)
	r.mu.Unlock()
	if r.runCtxFn != nil {
		return r.runCtxFn(ctx, job)
	}
	if r.runFn != nil {
		return r.runFn(job)
	}
	return &domain.JobResult{JobID: job.ID, Success: true}, nil
}

func (r *fakeRunner) Ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

type fakeScheduler struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (s *fakeScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *fakeScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

type testWorker struct {
	*Worker
	queue   *mocks.MockJobQueue
	runner  *fakeRunner
	alerter *mocks.MockAlerter
	metrics *mocks.MockMetrics
}

func newTestWorker(concurrency int) *testWorker {
	tw := &testWorker{
		queue:   mocks.NewMockJobQueue(),
		runner:  &fakeRunner{},
		alerter: mocks.NewMockAlerter(),
		metrics: mocks.NewMockMetrics(),
	}
	tw.Worker = NewWorker(WorkerConfig{
		JobQueue:       tw.queue,
		Runner:         tw.runner,
		Alerter:        tw.alerter,
		Metrics:        tw.metrics,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Concurrency:    concurrency,
		DequeueTimeout: 1,
	})
	return tw
}

// dequeue enqueues job and takes it off the queue as a worker would.
func (tw *testWorker) dequeue(t *testing.T, job *domain.SyncJob) *domain.SyncJob {
	t.Helper()
	require.NoError(t, tw.queue.Enqueue(context.Background(), job))
	got, err := tw.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker(WorkerConfig{JobQueue: mocks.NewMockJobQueue(), Runner: &fakeRunner{}})

	assert.Equal(t, 1, w.concurrency)
	assert.Equal(t, 5, w.dequeueTimeout)
	assert.Equal(t, 2*time.Minute, w.lease)
	assert.Equal(t, 40*time.Second, w.heartbeat)
	assert.NotNil(t, w.logger)
}

func TestWorker_StartStop(t *testing.T) {
	tw := newTestWorker(2)
	sched := &fakeScheduler{}
	tw.scheduler = sched

	require.NoError(t, tw.Start(context.Background()))
	// Starting twice is a no-op
	require.NoError(t, tw.Start(context.Background()))

	tw.Stop()
	tw.Stop()

	assert.True(t, sched.started)
	assert.True(t, sched.stopped)
	assert.False(t, tw.Health(context.Background()).Running)
}

func TestWorker_ProcessesQueuedJobs(t *testing.T) {
	tw := newTestWorker(3)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		job := domain.NewRefreshJob(fmt.Sprintf("item-%d", i))
		require.NoError(t, tw.queue.Enqueue(ctx, job))
		ids = append(ids, job.ID)
	}

	require.NoError(t, tw.Start(ctx))
	require.Eventually(t, func() bool {
		return len(tw.runner.Ran()) == len(ids)
	}, 5*time.Second, 10*time.Millisecond)
	tw.Stop()

	for _, id := range ids {
		job, err := tw.queue.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateSucceeded, job.State)
	}
	assert.Equal(t, len(ids), tw.metrics.JobCount(domain.JobStateSucceeded))
	assert.Empty(t, tw.alerter.Alerts())
}

func TestWorker_SameScopeRunsInOrder(t *testing.T) {
	tw := newTestWorker(4)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		job := domain.NewPushUpdateJob("item-1", []string{"price"}, int64(i+1))
		require.NoError(t, tw.queue.Enqueue(ctx, job))
		ids = append(ids, job.ID)
	}

	var mu sync.Mutex
	active := 0
	maxActive := 0
	tw.runner.runFn = func(job *domain.SyncJob) (*domain.JobResult, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &domain.JobResult{JobID: job.ID}, nil
	}

	require.NoError(t, tw.Start(ctx))
	require.Eventually(t, func() bool {
		return len(tw.runner.Ran()) == len(ids)
	}, 5*time.Second, 10*time.Millisecond)
	tw.Stop()

	assert.Equal(t, ids, tw.runner.Ran())
	assert.Equal(t, 1, maxActive)
}

func TestWorker_ProcessJob_RetryableFailure(t *testing.T) {
	tw := newTestWorker(1)
	job := tw.dequeue(t, domain.NewRefreshJob("item-1"))
	tw.runner.runFn = func(*domain.SyncJob) (*domain.JobResult, error) {
		return nil, fmt.Errorf("fetch: %w", domain.ErrUpstreamUnavailable)
	}

	tw.processJob(context.Background(), job, tw.logger)

	got, err := tw.queue.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRetrying, got.State)
	assert.True(t, got.NextRetryAt.After(time.Now()))
	assert.Equal(t, 1, tw.metrics.JobCount(domain.JobStateRetrying))
	assert.Empty(t, tw.alerter.Alerts())
}

func TestWorker_ProcessJob_PermanentFailureAlerts(t *testing.T) {
	tw := newTestWorker(1)
	job := tw.dequeue(t, domain.NewPushUpdateJob("item-1", []string{"price"}, 2))
	tw.runner.runFn = func(*domain.SyncJob) (*domain.JobResult, error) {
		return nil, domain.Invalid("price", "must be positive")
	}

	tw.processJob(context.Background(), job, tw.logger)

	got, err := tw.queue.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, got.State)

	alerts := tw.alerter.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertJobFailed, alerts[0].Kind)
	assert.Equal(t, job.ID, alerts[0].JobID)
	assert.Equal(t, "item-1", alerts[0].ListingID)
}

func TestWorker_ProcessJob_ExhaustedRetries(t *testing.T) {
	tw := newTestWorker(1)
	refresh := domain.NewRefreshJob("item-1")
	refresh.MaxAttempts = 1
	job := tw.dequeue(t, refresh)
	tw.runner.runFn = func(*domain.SyncJob) (*domain.JobResult, error) {
		return nil, domain.ErrUpstreamUnavailable
	}

	tw.processJob(context.Background(), job, tw.logger)

	got, err := tw.queue.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, got.State)
	require.Len(t, tw.alerter.Alerts(), 1)
	assert.Equal(t, 1, tw.alerter.Alerts()[0].Attempts)
}

func TestWorker_ProcessJob_AuthRejected(t *testing.T) {
	tw := newTestWorker(1)
	job := tw.dequeue(t, domain.NewFullReconcileJob("test"))
	tw.runner.runFn = func(*domain.SyncJob) (*domain.JobResult, error) {
		return nil, fmt.Errorf("list listings: %w", domain.ErrAuthRejected)
	}

	tw.processJob(context.Background(), job, tw.logger)

	alerts := tw.alerter.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, domain.AlertJobFailed, alerts[0].Kind)
	assert.Equal(t, domain.AlertAuthRejected, alerts[1].Kind)
}

func TestWorker_ProcessJob_NackError(t *testing.T) {
	tw := newTestWorker(1)
	// Never enqueued, so Nack reports not found
	job := domain.NewRefreshJob("item-1")
	tw.runner.runFn = func(*domain.SyncJob) (*domain.JobResult, error) {
		return nil, errors.New("boom")
	}

	tw.processJob(context.Background(), job, tw.logger)

	assert.Empty(t, tw.alerter.Alerts())
	assert.Equal(t, 0, tw.metrics.JobCount(domain.JobStateFailed))
}

func TestWorker_ProcessJob_InterruptedJobIsRequeued(t *testing.T) {
	tw := newTestWorker(1)
	job := tw.dequeue(t, domain.NewFullReconcileJob("test"))
	require.Equal(t, 1, job.Attempts)

	ctx, cancel := context.WithCancel(context.Background())
	tw.runner.runCtxFn = func(runCtx context.Context, _ *domain.SyncJob) (*domain.JobResult, error) {
		cancel()
		<-runCtx.Done()
		return nil, fmt.Errorf("list listings: %w", runCtx.Err())
	}

	tw.processJob(ctx, job, tw.logger)

	got, err := tw.queue.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRetrying, got.State)
	assert.Equal(t, 0, got.Attempts, "an interrupted attempt is not spent")
	assert.True(t, got.IsReady(time.Now()))
	assert.Empty(t, tw.alerter.Alerts())

	// The next worker picks it up straight away
	again, err := tw.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
}

func TestWorker_ProcessJob_AcksAfterContextCancelled(t *testing.T) {
	tw := newTestWorker(1)
	job := tw.dequeue(t, domain.NewRefreshJob("item-1"))

	ctx, cancel := context.WithCancel(context.Background())
	tw.runner.runFn = func(j *domain.SyncJob) (*domain.JobResult, error) {
		cancel()
		return &domain.JobResult{JobID: j.ID, Processed: 1}, nil
	}

	tw.processJob(ctx, job, tw.logger)

	got, err := tw.queue.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, got.State)
	assert.Equal(t, 1, tw.metrics.JobCount(domain.JobStateSucceeded))
}

func TestWorker_ProcessJob_ExtendsLeaseWhileRunning(t *testing.T) {
	tw := newTestWorker(1)
	tw.lease = 30 * time.Millisecond
	tw.heartbeat = 10 * time.Millisecond
	tw.queue.Lease = tw.lease
	job := tw.dequeue(t, domain.NewFullReconcileJob("test"))

	tw.runner.runFn = func(j *domain.SyncJob) (*domain.JobResult, error) {
		time.Sleep(100 * time.Millisecond)
		return &domain.JobResult{JobID: j.ID}, nil
	}

	// A second worker polling meanwhile must not steal the job
	stolen := make(chan *domain.SyncJob, 1)
	go func() {
		time.Sleep(60 * time.Millisecond)
		j, _ := tw.queue.Dequeue(context.Background())
		stolen <- j
	}()

	tw.processJob(context.Background(), job, tw.logger)

	assert.Nil(t, <-stolen)
	assert.GreaterOrEqual(t, tw.queue.LeaseExtensions(), 2)
	got, err := tw.queue.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, got.State)
}

func TestWorker_ProcessJob_LeaseLostStopsRun(t *testing.T) {
	tw := newTestWorker(1)
	tw.heartbeat = 5 * time.Millisecond
	job := tw.dequeue(t, domain.NewFullReconcileJob("test"))

	var reclaimed *domain.SyncJob
	tw.runner.runCtxFn = func(runCtx context.Context, j *domain.SyncJob) (*domain.JobResult, error) {
		tw.queue.ExpireLease(j.ID)
		var err error
		reclaimed, err = tw.queue.Dequeue(context.Background())
		require.NoError(t, err)

		select {
		case <-runCtx.Done():
			return nil, runCtx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("run was not cancelled")
		}
	}

	tw.processJob(context.Background(), job, tw.logger)

	require.NotNil(t, reclaimed)
	assert.Equal(t, 2, reclaimed.Attempts)
	got, err := tw.queue.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRunning, got.State, "the new owner settles the job")
	assert.Equal(t, 2, got.Attempts)
	assert.Zero(t, tw.metrics.JobCount(domain.JobStateRetrying))
}

func TestWorker_ReclaimsJobFromDeadWorker(t *testing.T) {
	tw := newTestWorker(1)
	ctx := context.Background()

	// A worker took the job and died without settling it
	orphan := tw.dequeue(t, domain.NewRefreshJob("item-1"))
	next := domain.NewRefreshJob("item-1")
	require.NoError(t, tw.queue.Enqueue(ctx, next))

	job, err := tw.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "a live lease blocks the scope")

	tw.queue.ExpireLease(orphan.ID)

	require.NoError(t, tw.Start(ctx))
	require.Eventually(t, func() bool {
		return len(tw.runner.Ran()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	tw.Stop()

	assert.Equal(t, []string{orphan.ID, next.ID}, tw.runner.Ran())
	got, err := tw.queue.GetJob(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, got.State)
	assert.Equal(t, 2, got.Attempts)
}

func TestWorker_ExpiredFinalAttemptFails(t *testing.T) {
	tw := newTestWorker(1)
	refresh := domain.NewRefreshJob("item-1")
	refresh.MaxAttempts = 1
	orphan := tw.dequeue(t, refresh)
	tw.queue.ExpireLease(orphan.ID)

	job, err := tw.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)

	got, err := tw.queue.GetJob(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, got.State)
	assert.Contains(t, got.Error, "lease expired")
}

func TestWorker_ContextCancellation(t *testing.T) {
	tw := newTestWorker(2)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, tw.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		tw.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestWorker_Health(t *testing.T) {
	tw := newTestWorker(1)

	health := tw.Health(context.Background())
	assert.True(t, health.QueueHealth)
	assert.Empty(t, health.Error)

	tw.queue.PingFn = func() error { return errors.New("connection refused") }
	health = tw.Health(context.Background())
	assert.False(t, health.QueueHealth)
	assert.Equal(t, "connection refused", health.Error)
}
