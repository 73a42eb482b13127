package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driving"
)

// Runner executes one dequeued SyncJob.
type Runner interface {
	Run(ctx context.Context, job *domain.SyncJob) (*domain.JobResult, error)
}

// Worker is a bounded pool consuming SyncJobs from the job queue.
// The queue guarantees jobs of one scope never run concurrently, so the
// pool size only bounds parallelism across listings.
type Worker struct {
	jobQueue  driven.JobQueue
	runner    Runner
	scheduler driving.Scheduler
	alerter   driven.Alerter
	metrics   driven.JobMetrics
	logger    *slog.Logger

	// Configuration
	concurrency    int
	dequeueTimeout int // seconds
	errorBackoff   time.Duration
	lease          time.Duration
	heartbeat      time.Duration

	// Internal state
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WorkerConfig holds configuration for the worker.
type WorkerConfig struct {
	JobQueue driven.JobQueue
	Runner   Runner

	// Scheduler is started and stopped with the pool (optional)
	Scheduler driving.Scheduler

	// Alerter is notified when a job fails for good (optional)
	Alerter driven.Alerter

	Metrics driven.JobMetrics
	Logger  *slog.Logger

	Concurrency    int           // Number of concurrent job processors
	DequeueTimeout int           // Seconds to wait for a job before checking again
	JobLease       time.Duration // Claim renewed while a job runs (default: 2m)
}

// NewWorker creates a new job worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = 5
	}

	lease := cfg.JobLease
	if lease <= 0 {
		lease = 2 * time.Minute
	}

	return &Worker{
		jobQueue:       cfg.JobQueue,
		runner:         cfg.Runner,
		scheduler:      cfg.Scheduler,
		alerter:        cfg.Alerter,
		metrics:        cfg.Metrics,
		logger:         logger,
		concurrency:    concurrency,
		dequeueTimeout: dequeueTimeout,
		errorBackoff:   time.Second,
		lease:          lease,
		heartbeat:      lease / 3,
	}
}

// Start begins the worker loop.
// It runs until Stop is called or context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("worker starting",
		"concurrency", w.concurrency,
		"dequeue_timeout", w.dequeueTimeout,
	)

	if w.scheduler != nil {
		if err := w.scheduler.Start(ctx); err != nil {
			w.logger.Error("failed to start scheduler", "error", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.processLoop(ctx, workerID)
		}(i)
	}

	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	return nil
}

// Stop gracefully stops the worker. In-flight jobs finish first; cancel the
// Start context to interrupt them, which hands them back to the queue.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopped")
}

// Wait blocks until the worker stops.
func (w *Worker) Wait() {
	<-w.doneCh
}

// processLoop is the main processing loop for a worker goroutine.
func (w *Worker) processLoop(ctx context.Context, workerID int) {
	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Debug("worker stop signal received")
			return
		default:
		}

		job, err := w.jobQueue.DequeueWithTimeout(ctx, w.dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("failed to dequeue job", "error", err)
			select {
			case <-time.After(w.errorBackoff):
			case <-w.stopCh:
			case <-ctx.Done():
			}
			continue
		}

		if job == nil {
			continue
		}

		w.processJob(ctx, job, logger)
	}
}

// processJob runs a single job and settles it on the queue.
// The lease is renewed while the job runs. A job interrupted by ctx is
// requeued without spending the attempt.
func (w *Worker) processJob(ctx context.Context, job *domain.SyncJob, logger *slog.Logger) {
	logger = logger.With("job_id", job.ID, "job_kind", job.Kind, "scope", job.Scope, "attempt", job.Attempts)
	logger.Info("processing job")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stopLease := w.keepLease(ctx, job, cancelRun, logger)

	start := time.Now()
	result, err := w.runner.Run(runCtx, job)
	duration := time.Since(start)

	if stopLease() {
		logger.Warn("job lease lost, another worker owns the job now", "duration", duration)
		return
	}

	// Settlement outlives ctx.
	settleCtx := context.WithoutCancel(ctx)

	if err == nil {
		if ackErr := w.jobQueue.Ack(settleCtx, job.ID); ackErr != nil {
			logger.Error("failed to ack job", "ack_error", ackErr)
		}
		w.observe(job.Kind, domain.JobStateSucceeded, duration)

		attrs := []any{"duration", duration}
		if result != nil {
			attrs = append(attrs,
				"processed", result.Processed,
				"applied", result.Applied,
				"conflicts", result.Conflicts,
				"ended", result.Ended,
				"pushed", result.Pushed,
			)
		}
		logger.Info("job completed", attrs...)
		return
	}

	if ctx.Err() != nil {
		if rqErr := w.jobQueue.Requeue(settleCtx, job.ID, job.Attempts, err.Error()); rqErr != nil {
			logger.Error("failed to requeue interrupted job", "requeue_error", rqErr)
			return
		}
		w.observe(job.Kind, domain.JobStateRetrying, duration)
		logger.Info("job interrupted, requeued", "duration", duration, "error", err)
		return
	}

	retryable := domain.IsRetryable(err)
	logger.Warn("job attempt failed",
		"duration", duration,
		"retryable", retryable,
		"error_code", domain.CodeOf(err),
		"error", err,
	)

	updated, nackErr := w.jobQueue.Nack(settleCtx, job.ID, err.Error(), retryable)
	if nackErr != nil {
		logger.Error("failed to nack job", "nack_error", nackErr)
		return
	}
	w.observe(job.Kind, updated.State, duration)

	if updated.State == domain.JobStateRetrying {
		logger.Info("job scheduled for retry", "next_retry_at", updated.NextRetryAt)
		return
	}

	logger.Error("job failed", "attempts", updated.Attempts, "error", err)
	w.alert(settleCtx, domain.NewJobFailedAlert(updated), logger)
	if errors.Is(err, domain.ErrAuthRejected) {
		w.alert(settleCtx, domain.Alert{
			Kind:       domain.AlertAuthRejected,
			JobID:      updated.ID,
			JobKind:    updated.Kind,
			ListingID:  updated.ListingID(),
			Message:    err.Error(),
			OccurredAt: time.Now().UTC(),
		}, logger)
	}
}

// keepLease extends the job's lease every heartbeat until the returned stop
// func is called. If the queue reports the lease lost, onLost cancels the run
// and stop reports true.
func (w *Worker) keepLease(ctx context.Context, job *domain.SyncJob, onLost context.CancelFunc, logger *slog.Logger) (stop func() bool) {
	beatCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	var lost atomic.Bool

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
			}
			err := w.jobQueue.ExtendLease(beatCtx, job.ID, job.Attempts, w.lease)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrJobLeaseLost):
				lost.Store(true)
				onLost()
				return
			case beatCtx.Err() != nil:
				return
			default:
				logger.Warn("failed to extend job lease", "error", err)
			}
		}
	}()

	return func() bool {
		cancel()
		<-done
		return lost.Load()
	}
}

func (w *Worker) alert(ctx context.Context, a domain.Alert, logger *slog.Logger) {
	if w.alerter == nil {
		return
	}
	if err := w.alerter.Alert(ctx, a); err != nil {
		logger.Error("failed to send alert", "alert_kind", a.Kind, "error", err)
	}
}

func (w *Worker) observe(kind domain.JobKind, state domain.JobState, d time.Duration) {
	if w.metrics != nil {
		w.metrics.ObserveJob(kind, state, d)
	}
}

// Health returns health status of the worker.
type Health struct {
	Running     bool   `json:"running"`
	QueueHealth bool   `json:"queue_health"`
	Error       string `json:"error,omitempty"`
}

// Health returns the health status of the worker.
func (w *Worker) Health(ctx context.Context) Health {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()

	health := Health{
		Running: running,
	}

	if err := w.jobQueue.Ping(ctx); err != nil {
		health.QueueHealth = false
		health.Error = err.Error()
	} else {
		health.QueueHealth = true
	}

	return health
}
