package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driving"
)

// Verify interface compliance
var (
	_ driving.Scheduler       = (*Scheduler)(nil)
	_ driving.ScheduleService = (*Scheduler)(nil)
)

// schedulerLockName is the distributed lock guarding schedule polling.
const schedulerLockName = "scheduler"

// Scheduler enqueues reconciliation work.
// It runs on worker nodes and enqueues full_reconcile jobs from schedules,
// and it is the single entry point for on-demand refresh and reconcile jobs.
//
// For multi-worker deployments, configure a DistributedLock to prevent
// duplicate job enqueuing across instances.
type Scheduler struct {
	store  driven.SchedulerStore
	queue  driven.JobQueue
	ledger driven.IdempotencyLedger
	lock   driven.DistributedLock
	logger *slog.Logger

	// Internal state
	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	interval time.Duration

	reconcileInterval    time.Duration
	housekeepingInterval time.Duration
	jobRetention         time.Duration
	lastHousekeeping     time.Time

	// Lock configuration
	lockTTL      time.Duration
	lockRequired bool

	now func() time.Time
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	Store  driven.SchedulerStore
	Queue  driven.JobQueue
	Ledger driven.IdempotencyLedger // Optional: enables idempotency record purging
	Lock   driven.DistributedLock   // Optional: distributed lock for multi-instance coordination
	Logger *slog.Logger

	PollInterval         time.Duration // How often to check for due schedules (default: 30s)
	ReconcileInterval    time.Duration // Interval of the built-in full_reconcile schedule (default: 15m)
	HousekeepingInterval time.Duration // How often to purge expired records (default: 1h)
	JobRetention         time.Duration // Age after which terminal jobs are purged (default: 7 days)
	LockTTL              time.Duration // TTL for the distributed lock (default: 60s)
	LockRequired         bool          // If true, skip scheduling when lock cannot be acquired (default: true)

	Now func() time.Time
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Default to requiring lock if one is provided
	lockRequired := cfg.LockRequired
	if cfg.Lock != nil {
		lockRequired = true
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		store:                cfg.Store,
		queue:                cfg.Queue,
		ledger:               cfg.Ledger,
		lock:                 cfg.Lock,
		logger:               logger,
		interval:             orDefault(cfg.PollInterval, 30*time.Second),
		reconcileInterval:    orDefault(cfg.ReconcileInterval, 15*time.Minute),
		housekeepingInterval: orDefault(cfg.HousekeepingInterval, time.Hour),
		jobRetention:         orDefault(cfg.JobRetention, 7*24*time.Hour),
		lockTTL:              orDefault(cfg.LockTTL, 60*time.Second),
		lockRequired:         lockRequired,
		now:                  now,
	}
}

// EnsureDefaultSchedules creates the built-in schedules, or realigns their
// interval with the configured one.
func (s *Scheduler) EnsureDefaultSchedules(ctx context.Context) error {
	for _, def := range domain.DefaultSchedules(s.reconcileInterval) {
		existing, err := s.store.GetScheduledJob(ctx, def.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if err := s.store.SaveScheduledJob(ctx, def); err != nil {
				return fmt.Errorf("save schedule %s: %w", def.ID, err)
			}
			s.logger.Info("created default schedule", "scheduled_id", def.ID, "interval", def.Interval)
		case err != nil:
			return fmt.Errorf("get schedule %s: %w", def.ID, err)
		case existing.Interval != def.Interval:
			existing.Interval = def.Interval
			existing.NextRun = s.now().Add(def.Interval)
			if err := s.store.SaveScheduledJob(ctx, existing); err != nil {
				return fmt.Errorf("save schedule %s: %w", def.ID, err)
			}
		}
	}
	return nil
}

// Start begins the scheduler loop.
// It runs until Stop is called or context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.EnsureDefaultSchedules(ctx); err != nil {
		s.logger.Warn("failed to ensure default schedules", "error", err)
	}

	s.logger.Info("scheduler starting",
		"poll_interval", s.interval,
		"reconcile_interval", s.reconcileInterval,
	)

	go s.run(ctx)

	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.mu.Unlock()

	// Wait for the scheduler to finish
	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// run is the main scheduler loop.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scheduling cycle under the distributed lock.
// The lock is renewed before housekeeping; a cycle that lost it skips housekeeping.
func (s *Scheduler) tick(ctx context.Context) {
	held := false
	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx, schedulerLockName, s.lockTTL)
		if err != nil {
			s.logger.Warn("failed to acquire scheduler lock", "error", err)
			if s.lockRequired {
				return
			}
		} else if !acquired {
			s.logger.Debug("scheduler lock held by another instance, skipping cycle")
			return
		} else {
			held = true
			defer func() {
				if err := s.lock.Release(ctx, schedulerLockName); err != nil {
					s.logger.Warn("failed to release scheduler lock", "error", err)
				}
			}()
		}
	}

	s.checkAndEnqueue(ctx)

	if s.now().Sub(s.lastHousekeeping) < s.housekeepingInterval {
		return
	}
	if held {
		if err := s.lock.Extend(ctx, schedulerLockName, s.lockTTL); err != nil {
			s.logger.Warn("scheduler lock lost, skipping housekeeping", "error", err)
			return
		}
	}
	s.Housekeep(ctx)
}

// checkAndEnqueue enqueues a job for every due schedule.
func (s *Scheduler) checkAndEnqueue(ctx context.Context) {
	due, err := s.store.GetDueScheduledJobs(ctx)
	if err != nil {
		s.logger.Error("failed to get due schedules", "error", err)
		return
	}

	now := s.now()
	for _, scheduled := range due {
		if !scheduled.IsDue(now) {
			continue
		}

		job, err := s.enqueueScheduled(ctx, scheduled, "schedule:"+scheduled.ID)
		if err != nil {
			s.logger.Error("failed to enqueue scheduled job",
				"scheduled_id", scheduled.ID,
				"error", err,
			)
			_ = s.store.UpdateLastRun(ctx, scheduled.ID, err.Error())
			continue
		}
		if job != nil {
			s.logger.Info("enqueued scheduled job",
				"scheduled_id", scheduled.ID,
				"job_id", job.ID,
				"job_kind", job.Kind,
			)
		}

		if err := s.store.UpdateLastRun(ctx, scheduled.ID, ""); err != nil {
			s.logger.Warn("failed to update schedule last run",
				"scheduled_id", scheduled.ID,
				"error", err,
			)
		}
	}
}

// enqueueScheduled enqueues the schedule's job unless one with the same kind
// and scope is still pending. Returns nil, nil when skipped.
func (s *Scheduler) enqueueScheduled(ctx context.Context, scheduled *domain.ScheduledJob, trigger string) (*domain.SyncJob, error) {
	pending, err := s.pendingJob(ctx, scheduled.Kind, scheduled.Scope)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		s.logger.Debug("previous run still pending, skipping",
			"scheduled_id", scheduled.ID,
			"pending_job_id", pending.ID,
		)
		return nil, nil
	}

	job := domain.NewSyncJob(scheduled.Kind, scheduled.Scope, map[string]string{domain.PayloadTrigger: trigger})
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Scheduler) pendingJob(ctx context.Context, kind domain.JobKind, scope string) (*domain.SyncJob, error) {
	jobs, err := s.queue.ListJobs(ctx, driven.JobFilter{Kind: kind, Scope: scope, Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	for _, j := range jobs {
		if !j.State.IsTerminal() {
			return j, nil
		}
	}
	return nil, nil
}

// Housekeep purges expired idempotency records and old terminal jobs.
func (s *Scheduler) Housekeep(ctx context.Context) {
	now := s.now()
	s.lastHousekeeping = now

	if s.ledger != nil {
		n, err := s.ledger.PurgeExpired(ctx, now)
		if err != nil {
			s.logger.Warn("failed to purge idempotency records", "error", err)
		} else if n > 0 {
			s.logger.Info("purged expired idempotency records", "count", n)
		}
	}

	n, err := s.queue.PurgeJobs(ctx, s.jobRetention)
	if err != nil {
		s.logger.Warn("failed to purge jobs", "error", err)
	} else if n > 0 {
		s.logger.Info("purged terminal jobs", "count", n, "retention", s.jobRetention)
	}
}

// EnqueueRefresh enqueues a single_item_refresh for a listing. Refresh jobs
// outrank full_reconcile work so a mutation's follow-up read is not starved.
func (s *Scheduler) EnqueueRefresh(ctx context.Context, listingID string) (*domain.SyncJob, error) {
	job := domain.NewRefreshJob(listingID)
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue refresh: %w", err)
	}
	s.logger.Debug("enqueued refresh", "listing_id", listingID, "job_id", job.ID)
	return job, nil
}

// EnqueueRefreshBatch enqueues one single_item_refresh per listing in a single
// atomic write: either every job is queued or none is.
func (s *Scheduler) EnqueueRefreshBatch(ctx context.Context, listingIDs []string) ([]*domain.SyncJob, error) {
	jobs := make([]*domain.SyncJob, len(listingIDs))
	for i, id := range listingIDs {
		jobs[i] = domain.NewRefreshJob(id)
	}
	if err := s.queue.EnqueueBatch(ctx, jobs); err != nil {
		return nil, fmt.Errorf("enqueue refresh batch: %w", err)
	}
	s.logger.Debug("enqueued refresh batch", "count", len(jobs))
	return jobs, nil
}

// TriggerReconcile enqueues a full_reconcile outside the schedule.
// An already pending full_reconcile is returned instead of creating a second one.
func (s *Scheduler) TriggerReconcile(ctx context.Context, trigger string) (*domain.SyncJob, error) {
	pending, err := s.pendingJob(ctx, domain.JobKindFullReconcile, domain.ScopeAll)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return pending, nil
	}

	job := domain.NewFullReconcileJob(trigger)
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue reconcile: %w", err)
	}

	s.logger.Info("manually triggered reconciliation", "job_id", job.ID, "trigger", trigger)
	return job, nil
}

// ListSchedules lists all schedules.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*domain.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx)
}

// SetScheduleEnabled enables or disables a schedule.
func (s *Scheduler) SetScheduleEnabled(ctx context.Context, id string, enabled bool) (*domain.ScheduledJob, error) {
	scheduled, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return nil, err
	}
	scheduled.Enabled = enabled
	if enabled {
		scheduled.NextRun = s.now().Add(scheduled.Interval)
	}
	if err := s.store.SaveScheduledJob(ctx, scheduled); err != nil {
		return nil, err
	}
	return scheduled, nil
}
