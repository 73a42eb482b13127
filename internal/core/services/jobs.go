package services

import (
	"context"
	"log/slog"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driving"
)

// Verify interface compliance
var _ driving.JobService = (*jobService)(nil)

// jobService implements driving.JobService
type jobService struct {
	queue     driven.JobQueue
	scheduler *Scheduler
	logger    *slog.Logger
}

// JobServiceConfig holds dependencies for the job service.
type JobServiceConfig struct {
	Queue     driven.JobQueue
	Scheduler *Scheduler
	Logger    *slog.Logger
}

// NewJobService creates a new JobService
func NewJobService(cfg JobServiceConfig) driving.JobService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &jobService{
		queue:     cfg.Queue,
		scheduler: cfg.Scheduler,
		logger:    logger,
	}
}

func (s *jobService) GetJob(ctx context.Context, id string) (*domain.SyncJob, error) {
	if id == "" {
		return nil, domain.Invalid("job_id", "is required")
	}
	return s.queue.GetJob(ctx, id)
}

func (s *jobService) ListJobs(ctx context.Context, filter driven.JobFilter) ([]*domain.SyncJob, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.State != "" && !filter.State.Valid() {
		return nil, domain.Invalid("state", "unknown job state %q", filter.State)
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, domain.Invalid("kind", "unknown job kind %q", filter.Kind)
	}
	return s.queue.ListJobs(ctx, filter)
}

// CancelJob cancels a job that has not started running.
func (s *jobService) CancelJob(ctx context.Context, id string) (*domain.SyncJob, error) {
	if err := s.queue.CancelJob(ctx, id); err != nil {
		return nil, err
	}
	s.logger.Info("job cancelled", "job_id", id)
	return s.queue.GetJob(ctx, id)
}

func (s *jobService) TriggerReconcile(ctx context.Context) (*domain.SyncJob, error) {
	return s.scheduler.TriggerReconcile(ctx, "manual")
}

func (s *jobService) RefreshListing(ctx context.Context, listingID string) (*domain.SyncJob, error) {
	if listingID == "" {
		return nil, domain.Invalid("listing_id", "is required")
	}
	return s.scheduler.EnqueueRefresh(ctx, listingID)
}

func (s *jobService) Stats(ctx context.Context) (*driven.QueueStats, error) {
	return s.queue.Stats(ctx)
}
