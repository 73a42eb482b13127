package driving

import (
	"context"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// JobService exposes SyncJob inspection and control to operators and tools.
type JobService interface {
	GetJob(ctx context.Context, id string) (*domain.SyncJob, error)
	ListJobs(ctx context.Context, filter driven.JobFilter) ([]*domain.SyncJob, error)

	// CancelJob cancels a job that has not started running.
	CancelJob(ctx context.Context, id string) (*domain.SyncJob, error)

	// TriggerReconcile enqueues a full_reconcile job outside the schedule.
	TriggerReconcile(ctx context.Context) (*domain.SyncJob, error)

	// RefreshListing enqueues a single_item_refresh job for a listing.
	RefreshListing(ctx context.Context, listingID string) (*domain.SyncJob, error)

	Stats(ctx context.Context) (*driven.QueueStats, error)
}

// ScheduleService exposes the periodic schedules to operators.
type ScheduleService interface {
	ListSchedules(ctx context.Context) ([]*domain.ScheduledJob, error)

	// SetScheduleEnabled pauses or resumes a schedule. Resuming pushes the
	// next run one interval out.
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) (*domain.ScheduledJob, error)
}

// Scheduler manages periodic reconciliation scheduling
type Scheduler interface {
	// Start begins the scheduler loop
	Start(ctx context.Context) error

	// Stop stops the scheduler loop
	Stop()
}
