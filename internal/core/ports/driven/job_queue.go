package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// JobQueue handles durable SyncJob queuing and processing.
// Jobs sharing a scope are handed out strictly in enqueue order and never
// run concurrently; jobs on different scopes may run in parallel.
type JobQueue interface {
	// Enqueue adds a job to the queue and assigns its sequence number.
	Enqueue(ctx context.Context, job *domain.SyncJob) error

	// EnqueueBatch adds multiple jobs atomically.
	// If any job fails to enqueue, all jobs are rolled back.
	EnqueueBatch(ctx context.Context, jobs []*domain.SyncJob) error

	// Dequeue retrieves the next ready job and marks it running under a lease.
	// The job is the highest-priority head of a scope with no running job.
	// A running job whose lease expired counts as ready again.
	// Returns nil, nil if no job is ready.
	Dequeue(ctx context.Context) (*domain.SyncJob, error)

	// DequeueWithTimeout retrieves the next ready job, waiting up to timeout seconds.
	// Returns nil, nil if timeout is reached with no job available.
	DequeueWithTimeout(ctx context.Context, timeout int) (*domain.SyncJob, error)

	// Ack marks a running job as succeeded.
	Ack(ctx context.Context, jobID string) error

	// Nack records a failed attempt. A retryable failure with attempts left moves
	// the job to retrying with next_retry_at from the backoff schedule; otherwise
	// the job becomes failed. Returns the updated job.
	Nack(ctx context.Context, jobID string, reason string, retryable bool) (*domain.SyncJob, error)

	// ExtendLease keeps a running attempt claimed for another lease period.
	// Returns domain.ErrJobLeaseLost when the attempt is no longer running.
	ExtendLease(ctx context.Context, jobID string, attempt int, lease time.Duration) error

	// Requeue hands an interrupted attempt back without spending it: the job
	// becomes retrying, ready now, with its attempt count restored.
	Requeue(ctx context.Context, jobID string, attempt int, reason string) error

	// SaveProgress persists the last fully processed page token of a running job.
	SaveProgress(ctx context.Context, jobID string, pageToken string, processed int) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*domain.SyncJob, error)

	// ListJobs retrieves jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.SyncJob, error)

	// CancelJob cancels a queued or retrying job.
	// Returns domain.ErrJobNotCancellable once the job is running or terminal.
	CancelJob(ctx context.Context, jobID string) error

	// PurgeJobs removes terminal jobs last updated before olderThan ago.
	PurgeJobs(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*QueueStats, error)

	// Ping checks if the queue backend is healthy.
	Ping(ctx context.Context) error

	// Close cleans up resources.
	Close() error
}

// JobFilter specifies criteria for listing jobs
type JobFilter struct {
	// State filters by job state (optional, empty means all)
	State domain.JobState

	// Kind filters by job kind (optional, empty means all)
	Kind domain.JobKind

	// Scope filters by target scope (optional)
	Scope string

	Limit  int
	Offset int
}

// QueueStats contains queue statistics
type QueueStats struct {
	QueuedCount    int64 `json:"queued_count"`
	RunningCount   int64 `json:"running_count"`
	RetryingCount  int64 `json:"retrying_count"`
	SucceededCount int64 `json:"succeeded_count"`
	FailedCount    int64 `json:"failed_count"`
	CancelledCount int64 `json:"cancelled_count"`

	// OldestQueuedAge is the age of the oldest queued job in seconds
	OldestQueuedAge int64 `json:"oldest_queued_age"`
}

// SchedulerStore handles persistence for recurring schedules.
// Schedules are configuration, not transient queue items.
type SchedulerStore interface {
	GetScheduledJob(ctx context.Context, id string) (*domain.ScheduledJob, error)
	ListScheduledJobs(ctx context.Context) ([]*domain.ScheduledJob, error)

	// SaveScheduledJob creates or updates a schedule
	SaveScheduledJob(ctx context.Context, job *domain.ScheduledJob) error

	DeleteScheduledJob(ctx context.Context, id string) error

	// GetDueScheduledJobs retrieves enabled schedules whose next run has passed
	GetDueScheduledJobs(ctx context.Context) ([]*domain.ScheduledJob, error)

	// UpdateLastRun sets last_run to now and advances next_run by the interval
	UpdateLastRun(ctx context.Context, id string, lastError string) error
}
