package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateID creates a unique random ID.
func GenerateID() string {
	return uuid.NewString()
}

// JobKind identifies the type of reconciliation job
type JobKind string

const (
	// JobKindFullReconcile scans every remote listing page by page
	JobKindFullReconcile JobKind = "full_reconcile"
	// JobKindSingleItemRefresh re-reads one listing from the marketplace
	JobKindSingleItemRefresh JobKind = "single_item_refresh"
	// JobKindPushUpdate writes local field values back to the marketplace
	JobKindPushUpdate JobKind = "push_update"
)

// Valid reports whether the kind is known.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindFullReconcile, JobKindSingleItemRefresh, JobKindPushUpdate:
		return true
	}
	return false
}

// JobState represents the current state of a job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateRetrying  JobState = "retrying"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateCancelled
}

// Valid reports whether the state is known.
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateRunning, JobStateSucceeded, JobStateFailed, JobStateRetrying, JobStateCancelled:
		return true
	}
	return false
}

// ScopeAll is the target scope of jobs that cover every listing.
const ScopeAll = "all"

// Job priorities. Higher runs first.
const (
	PriorityBackground = 0
	PriorityPush       = 5
	PriorityRefresh    = 10
)

const (
	// DefaultMaxAttempts is the retry budget for a job
	DefaultMaxAttempts = 5

	// maxRetryDelay caps the exponential backoff
	maxRetryDelay = 5 * time.Minute
)

// Payload keys.
const (
	PayloadFields          = "fields"
	PayloadExpectedVersion = "expected_version"
	PayloadTrigger         = "trigger"
)

// SyncJob is a unit of background reconciliation work.
type SyncJob struct {
	// ID is the unique identifier for this job
	ID string `json:"id"`

	// Kind identifies what the job does
	Kind JobKind `json:"kind"`

	// Scope is the target listing id, or "all"
	Scope string `json:"scope"`

	// Payload carries kind-specific parameters.
	// For push_update: {"fields": "price,quantity", "expected_version": "4"}
	Payload map[string]string `json:"payload,omitempty"`

	State JobState `json:"state"`

	// Priority determines processing order across scopes (higher = more urgent)
	Priority int `json:"priority"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// NextRetryAt is when the job becomes eligible for dequeue
	NextRetryAt time.Time `json:"next_retry_at"`

	// PageToken is the last fully processed page token of a full_reconcile
	PageToken string `json:"page_token,omitempty"`

	// Processed counts listings handled so far
	Processed int `json:"processed"`

	// Error contains the last error message if failed
	Error string `json:"error,omitempty"`

	// Seq is the enqueue sequence, assigned by the queue
	Seq int64 `json:"seq"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewSyncJob creates a new job with default values
func NewSyncJob(kind JobKind, scope string, payload map[string]string) *SyncJob {
	now := time.Now()
	return &SyncJob{
		ID:          GenerateID(),
		Kind:        kind,
		Scope:       scope,
		Payload:     payload,
		State:       JobStateQueued,
		Priority:    PriorityBackground,
		MaxAttempts: DefaultMaxAttempts,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewFullReconcileJob creates a job that scans every remote listing
func NewFullReconcileJob(trigger string) *SyncJob {
	return NewSyncJob(JobKindFullReconcile, ScopeAll, map[string]string{
		PayloadTrigger: trigger,
	})
}

// NewRefreshJob creates a job that re-reads one listing, ahead of background work
func NewRefreshJob(listingID string) *SyncJob {
	job := NewSyncJob(JobKindSingleItemRefresh, listingID, nil)
	job.Priority = PriorityRefresh
	return job
}

// NewPushUpdateJob creates a job that pushes local field values to the marketplace
func NewPushUpdateJob(listingID string, fields []string, expectedVersion int64) *SyncJob {
	job := NewSyncJob(JobKindPushUpdate, listingID, map[string]string{
		PayloadFields:          joinFields(fields),
		PayloadExpectedVersion: formatInt(expectedVersion),
	})
	job.Priority = PriorityPush
	return job
}

// ListingID returns the listing targeted by the job, or "" for scope all
func (j *SyncJob) ListingID() string {
	if j.Scope == ScopeAll {
		return ""
	}
	return j.Scope
}

// Fields returns the push_update field list
func (j *SyncJob) Fields() []string {
	if j.Payload == nil {
		return nil
	}
	return splitFields(j.Payload[PayloadFields])
}

// ExpectedVersion returns the local version the push_update was planned against
func (j *SyncJob) ExpectedVersion() int64 {
	if j.Payload == nil {
		return 0
	}
	return parseInt(j.Payload[PayloadExpectedVersion])
}

// CanRetry returns true if the job can be retried
func (j *SyncJob) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// IsReady returns true if the job is ready to be processed
func (j *SyncJob) IsReady(now time.Time) bool {
	return (j.State == JobStateQueued || j.State == JobStateRetrying) && !now.Before(j.NextRetryAt)
}

// MarkRunning updates the job to running state.
// StartedAt keeps the first attempt's start so a resumed run keeps its origin.
func (j *SyncJob) MarkRunning() {
	now := time.Now()
	j.State = JobStateRunning
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
	j.Attempts++
}

// MarkSucceeded updates the job to succeeded state
func (j *SyncJob) MarkSucceeded() {
	now := time.Now()
	j.State = JobStateSucceeded
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.Error = ""
}

// MarkFailed updates the job to failed state
func (j *SyncJob) MarkFailed(err string) {
	now := time.Now()
	j.State = JobStateFailed
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.Error = err
}

// Retry schedules the job for another attempt with exponential backoff
func (j *SyncJob) Retry(err string) {
	now := time.Now()
	j.State = JobStateRetrying
	j.UpdatedAt = now
	j.Error = err
	j.NextRetryAt = now.Add(RetryDelay(j.Attempts))
}

// RetryDelay returns the backoff for the given attempt count: 1s, 2s, 4s, ... capped at 5m.
func RetryDelay(attempts int) time.Duration {
	if attempts > 16 {
		return maxRetryDelay
	}
	backoff := time.Duration(1<<attempts) * time.Second
	if backoff > maxRetryDelay {
		backoff = maxRetryDelay
	}
	return backoff
}

// JobResult represents the outcome of processing a job
type JobResult struct {
	JobID     string        `json:"job_id"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Processed int           `json:"processed"`
	Applied   int           `json:"applied"`
	Skipped   int           `json:"skipped"`
	Ended     int           `json:"ended"`
	Conflicts int           `json:"conflicts"`
	Pushed    int           `json:"pushed"`
}

// ScheduledJob represents a recurring job configuration
type ScheduledJob struct {
	// ID is the unique identifier for this schedule
	ID string `json:"id"`

	// Name is a human-readable name
	Name string `json:"name"`

	// Kind is the job kind to create when triggered
	Kind JobKind `json:"kind"`

	// Scope is the job scope to create when triggered
	Scope string `json:"scope"`

	// Interval is how often to run the job
	Interval time.Duration `json:"interval"`

	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	LastError string     `json:"last_error,omitempty"`
}

// NewScheduledJob creates a new schedule
func NewScheduledJob(id, name string, kind JobKind, scope string, interval time.Duration) *ScheduledJob {
	return &ScheduledJob{
		ID:       id,
		Name:     name,
		Kind:     kind,
		Scope:    scope,
		Interval: interval,
		Enabled:  true,
		NextRun:  time.Now().Add(interval),
	}
}

// IsDue returns true if the schedule should be triggered
func (s *ScheduledJob) IsDue(now time.Time) bool {
	return s.Enabled && !now.Before(s.NextRun)
}

// UpdateNextRun calculates the next run time after execution
func (s *ScheduledJob) UpdateNextRun(now time.Time) {
	s.LastRun = &now
	s.NextRun = now.Add(s.Interval)
}

// FullReconcileScheduleID is the id of the built-in reconciliation schedule.
const FullReconcileScheduleID = "full-reconcile"

// DefaultSchedules returns the built-in schedules
func DefaultSchedules(reconcileInterval time.Duration) []*ScheduledJob {
	return []*ScheduledJob{
		NewScheduledJob(
			FullReconcileScheduleID,
			"Full Reconciliation",
			JobKindFullReconcile,
			ScopeAll,
			reconcileInterval,
		),
	}
}

func joinFields(fields []string) string {
	return strings.Join(fields, ",")
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
