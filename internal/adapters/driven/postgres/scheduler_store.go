package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.SchedulerStore = (*SchedulerStore)(nil)

const scheduleColumns = `id, name, kind, scope, interval_ns, enabled, next_run, last_run, last_error`

// SchedulerStore implements driven.SchedulerStore using PostgreSQL
type SchedulerStore struct {
	db *DB
}

// NewSchedulerStore creates a new SchedulerStore
func NewSchedulerStore(db *DB) *SchedulerStore {
	return &SchedulerStore{db: db}
}

// GetScheduledJob retrieves a schedule by ID
func (s *SchedulerStore) GetScheduledJob(ctx context.Context, id string) (*domain.ScheduledJob, error) {
	query := `SELECT ` + scheduleColumns + ` FROM scheduled_jobs WHERE id = $1`

	job, err := scanScheduledJob(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListScheduledJobs retrieves all schedules
func (s *SchedulerStore) ListScheduledJobs(ctx context.Context) ([]*domain.ScheduledJob, error) {
	query := `SELECT ` + scheduleColumns + ` FROM scheduled_jobs ORDER BY next_run ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanScheduledJobs(rows)
}

// SaveScheduledJob creates or updates a schedule
func (s *SchedulerStore) SaveScheduledJob(ctx context.Context, job *domain.ScheduledJob) error {
	query := `
		INSERT INTO scheduled_jobs (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			scope = EXCLUDED.scope,
			interval_ns = EXCLUDED.interval_ns,
			enabled = EXCLUDED.enabled,
			next_run = EXCLUDED.next_run,
			last_run = EXCLUDED.last_run,
			last_error = EXCLUDED.last_error
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		string(job.Kind),
		job.Scope,
		int64(job.Interval),
		job.Enabled,
		job.NextRun,
		NullTime(job.LastRun),
		job.LastError,
	)
	return err
}

// DeleteScheduledJob removes a schedule
func (s *SchedulerStore) DeleteScheduledJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// GetDueScheduledJobs retrieves enabled schedules whose next run has passed
func (s *SchedulerStore) GetDueScheduledJobs(ctx context.Context) ([]*domain.ScheduledJob, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM scheduled_jobs
		WHERE enabled = true AND next_run <= $1
		ORDER BY next_run ASC
	`

	rows, err := s.db.QueryContext(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanScheduledJobs(rows)
}

// UpdateLastRun sets last_run to now and advances next_run by the interval
func (s *SchedulerStore) UpdateLastRun(ctx context.Context, id string, lastError string) error {
	query := `
		UPDATE scheduled_jobs
		SET last_run = $1,
		    next_run = $1 + (interval_ns / 1000) * INTERVAL '1 microsecond',
		    last_error = $2
		WHERE id = $3
	`

	result, err := s.db.ExecContext(ctx, query, time.Now(), lastError, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func scanScheduledJob(row rowScanner) (*domain.ScheduledJob, error) {
	var job domain.ScheduledJob
	var kind string
	var lastRun sql.NullTime
	var intervalNs int64

	err := row.Scan(
		&job.ID,
		&job.Name,
		&kind,
		&job.Scope,
		&intervalNs,
		&job.Enabled,
		&job.NextRun,
		&lastRun,
		&job.LastError,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = domain.JobKind(kind)
	job.Interval = time.Duration(intervalNs)
	job.LastRun = TimePtr(lastRun)
	return &job, nil
}

func scanScheduledJobs(rows *sql.Rows) ([]*domain.ScheduledJob, error) {
	var jobs []*domain.ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}
