package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Ensure Queue implements JobQueue
var _ driven.JobQueue = (*Queue)(nil)

const jobColumns = `id, seq, kind, scope, payload, state, priority, attempts, max_attempts,
	next_retry_at, page_token, processed, error, created_at, updated_at, started_at, completed_at`

// pollInterval is how often DequeueWithTimeout re-checks for ready jobs.
const pollInterval = 500 * time.Millisecond

// DefaultLease is how long a dequeued job stays claimed without a heartbeat.
const DefaultLease = 2 * time.Minute

// Queue implements JobQueue using PostgreSQL with SKIP LOCKED.
//
// Only the head of each scope (lowest seq among unfinished jobs) is eligible,
// and not while the head is running. That gives strict FIFO per listing while
// different listings are handed to different workers. A running head whose
// locked_until has passed belonged to a worker that died; it is handed out again.
type Queue struct {
	db    *sql.DB
	now   func() time.Time
	lease time.Duration
}

// NewQueue creates a new PostgreSQL-backed job queue.
// Assumes the sync_jobs table has been created by the schema.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now, lease: DefaultLease}
}

// WithLease sets the claim duration granted by Dequeue.
func (q *Queue) WithLease(d time.Duration) *Queue {
	if d > 0 {
		q.lease = d
	}
	return q
}

const insertJobQuery = `
	INSERT INTO sync_jobs (
		id, kind, scope, payload, state, priority, attempts, max_attempts,
		next_retry_at, page_token, processed, error, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	RETURNING seq
`

// Enqueue adds a job to the queue and assigns its sequence number
func (q *Queue) Enqueue(ctx context.Context, job *domain.SyncJob) error {
	args, err := insertArgs(job)
	if err != nil {
		return err
	}
	if err := q.db.QueryRowContext(ctx, insertJobQuery, args...).Scan(&job.Seq); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// EnqueueBatch adds multiple jobs atomically
func (q *Queue) EnqueueBatch(ctx context.Context, jobs []*domain.SyncJob) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, insertJobQuery)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	seqs := make([]int64, len(jobs))
	for i, job := range jobs {
		args, err := insertArgs(job)
		if err != nil {
			return err
		}
		if err := stmt.QueryRowContext(ctx, args...).Scan(&seqs[i]); err != nil {
			return fmt.Errorf("insert job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for i, job := range jobs {
		job.Seq = seqs[i]
	}
	return nil
}

func insertArgs(job *domain.SyncJob) ([]any, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %s: %w", job.ID, err)
	}
	if job.Payload == nil {
		payload = []byte("{}")
	}
	return []any{
		job.ID,
		string(job.Kind),
		job.Scope,
		payload,
		string(job.State),
		job.Priority,
		job.Attempts,
		job.MaxAttempts,
		job.NextRetryAt,
		job.PageToken,
		job.Processed,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
	}, nil
}

// Dequeue retrieves the next ready scope head and marks it running.
// An expired running head is reclaimed as the job's next attempt, or failed
// when it has no attempts left.
func (q *Queue) Dequeue(ctx context.Context) (*domain.SyncJob, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	selectQuery := `
		WITH heads AS (
			SELECT DISTINCT ON (scope) id, state, next_retry_at, locked_until
			FROM sync_jobs
			WHERE state IN ($1, $2, $3)
			ORDER BY scope, seq ASC
		)
		SELECT ` + prefixed("j", jobColumns) + `
		FROM sync_jobs j
		JOIN heads h ON h.id = j.id
		WHERE (h.state IN ($1, $2) AND h.next_retry_at <= $4)
		   OR (h.state = $3 AND h.locked_until < $4)
		ORDER BY j.priority DESC, j.seq ASC
		LIMIT 1
		FOR UPDATE OF j SKIP LOCKED
	`

	now := q.now()
	job, err := scanJob(tx.QueryRowContext(ctx, selectQuery,
		string(domain.JobStateQueued),
		string(domain.JobStateRetrying),
		string(domain.JobStateRunning),
		now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}

	if job.State == domain.JobStateRunning && !job.CanRetry() {
		return nil, q.failExpired(ctx, tx, job)
	}

	job.MarkRunning()
	updateQuery := `
		UPDATE sync_jobs
		SET state = $1, started_at = COALESCE(started_at, $2), updated_at = $2, attempts = $3, locked_until = $4
		WHERE id = $5 AND (state IN ($6, $7) OR (state = $1 AND locked_until < $2))
	`
	result, err := tx.ExecContext(ctx, updateQuery,
		string(domain.JobStateRunning),
		now,
		job.Attempts,
		now.Add(q.lease),
		job.ID,
		string(domain.JobStateQueued),
		string(domain.JobStateRetrying),
	)
	if err != nil {
		return nil, fmt.Errorf("update job state: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil || n == 0 {
		// cancelled between the select and the update
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return job, nil
}

// failExpired fails a running job whose worker vanished on its final attempt.
func (q *Queue) failExpired(ctx context.Context, tx *sql.Tx, job *domain.SyncJob) error {
	job.MarkFailed(fmt.Sprintf("lease expired after %d attempts", job.Attempts))
	query := `
		UPDATE sync_jobs
		SET state = $1, error = $2, updated_at = $3, completed_at = $3, locked_until = NULL
		WHERE id = $4 AND state = $5
	`
	if _, err := tx.ExecContext(ctx, query,
		string(job.State),
		job.Error,
		q.now(),
		job.ID,
		string(domain.JobStateRunning),
	); err != nil {
		return fmt.Errorf("fail expired job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ExtendLease pushes a running job's locked_until forward.
// Returns domain.ErrJobLeaseLost once the attempt is no longer the running one.
func (q *Queue) ExtendLease(ctx context.Context, jobID string, attempt int, lease time.Duration) error {
	now := q.now()
	query := `
		UPDATE sync_jobs
		SET locked_until = $1, updated_at = $2
		WHERE id = $3 AND state = $4 AND attempts = $5
	`
	result, err := q.db.ExecContext(ctx, query, now.Add(lease), now, jobID, string(domain.JobStateRunning), attempt)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobLeaseLost
	}
	return nil
}

// Requeue returns an interrupted attempt to the queue without spending it.
// The job becomes retrying and is ready immediately.
func (q *Queue) Requeue(ctx context.Context, jobID string, attempt int, reason string) error {
	now := q.now()
	query := `
		UPDATE sync_jobs
		SET state = $1, attempts = GREATEST(attempts - 1, 0), error = $2,
			next_retry_at = $3, updated_at = $3, locked_until = NULL
		WHERE id = $4 AND state = $5 AND attempts = $6
	`
	result, err := q.db.ExecContext(ctx, query,
		string(domain.JobStateRetrying),
		reason,
		now,
		jobID,
		string(domain.JobStateRunning),
		attempt,
	)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobLeaseLost
	}
	return nil
}

// DequeueWithTimeout polls for a ready job until timeout seconds elapse
func (q *Queue) DequeueWithTimeout(ctx context.Context, timeout int) (*domain.SyncJob, error) {
	deadline := time.Now().Add(time.Duration(timeout) * time.Second)
	for {
		job, err := q.Dequeue(ctx)
		if err != nil || job != nil {
			return job, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Ack marks a job as succeeded
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	now := q.now()
	query := `
		UPDATE sync_jobs
		SET state = $1, completed_at = $2, updated_at = $2, error = '', locked_until = NULL
		WHERE id = $3
	`

	result, err := q.db.ExecContext(ctx, query, string(domain.JobStateSucceeded), now, jobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// Nack records a failed attempt and schedules a retry or fails the job
func (q *Queue) Nack(ctx context.Context, jobID string, reason string, retryable bool) (*domain.SyncJob, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	job, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	if retryable && job.CanRetry() {
		job.Retry(reason)
	} else {
		job.MarkFailed(reason)
	}

	query := `
		UPDATE sync_jobs
		SET state = $1, error = $2, updated_at = $3, next_retry_at = $4, completed_at = $5, locked_until = NULL
		WHERE id = $6
	`
	if _, err := tx.ExecContext(ctx, query,
		string(job.State),
		job.Error,
		job.UpdatedAt,
		job.NextRetryAt,
		nullTime(job.CompletedAt),
		job.ID,
	); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return job, nil
}

// SaveProgress persists the last fully processed page token
func (q *Queue) SaveProgress(ctx context.Context, jobID string, pageToken string, processed int) error {
	query := `
		UPDATE sync_jobs
		SET page_token = $1, processed = $2, updated_at = $3
		WHERE id = $4
	`
	result, err := q.db.ExecContext(ctx, query, pageToken, processed, q.now(), jobID)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	job, err := scanJob(q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, jobID))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ListJobs retrieves jobs matching the filter, newest first
func (q *Queue) ListJobs(ctx context.Context, filter driven.JobFilter) ([]*domain.SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE 1 = 1`
	var args []any
	argIndex := 1

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIndex)
		args = append(args, string(filter.State))
		argIndex++
	}

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIndex)
		args = append(args, string(filter.Kind))
		argIndex++
	}

	if filter.Scope != "" {
		query += fmt.Sprintf(" AND scope = $%d", argIndex)
		args = append(args, filter.Scope)
		argIndex++
	}

	query += " ORDER BY seq DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		argIndex++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, nil
}

// CancelJob cancels a queued or retrying job
func (q *Queue) CancelJob(ctx context.Context, jobID string) error {
	now := q.now()
	query := `
		UPDATE sync_jobs
		SET state = $1, updated_at = $2, completed_at = $2
		WHERE id = $3 AND state IN ($4, $5)
	`

	result, err := q.db.ExecContext(ctx, query,
		string(domain.JobStateCancelled),
		now,
		jobID,
		string(domain.JobStateQueued),
		string(domain.JobStateRetrying),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := q.GetJob(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrJobNotCancellable
	}

	return nil
}

// PurgeJobs removes terminal jobs last updated before olderThan ago
func (q *Queue) PurgeJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)

	query := `
		DELETE FROM sync_jobs
		WHERE state IN ($1, $2, $3)
		  AND updated_at < $4
	`

	result, err := q.db.ExecContext(ctx, query,
		string(domain.JobStateSucceeded),
		string(domain.JobStateFailed),
		string(domain.JobStateCancelled),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return int(rows), nil
}

// Stats returns queue statistics
func (q *Queue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	stats := &driven.QueueStats{}

	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sync_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}

		switch domain.JobState(state) {
		case domain.JobStateQueued:
			stats.QueuedCount = count
		case domain.JobStateRunning:
			stats.RunningCount = count
		case domain.JobStateRetrying:
			stats.RetryingCount = count
		case domain.JobStateSucceeded:
			stats.SucceededCount = count
		case domain.JobStateFailed:
			stats.FailedCount = count
		case domain.JobStateCancelled:
			stats.CancelledCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}

	ageQuery := `
		SELECT EXTRACT(EPOCH FROM (NOW() - MIN(created_at)))::bigint
		FROM sync_jobs
		WHERE state = $1
	`
	var age sql.NullInt64
	err = q.db.QueryRowContext(ctx, ageQuery, string(domain.JobStateQueued)).Scan(&age)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("query oldest age: %w", err)
	}
	if age.Valid {
		stats.OldestQueuedAge = age.Int64
	}

	return stats, nil
}

// Ping checks database connectivity
func (q *Queue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Close is a no-op for the Postgres queue (db connection managed externally)
func (q *Queue) Close() error {
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.SyncJob, error) {
	var job domain.SyncJob
	var kind, state string
	var payload []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Seq,
		&kind,
		&job.Scope,
		&payload,
		&state,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.NextRetryAt,
		&job.PageToken,
		&job.Processed,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = domain.JobKind(kind)
	job.State = domain.JobState(state)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		if len(job.Payload) == 0 {
			job.Payload = nil
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	return &job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
