package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.IdempotencyLedger = (*IdempotencyLedger)(nil)

const idempotencyColumns = `fingerprint, operation, target, status, owner, result, error_code, error_message,
	lease_until, created_at, updated_at, expires_at`

// claimAttempts bounds the insert/read loop when a record is purged mid-claim.
const claimAttempts = 3

// IdempotencyLedger implements driven.IdempotencyLedger using PostgreSQL.
// A claim is a single INSERT ... ON CONFLICT DO UPDATE guarded by liveness,
// so two callers can never both claim the same fingerprint.
type IdempotencyLedger struct {
	db  *DB
	now func() time.Time
}

// NewIdempotencyLedger creates a new IdempotencyLedger
func NewIdempotencyLedger(db *DB) *IdempotencyLedger {
	return &IdempotencyLedger{db: db, now: time.Now}
}

// Begin claims the fingerprint unless a live record holds it.
// Expired records and in_progress records with a lapsed lease are taken over.
func (l *IdempotencyLedger) Begin(ctx context.Context, rec *domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	query := `
		INSERT INTO idempotency_records (` + idempotencyColumns + `)
		VALUES ($1, $2, $3, $4, $9, NULL, '', '', $5, $6, $6, $7)
		ON CONFLICT (fingerprint) DO UPDATE SET
			operation = EXCLUDED.operation,
			target = EXCLUDED.target,
			status = EXCLUDED.status,
			owner = EXCLUDED.owner,
			result = NULL,
			error_code = '',
			error_message = '',
			lease_until = EXCLUDED.lease_until,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= $8
		   OR (idempotency_records.status = $4 AND idempotency_records.lease_until <= $8)
		RETURNING fingerprint
	`

	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := l.now()
		var fp string
		err := l.db.QueryRowContext(ctx, query,
			rec.Fingerprint,
			string(rec.Operation),
			rec.Target,
			string(domain.IdempotencyInProgress),
			rec.LeaseUntil,
			rec.CreatedAt,
			rec.ExpiresAt,
			now,
			rec.Owner,
		).Scan(&fp)
		if err == nil {
			return nil, true, nil
		}
		if err != sql.ErrNoRows {
			return nil, false, fmt.Errorf("claim fingerprint: %w", err)
		}

		existing, err := l.Get(ctx, rec.Fingerprint)
		if errors.Is(err, domain.ErrNotFound) {
			// purged between the insert and the read
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("claim fingerprint %s: %w", rec.Fingerprint, domain.ErrOperationInProgress)
}

// Extend pushes the lease of a claim still held by owner
func (l *IdempotencyLedger) Extend(ctx context.Context, fingerprint, owner string, leaseUntil time.Time) error {
	query := `
		UPDATE idempotency_records SET lease_until = $1, updated_at = $2
		WHERE fingerprint = $3 AND owner = $4 AND status = $5
	`
	result, err := l.db.ExecContext(ctx, query,
		leaseUntil, l.now(), fingerprint, owner, string(domain.IdempotencyInProgress))
	if err != nil {
		return fmt.Errorf("extend fingerprint: %w", err)
	}
	return claimHeld(result, fingerprint)
}

// Complete stores the settled outcome of a claim still held by rec.Owner
func (l *IdempotencyLedger) Complete(ctx context.Context, rec *domain.IdempotencyRecord) error {
	query := `
		UPDATE idempotency_records SET
			status = $1,
			result = $2,
			error_code = $3,
			error_message = $4,
			updated_at = $5,
			expires_at = $6
		WHERE fingerprint = $7 AND owner = $8 AND status = $9
	`

	var payload []byte
	if len(rec.Result) > 0 {
		payload = rec.Result
	}

	result, err := l.db.ExecContext(ctx, query,
		string(rec.Status),
		payload,
		string(rec.ErrorCode),
		rec.ErrorMessage,
		rec.UpdatedAt,
		rec.ExpiresAt,
		rec.Fingerprint,
		rec.Owner,
		string(domain.IdempotencyInProgress),
	)
	if err != nil {
		return fmt.Errorf("complete fingerprint: %w", err)
	}
	return claimHeld(result, rec.Fingerprint)
}

// Release drops an in_progress claim still held by owner
func (l *IdempotencyLedger) Release(ctx context.Context, fingerprint, owner string) error {
	query := `DELETE FROM idempotency_records WHERE fingerprint = $1 AND owner = $2 AND status = $3`
	result, err := l.db.ExecContext(ctx, query, fingerprint, owner, string(domain.IdempotencyInProgress))
	if err != nil {
		return fmt.Errorf("release fingerprint: %w", err)
	}
	return claimHeld(result, fingerprint)
}

func claimHeld(result sql.Result, fingerprint string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("fingerprint %s: %w", fingerprint, domain.ErrClaimLost)
	}
	return nil
}

// Get retrieves a record by fingerprint
func (l *IdempotencyLedger) Get(ctx context.Context, fingerprint string) (*domain.IdempotencyRecord, error) {
	query := `SELECT ` + idempotencyColumns + ` FROM idempotency_records WHERE fingerprint = $1`

	var rec domain.IdempotencyRecord
	var operation, status, errorCode string
	var result []byte

	err := l.db.QueryRowContext(ctx, query, fingerprint).Scan(
		&rec.Fingerprint,
		&operation,
		&rec.Target,
		&status,
		&rec.Owner,
		&result,
		&errorCode,
		&rec.ErrorMessage,
		&rec.LeaseUntil,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Operation = domain.OperationKind(operation)
	rec.Status = domain.IdempotencyStatus(status)
	rec.ErrorCode = domain.ErrorCode(errorCode)
	if len(result) > 0 {
		rec.Result = result
	}
	return &rec, nil
}

// PurgeExpired deletes records that expired before now
func (l *IdempotencyLedger) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
