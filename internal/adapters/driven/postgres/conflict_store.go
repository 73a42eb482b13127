package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.ConflictStore = (*ConflictStore)(nil)

const conflictColumns = `id, listing_id, local_snapshot, remote_snapshot, resolution, conflicting_fields,
	reason, detected_at, resolved_at, resolved_by, operator_choice`

// ConflictStore implements driven.ConflictStore using PostgreSQL.
// At most one unresolved case exists per listing (partial unique index).
type ConflictStore struct {
	db *DB
}

// NewConflictStore creates a new ConflictStore
func NewConflictStore(db *DB) *ConflictStore {
	return &ConflictStore{db: db}
}

// Save creates or updates a case
func (s *ConflictStore) Save(ctx context.Context, c *domain.ConflictCase) error {
	if c.ID == "" {
		c.ID = domain.GenerateID()
	}

	local, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("marshal local snapshot: %w", err)
	}
	remote, err := json.Marshal(c.Remote)
	if err != nil {
		return fmt.Errorf("marshal remote snapshot: %w", err)
	}

	query := `
		INSERT INTO conflict_cases (` + conflictColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			local_snapshot = EXCLUDED.local_snapshot,
			remote_snapshot = EXCLUDED.remote_snapshot,
			resolution = EXCLUDED.resolution,
			conflicting_fields = EXCLUDED.conflicting_fields,
			reason = EXCLUDED.reason,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by,
			operator_choice = EXCLUDED.operator_choice
	`

	fields := c.ConflictingFields
	if fields == nil {
		fields = []string{}
	}

	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.ListingID,
		local,
		remote,
		string(c.Resolution),
		pq.Array(fields),
		c.Reason,
		c.DetectedAt,
		NullTime(c.ResolvedAt),
		c.ResolvedBy,
		string(c.OperatorChoice),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("open conflict for listing %s: %w", c.ListingID, domain.ErrAlreadyExists)
	}
	return err
}

// Get retrieves a case by ID
func (s *ConflictStore) Get(ctx context.Context, id string) (*domain.ConflictCase, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_cases WHERE id = $1`
	c, err := scanConflict(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return c, err
}

// GetOpenByListing returns the unresolved case for a listing
func (s *ConflictStore) GetOpenByListing(ctx context.Context, listingID string) (*domain.ConflictCase, error) {
	query := `
		SELECT ` + conflictColumns + `
		FROM conflict_cases
		WHERE listing_id = $1 AND resolution = $2 AND resolved_at IS NULL
	`
	c, err := scanConflict(s.db.QueryRowContext(ctx, query, listingID, string(domain.ResolutionManualReview)))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return c, err
}

// List returns cases newest first
func (s *ConflictStore) List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.ConflictCase, error) {
	query := `
		SELECT ` + conflictColumns + `
		FROM conflict_cases
		WHERE ($1 = '' OR listing_id = $1)
		  AND (NOT $2 OR resolved_at IS NULL)
		ORDER BY detected_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.ListingID,
		filter.OpenOnly,
		clampLimit(filter.Limit, defaultListLimit, maxListLimit),
		max(filter.Offset, 0),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.ConflictCase
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cases, nil
}

// MarkResolved closes an open case.
// Returns domain.ErrVersionConflict when the case was already resolved.
func (s *ConflictStore) MarkResolved(ctx context.Context, id string, choice domain.Resolution, by string, at time.Time) error {
	query := `
		UPDATE conflict_cases
		SET resolved_at = $2, resolved_by = $3, operator_choice = $4
		WHERE id = $1 AND resolved_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, id, at, by, string(choice))
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 1 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("conflict %s already resolved: %w", id, domain.ErrVersionConflict)
}

func scanConflict(row rowScanner) (*domain.ConflictCase, error) {
	var c domain.ConflictCase
	var local, remote []byte
	var resolution, choice string
	var fields []string
	var resolvedAt sql.NullTime

	err := row.Scan(
		&c.ID,
		&c.ListingID,
		&local,
		&remote,
		&resolution,
		pq.Array(&fields),
		&c.Reason,
		&c.DetectedAt,
		&resolvedAt,
		&c.ResolvedBy,
		&choice,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(local, &c.Local); err != nil {
		return nil, fmt.Errorf("unmarshal local snapshot: %w", err)
	}
	if err := json.Unmarshal(remote, &c.Remote); err != nil {
		return nil, fmt.Errorf("unmarshal remote snapshot: %w", err)
	}
	c.Resolution = domain.Resolution(resolution)
	c.OperatorChoice = domain.Resolution(choice)
	c.ResolvedAt = TimePtr(resolvedAt)
	if len(fields) > 0 {
		c.ConflictingFields = fields
	}
	return &c, nil
}
