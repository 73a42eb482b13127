package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.QuotaStore = (*QuotaStore)(nil)

// QuotaStore implements driven.QuotaStore on the quota_windows table.
// It is the fallback when Redis is not configured. The window row is locked
// by the rollover upsert, so the consume that follows in the same
// transaction cannot race another caller.
type QuotaStore struct {
	db  *DB
	now func() time.Time
}

// NewQuotaStore creates a new QuotaStore
func NewQuotaStore(db *DB) *QuotaStore {
	return &QuotaStore{db: db, now: time.Now}
}

// rolloverQuery creates the window or starts a fresh one once reset_at has passed.
const rolloverQuery = `
	INSERT INTO quota_windows (category, lim, remaining, reset_at)
	VALUES ($1, $2, $2, $3)
	ON CONFLICT (category) DO UPDATE SET
		lim = EXCLUDED.lim,
		remaining = CASE WHEN quota_windows.reset_at <= $4 THEN EXCLUDED.lim
		                 ELSE LEAST(quota_windows.remaining, EXCLUDED.lim) END,
		reset_at = CASE WHEN quota_windows.reset_at <= $4 THEN EXCLUDED.reset_at
		                ELSE quota_windows.reset_at END
	RETURNING remaining, reset_at
`

// TryAcquire takes n tokens from the current window when enough remain
func (s *QuotaStore) TryAcquire(ctx context.Context, policy domain.QuotaPolicy, n int) (domain.QuotaWindow, bool, error) {
	window := domain.QuotaWindow{Category: policy.Category, Limit: policy.Limit}
	acquired := false

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		now := s.now()
		if err := tx.QueryRowContext(ctx, rolloverQuery,
			string(policy.Category), policy.Limit, now.Add(policy.Window), now,
		).Scan(&window.Remaining, &window.ResetAt); err != nil {
			return err
		}
		if window.Remaining < n {
			return nil
		}

		err := tx.QueryRowContext(ctx, `
			UPDATE quota_windows SET remaining = remaining - $2
			WHERE category = $1 AND remaining >= $2
			RETURNING remaining
		`, string(policy.Category), n).Scan(&window.Remaining)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return domain.QuotaWindow{}, false, err
	}
	return window, acquired, nil
}

// Window returns the current window without consuming tokens
func (s *QuotaStore) Window(ctx context.Context, policy domain.QuotaPolicy) (domain.QuotaWindow, error) {
	window := domain.QuotaWindow{Category: policy.Category, Limit: policy.Limit}
	now := s.now()
	err := s.db.QueryRowContext(ctx, rolloverQuery,
		string(policy.Category), policy.Limit, now.Add(policy.Window), now,
	).Scan(&window.Remaining, &window.ResetAt)
	if err != nil {
		return domain.QuotaWindow{}, err
	}
	return window, nil
}

// Exhaust empties the category window until resetAt
func (s *QuotaStore) Exhaust(ctx context.Context, policy domain.QuotaPolicy, resetAt time.Time) error {
	query := `
		INSERT INTO quota_windows (category, lim, remaining, reset_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (category) DO UPDATE SET
			lim = EXCLUDED.lim,
			remaining = 0,
			reset_at = EXCLUDED.reset_at
	`
	_, err := s.db.ExecContext(ctx, query, string(policy.Category), policy.Limit, resetAt)
	return err
}
